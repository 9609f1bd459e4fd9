package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nergal-perm/github-webhooks-router/internal/events"
	"github.com/nergal-perm/github-webhooks-router/internal/model"
	"github.com/nergal-perm/github-webhooks-router/internal/queue"
)

const (
	deliveryID = "72d3162e-cc78-11e3-81ab-4c9367dc0958"
	payload    = `{"repository":{"full_name":"owner/my-repo"}}`
)

func newDownloader(t *testing.T, src Source, quiet QuietHours) (*Downloader, *queue.Store) {
	t.Helper()
	store := queue.NewStore(t.TempDir())
	d := NewDownloader(src, store, quiet, nil, nil)
	d.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local) }
	return d, store
}

func pending(t *testing.T, store *queue.Store) []string {
	t.Helper()
	names, err := store.List(model.StagePending)
	require.NoError(t, err)
	return names
}

func TestDownload_WritesPendingAndDeletes(t *testing.T) {
	src := &MemorySource{Records: []Record{{DeliveryID: deliveryID, Payload: []byte(payload)}}}
	d, store := newDownloader(t, src, NoQuietHours())

	st, err := d.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Written)

	names := pending(t, store)
	require.Len(t, names, 1)
	assert.True(t, strings.HasSuffix(names[0], "_owner-my-repo_72d3162e.json"), names[0])

	content, err := store.Read(model.StagePending, names[0])
	require.NoError(t, err)
	assert.Equal(t, payload, string(content))
	assert.Equal(t, []string{deliveryID}, src.Deleted())
}

func TestDownload_DuplicateIsDeletedNotRewritten(t *testing.T) {
	src := &MemorySource{Records: []Record{{DeliveryID: deliveryID, Payload: []byte(payload)}}}
	d, store := newDownloader(t, src, NoQuietHours())

	_, err := d.Download(context.Background())
	require.NoError(t, err)
	first := pending(t, store)
	require.Len(t, first, 1)

	path := store.Path(model.StagePending, first[0])
	before, err := os.Stat(path)
	require.NoError(t, err)

	d.now = func() time.Time { return time.Date(2024, 5, 1, 12, 5, 0, 0, time.Local) }
	st, err := d.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Duplicates)
	assert.Equal(t, 0, st.Written)

	assert.Equal(t, first, pending(t, store))
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
	assert.Equal(t, []string{deliveryID, deliveryID}, src.Deleted())
}

func TestDownload_MissingRepoIsSkippedWithoutDelete(t *testing.T) {
	src := &MemorySource{Records: []Record{
		{DeliveryID: "no-payload"},
		{DeliveryID: "no-repo", Payload: []byte(`{"action":"opened"}`)},
		{DeliveryID: "null-name", Payload: []byte(`{"repository":{"full_name":null}}`)},
	}}
	d, store := newDownloader(t, src, NoQuietHours())

	st, err := d.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.Skipped)
	assert.Empty(t, pending(t, store))
	assert.Empty(t, src.Deleted())
}

func TestDownload_WriteFailureKeepsRemoteRecord(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	src := &MemorySource{Records: []Record{{DeliveryID: deliveryID, Payload: []byte(payload)}}}
	d, store := newDownloader(t, src, NoQuietHours())
	require.NoError(t, os.MkdirAll(store.Dir(model.StagePending), 0755))
	require.NoError(t, os.Chmod(store.Dir(model.StagePending), 0555))
	t.Cleanup(func() { os.Chmod(store.Dir(model.StagePending), 0755) })

	st, err := d.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.WriteFailures)
	assert.Empty(t, src.Deleted())
}

func TestDownload_DeleteFailureIsNotFatal(t *testing.T) {
	src := &MemorySource{
		Records:   []Record{{DeliveryID: deliveryID, Payload: []byte(payload)}},
		DeleteErr: errors.New("throttled"),
	}
	d, store := newDownloader(t, src, NoQuietHours())

	st, err := d.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Written)
	assert.Equal(t, 1, st.DeleteFailures)
	assert.Len(t, pending(t, store), 1)
}

func TestDownload_QuietHoursSuppress(t *testing.T) {
	src := &MemorySource{Records: []Record{{DeliveryID: deliveryID, Payload: []byte(payload)}}}
	d, store := newDownloader(t, src, NewQuietHours(11*time.Hour, 13*time.Hour))

	st, err := d.Download(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Suppressed)
	assert.Empty(t, pending(t, store))
	assert.Empty(t, src.Deleted())
}

func TestDownload_FetchErrorAbortsCycle(t *testing.T) {
	src := &MemorySource{FetchErr: errors.New("network down")}
	d, _ := newDownloader(t, src, NoQuietHours())

	_, err := d.Download(context.Background())
	assert.ErrorContains(t, err, "network down")
}

func TestDownload_PendingListErrorAbortsCycle(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "pending"), []byte("x"), 0644))
	src := &MemorySource{Records: []Record{{DeliveryID: deliveryID, Payload: []byte(payload)}}}
	d := NewDownloader(src, queue.NewStore(root), NoQuietHours(), nil, nil)

	_, err := d.Download(context.Background())
	assert.Error(t, err)
	assert.Empty(t, src.Deleted())
}

func TestDownload_PublishesEvents(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()
	got := make(chan events.Event, 2)
	defer bus.Subscribe(events.EventRecordIngested, func(e events.Event) { got <- e })()

	src := &MemorySource{Records: []Record{{DeliveryID: deliveryID, Payload: []byte(payload)}}}
	d := NewDownloader(src, queue.NewStore(t.TempDir()), NoQuietHours(), bus, nil)
	_, err := d.Download(context.Background())
	require.NoError(t, err)

	select {
	case e := <-got:
		assert.Equal(t, "owner/my-repo", e.String("repo"))
		assert.Equal(t, deliveryID, e.String("delivery_id"))
	case <-time.After(time.Second):
		t.Fatal("no ingest event")
	}
}

func TestLazySource(t *testing.T) {
	calls := 0
	mem := &MemorySource{Records: []Record{{DeliveryID: "a"}}}
	lazy := NewLazySource(func(context.Context) (Source, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("no credentials")
		}
		return mem, nil
	})

	require.NoError(t, lazy.Close(), "closing before first use is a no-op")

	_, err := lazy.FetchAll(context.Background())
	assert.ErrorContains(t, err, "no credentials")

	recs, err := lazy.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	require.NoError(t, lazy.Delete(context.Background(), "a"))
	assert.Equal(t, 2, calls)

	require.NoError(t, lazy.Close())
	assert.True(t, mem.Closed())
	assert.Equal(t, []string{"a"}, mem.Deleted())
}

func TestNewSource(t *testing.T) {
	src, err := NewSource(context.Background(), model.RemoteConfig{Backend: model.BackendNone}, nil)
	require.NoError(t, err)
	recs, err := src.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = NewSource(context.Background(), model.RemoteConfig{Backend: "sqs"}, nil)
	assert.Error(t, err)

	src, err = NewSource(context.Background(), model.RemoteConfig{Backend: model.BackendRedis, RedisAddr: "127.0.0.1:1", RedisKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisSource{}, src)
	require.NoError(t, src.Close())
}
