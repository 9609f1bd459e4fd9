package agent

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nergal-perm/github-webhooks-router/internal/logging"
)

func newShellExecutor(t *testing.T, script string, timeout time.Duration) (*Executor, string) {
	t.Helper()
	base := t.TempDir()
	return NewExecutor(Options{
		RepoBaseDir: base,
		Command:     "/bin/sh",
		Args:        []string{"-c", script, "agent"},
		Timeout:     timeout,
	}), base
}

func TestExecute_Success(t *testing.T) {
	e, base := newShellExecutor(t, `echo "payload=$1"; pwd; echo oops >&2`, time.Minute)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "owner-repo"), 0755))
	out := filepath.Join(t.TempDir(), "outputs", "nested", "run.txt")

	res := e.Execute(context.Background(), "owner-repo", []byte(`{"action":"opened"}`), out)
	require.True(t, res.Success, res.ErrorMessage)
	assert.Empty(t, res.ErrorMessage)
	assert.Equal(t, 0, res.ExitCode)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `payload={"action":"opened"}`)
	assert.Contains(t, text, filepath.Join(base, "owner-repo"))
	assert.Contains(t, text, "oops")
}

func TestExecute_RepoDirMissing(t *testing.T) {
	e, base := newShellExecutor(t, `exit 0`, time.Minute)
	out := filepath.Join(t.TempDir(), "run.txt")

	res := e.Execute(context.Background(), "repo1", []byte("{}"), out)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrRepoNotFound)
	assert.Equal(t, "Repository directory not found: "+filepath.Join(base, "repo1"), res.ErrorMessage)

	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err), "no process, no output file")
}

func TestExecute_NonZeroExit(t *testing.T) {
	e, base := newShellExecutor(t, `echo failing; exit 3`, time.Minute)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "repo"), 0755))
	out := filepath.Join(t.TempDir(), "run.txt")

	res := e.Execute(context.Background(), "repo", []byte("{}"), out)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "Agent process exited with code: 3", res.ErrorMessage)

	data, err := os.ReadFile(out)
	require.NoError(t, err, "output file exists even on failure")
	assert.Equal(t, "failing\n", string(data))
}

func TestExecute_Timeout(t *testing.T) {
	e, base := newShellExecutor(t, `echo started; sleep 30`, 200*time.Millisecond)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "repo"), 0755))
	out := filepath.Join(t.TempDir(), "run.txt")

	start := time.Now()
	res := e.Execute(context.Background(), "repo", []byte("{}"), out)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.Equal(t, "Agent process timed out", res.ErrorMessage)

	_, err := os.Stat(out)
	assert.NoError(t, err)
}

func TestExecute_LaunchFailure(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "repo"), 0755))
	e := NewExecutor(Options{RepoBaseDir: base, Command: filepath.Join(base, "no-such-agent")})

	res := e.Execute(context.Background(), "repo", []byte("{}"), filepath.Join(t.TempDir(), "run.txt"))
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.ErrorMessage, "Failed to launch agent: "), res.ErrorMessage)
}

func TestExecute_LogsOutcome(t *testing.T) {
	var buf bytes.Buffer
	base := t.TempDir()
	e := NewExecutor(Options{
		RepoBaseDir: base,
		Command:     "/bin/sh",
		Args:        []string{"-c", "exit 0", "agent"},
		Logger:      logging.NewWriter(&buf, logging.LevelInfo, "agent"),
	})

	e.Execute(context.Background(), "missing", []byte("{}"), filepath.Join(t.TempDir(), "x.txt"))
	assert.Contains(t, buf.String(), "WARN agent: agent failed repo=missing")
}

func TestDefaultTimeout(t *testing.T) {
	e := NewExecutor(Options{Command: "gemini"})
	assert.Equal(t, 5*time.Minute, e.timeout)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, r.Execute(context.Background(), "repo", []byte("{}"), "out.txt").Success)
		}()
	}
	wg.Wait()
	assert.Len(t, r.Calls(), 10)

	r = &Recorder{OnExecute: func(_ context.Context, c Call) Result {
		return Result{ErrorMessage: "boom " + c.RepoName}
	}}
	res := r.Execute(context.Background(), "r1", nil, "o")
	assert.False(t, res.Success)
	assert.Equal(t, "boom r1", res.ErrorMessage)
	assert.Equal(t, []Call{{RepoName: "r1", OutputFile: "o"}}, r.Calls())
}
