package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/nergal-perm/github-webhooks-router/internal/events"
	"github.com/nergal-perm/github-webhooks-router/internal/logging"
	"github.com/nergal-perm/github-webhooks-router/internal/model"
	"github.com/nergal-perm/github-webhooks-router/internal/queue"
	"github.com/nergal-perm/github-webhooks-router/internal/task"
)

// Stats summarises one Download cycle.
type Stats struct {
	Suppressed     bool
	Fetched        int
	Written        int
	Duplicates     int
	Skipped        int
	WriteFailures  int
	DeleteFailures int
}

// Downloader moves remote records into pending. A remote record is deleted
// only after its task file exists locally, so a crash in between produces a
// duplicate that the next cycle recognises by its unique-id suffix.
type Downloader struct {
	source Source
	store  *queue.Store
	quiet  QuietHours
	bus    events.Publisher
	logger *logging.Logger
	now    func() time.Time
}

func NewDownloader(source Source, store *queue.Store, quiet QuietHours, bus events.Publisher, logger *logging.Logger) *Downloader {
	if bus == nil {
		bus = (*events.Bus)(nil)
	}
	return &Downloader{
		source: source,
		store:  store,
		quiet:  quiet,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Download runs one ingestion cycle. An error means the cycle was aborted
// before touching any record (scan or pending listing failed).
func (d *Downloader) Download(ctx context.Context) (Stats, error) {
	var st Stats
	now := d.now()
	if d.quiet.IsActive(now) {
		d.logger.Debug("quiet hours active window=%s, skipping download", d.quiet)
		st.Suppressed = true
		return st, nil
	}

	records, err := d.source.FetchAll(ctx)
	if err != nil {
		return st, fmt.Errorf("fetch remote records: %w", err)
	}
	st.Fetched = len(records)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if err := d.process(ctx, rec, &st); err != nil {
			return st, err
		}
	}

	if st.Fetched > 0 {
		d.logger.Info("download finished fetched=%d written=%d duplicates=%d skipped=%d write_failures=%d",
			st.Fetched, st.Written, st.Duplicates, st.Skipped, st.WriteFailures)
	}
	return st, nil
}

func (d *Downloader) process(ctx context.Context, rec Record, st *Stats) error {
	repo, ok := rec.RepoFullName()
	if !ok {
		d.logger.Warn("cannot determine repository delivery=%s", rec.DeliveryID)
		d.bus.Publish(events.EventRecordSkipped, map[string]any{"delivery_id": rec.DeliveryID})
		st.Skipped++
		return nil
	}

	uid := task.UniqueIDFromDelivery(rec.DeliveryID)
	pending, err := d.store.List(model.StagePending)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, name := range pending {
		if task.HasUniqueID(name, uid) {
			d.logger.Debug("duplicate delivery=%s already pending as %s", rec.DeliveryID, name)
			d.bus.Publish(events.EventRecordDuplicate, map[string]any{
				"delivery_id": rec.DeliveryID,
				"filename":    name,
				"repo":        repo,
			})
			st.Duplicates++
			d.deleteQuietly(ctx, rec.DeliveryID, st)
			return nil
		}
	}

	filename := task.Encode(repo, d.now(), uid)
	if err := d.store.Create(model.StagePending, filename, rec.Payload); err != nil {
		d.logger.Error("write pending task failed delivery=%s error=%v", rec.DeliveryID, err)
		st.WriteFailures++
		return nil
	}
	d.logger.Info("downloaded delivery=%s file=pending/%s", rec.DeliveryID, filename)
	d.bus.Publish(events.EventRecordIngested, map[string]any{
		"delivery_id": rec.DeliveryID,
		"filename":    filename,
		"repo":        repo,
	})
	st.Written++
	d.deleteQuietly(ctx, rec.DeliveryID, st)
	return nil
}

func (d *Downloader) deleteQuietly(ctx context.Context, deliveryID string, st *Stats) {
	if err := d.source.Delete(ctx, deliveryID); err != nil {
		d.logger.Error("delete remote record failed delivery=%s error=%v (will be retried)", deliveryID, err)
		st.DeleteFailures++
	}
}
