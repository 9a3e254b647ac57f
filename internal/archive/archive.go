// Package archive applies the retention policy: finished jobs older than the
// retention period are written out as JSON lines, then deleted from the table.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"post-scheduler/internal/models"
	"post-scheduler/internal/store"
	"post-scheduler/internal/telemetry"
)

// Record is one archived job with its attempt history.
type Record struct {
	Job      models.Job       `json:"job"`
	Attempts []models.Attempt `json:"attempts"`
}

// Archiver moves posted and failed jobs out of the live table.
type Archiver struct {
	store    store.Store
	uploader Uploader
	period   time.Duration
	batch    int
	prefix   string
	log      zerolog.Logger
	now      func() time.Time
}

func NewArchiver(st store.Store, up Uploader, period time.Duration, batch int, prefix string, log zerolog.Logger) *Archiver {
	if batch <= 0 {
		batch = 500
	}
	return &Archiver{
		store:    st,
		uploader: up,
		period:   period,
		batch:    batch,
		prefix:   prefix,
		log:      log,
		now:      time.Now,
	}
}

// RunOnce archives and deletes every finished job last updated before
// now-period. A job is only deleted after its batch was uploaded.
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	if a.period <= 0 {
		return 0, nil
	}
	now := a.now().UTC()
	cutoff := now.Add(-a.period)

	var total int64
	for part := 0; ; part++ {
		jobs, err := a.store.ListFinishedBefore(ctx, cutoff, a.batch)
		if err != nil {
			return total, err
		}
		if len(jobs) == 0 {
			break
		}

		body, ids, err := a.encode(ctx, jobs)
		if err != nil {
			return total, err
		}
		key := a.objectKey(now, part)
		where, err := a.uploader.Upload(ctx, key, body, "application/x-ndjson")
		if err != nil {
			return total, fmt.Errorf("upload archive %s: %w", key, err)
		}

		n, err := a.store.DeleteJobs(ctx, ids)
		if err != nil {
			return total, err
		}
		total += n
		telemetry.ArchivedPurged.Add(float64(n))
		a.log.Info().Int64("deleted", n).Str("object", where).Msg("archived finished jobs")

		if len(jobs) < a.batch {
			break
		}
	}
	return total, nil
}

func (a *Archiver) encode(ctx context.Context, jobs []models.Job) ([]byte, []int64, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		attempts, err := a.store.ListAttempts(ctx, job.ID)
		if err != nil {
			return nil, nil, err
		}
		if err := enc.Encode(Record{Job: job, Attempts: attempts}); err != nil {
			return nil, nil, fmt.Errorf("encode job %d: %w", job.ID, err)
		}
		ids = append(ids, job.ID)
	}
	return buf.Bytes(), ids, nil
}

func (a *Archiver) objectKey(now time.Time, part int) string {
	name := fmt.Sprintf("posts-%s-%03d.jsonl", now.Format("20060102T150405Z"), part)
	return path.Join(a.prefix, now.Format("2006/01/02"), name)
}

// Schedule registers RunOnce on c using a standard cron spec or descriptor
// such as "@daily".
func (a *Archiver) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		if _, err := a.RunOnce(ctx); err != nil {
			a.log.Error().Err(err).Msg("retention run failed")
		}
	})
	if err != nil {
		return 0, fmt.Errorf("schedule retention %q: %w", spec, err)
	}
	return id, nil
}
