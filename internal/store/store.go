package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"post-scheduler/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable job table plus the read-only credential lookup.
//
// Every write that moves a job out of processing is conditioned on the
// caller's ownership token. A false (or Applied=false) result means the
// condition failed because another actor already acted; it is not an error.
type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()

	FetchDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	FetchCredential(ctx context.Context, ownerID string) (string, error)

	Claim(ctx context.Context, id int64, token string, now time.Time) (bool, error)
	VerifyClaim(ctx context.Context, id int64, token string) (bool, error)
	MarkPosted(ctx context.Context, id int64, token string, now time.Time) (bool, error)
	RecordFailure(ctx context.Context, id int64, token, errText string, maxRetries int, now time.Time) (FailureResult, error)
	MarkFailed(ctx context.Context, id int64, token, errText string, now time.Time) (bool, error)
	Release(ctx context.Context, id int64, token string, now time.Time) (bool, error)
	ResetStalled(ctx context.Context, cutoff, now time.Time) (int64, error)

	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	PutCredential(ctx context.Context, ownerID, accessToken string) error
	GetJob(ctx context.Context, id int64) (models.Job, error)
	ListJobs(ctx context.Context, f ListFilter) ([]models.Job, error)
	ListStalled(ctx context.Context, cutoff time.Time) ([]models.Job, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
	ListAttempts(ctx context.Context, jobID int64) ([]models.Attempt, error)

	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	DeleteJobs(ctx context.Context, ids []int64) (int64, error)
}

// FailureResult reports the row state after RecordFailure.
type FailureResult struct {
	Applied    bool
	Status     models.Status
	RetryCount int
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	OwnerID      string
	Message      string
	Visibility   models.Visibility
	ScheduleTime time.Time
}

func (p *CreateJobParams) normalize() error {
	if strings.TrimSpace(p.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	if strings.TrimSpace(p.Message) == "" {
		return errors.New("message is required")
	}
	if p.Visibility == "" {
		p.Visibility = models.VisibilityPublic
	}
	if p.ScheduleTime.IsZero() {
		return errors.New("schedule time is required")
	}
	p.ScheduleTime = p.ScheduleTime.UTC()
	return nil
}

// ListFilter narrows ListJobs. Zero Status means any.
type ListFilter struct {
	Status models.Status
	Limit  int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 50
	}
	return f.Limit
}

// Open picks an implementation from the DSN scheme.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "file:"):
		return NewSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database url scheme in %q", redact(dsn))
	}
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	return "..."
}

func textPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
