package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"post-scheduler/internal/models"
)

// migrationLockKey serializes concurrent Migrate calls across processes.
const migrationLockKey int64 = 7_420_001

const jobColumns = `id, owner_id, message, visibility, schedule_time, status, retry_count,
	ownership_token, claimed_at, posted_at, last_error, created_at, updated_at`

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres and verifies it is reachable.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Postgres{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate applies embedded migrations not yet recorded in schema_migrations.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	var applied bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).Scan(&applied); err != nil {
		return fmt.Errorf("check migration %s: %w", m.Name, err)
	}
	if applied {
		return nil
	}
	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("exec migration %s: %w", m.Name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return fmt.Errorf("record migration %s: %w", m.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.Name, err)
	}
	return nil
}

// FetchDueJobs returns pending jobs with schedule_time <= now, oldest first.
func (s *Postgres) FetchDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_posts
		WHERE status = $1 AND schedule_time <= $2
		ORDER BY schedule_time, id
		LIMIT $3
	`, models.StatusPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *Postgres) FetchCredential(ctx context.Context, ownerID string) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx, `SELECT access_token FROM accounts WHERE owner_id = $1`, ownerID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query credential: %w", err)
	}
	if token == "" {
		return "", ErrNotFound
	}
	return token, nil
}

// Claim moves a job from pending to processing under token.
func (s *Postgres) Claim(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = $3, ownership_token = $2, claimed_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5
	`, id, token, models.StatusProcessing, now.UTC(), models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) VerifyClaim(ctx context.Context, id int64, token string) (bool, error) {
	var held bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM scheduled_posts WHERE id = $1 AND status = $2 AND ownership_token = $3
		)`, id, models.StatusProcessing, token).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("verify claim %d: %w", id, err)
	}
	return held, nil
}

func (s *Postgres) MarkPosted(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	return s.reconcile(ctx, func(tx pgx.Tx) (bool, error) {
		var owner string
		err := tx.QueryRow(ctx, `
			UPDATE scheduled_posts
			SET status = $3, posted_at = $4, ownership_token = NULL, claimed_at = NULL, updated_at = $4
			WHERE id = $1 AND status = $5 AND ownership_token = $2
			RETURNING owner_id
		`, id, token, models.StatusPosted, now.UTC(), models.StatusProcessing).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("mark posted %d: %w", id, err)
		}
		return true, insertAttemptPG(ctx, tx, id, owner, models.AttemptPosted, "", now)
	})
}

// RecordFailure increments retry_count and escalates to failed once the new
// count reaches maxRetries.
func (s *Postgres) RecordFailure(ctx context.Context, id int64, token, errText string, maxRetries int, now time.Time) (FailureResult, error) {
	var res FailureResult
	errText = models.TruncateError(errText)
	_, err := s.reconcile(ctx, func(tx pgx.Tx) (bool, error) {
		var owner, status string
		err := tx.QueryRow(ctx, `
			UPDATE scheduled_posts
			SET retry_count = retry_count + 1,
			    status = CASE WHEN retry_count + 1 >= $4 THEN $6 ELSE $7 END,
			    last_error = $3,
			    ownership_token = NULL,
			    claimed_at = NULL,
			    updated_at = $5
			WHERE id = $1 AND status = $8 AND ownership_token = $2
			RETURNING owner_id, status, retry_count
		`, id, token, errText, maxRetries, now.UTC(),
			models.StatusFailed, models.StatusPending, models.StatusProcessing,
		).Scan(&owner, &status, &res.RetryCount)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("record failure %d: %w", id, err)
		}
		res.Applied = true
		res.Status = models.Status(status)
		outcome := models.AttemptRetry
		if res.Status == models.StatusFailed {
			outcome = models.AttemptFailed
		}
		return true, insertAttemptPG(ctx, tx, id, owner, outcome, errText, now)
	})
	if err != nil {
		return FailureResult{}, err
	}
	return res, nil
}

// MarkFailed moves a job straight to failed without touching retry_count.
func (s *Postgres) MarkFailed(ctx context.Context, id int64, token, errText string, now time.Time) (bool, error) {
	errText = models.TruncateError(errText)
	return s.reconcile(ctx, func(tx pgx.Tx) (bool, error) {
		var owner string
		err := tx.QueryRow(ctx, `
			UPDATE scheduled_posts
			SET status = $4, last_error = $3, ownership_token = NULL, claimed_at = NULL, updated_at = $5
			WHERE id = $1 AND status = $6 AND ownership_token = $2
			RETURNING owner_id
		`, id, token, errText, models.StatusFailed, now.UTC(), models.StatusProcessing).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("mark failed %d: %w", id, err)
		}
		return true, insertAttemptPG(ctx, tx, id, owner, models.AttemptFailed, errText, now)
	})
}

// Release hands a claimed job back to pending without counting an attempt.
func (s *Postgres) Release(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = $3, ownership_token = NULL, claimed_at = NULL, updated_at = $4
		WHERE id = $1 AND status = $5 AND ownership_token = $2
	`, id, token, models.StatusPending, now.UTC(), models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("release job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetStalled resets processing jobs claimed at or before cutoff.
func (s *Postgres) ResetStalled(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = $1, ownership_token = NULL, claimed_at = NULL, updated_at = $3
		WHERE status = $2 AND (claimed_at IS NULL OR claimed_at <= $4)
	`, models.StatusPending, models.StatusProcessing, now.UTC(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("reset stalled jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreateJob inserts a pending job.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if err := p.normalize(); err != nil {
		return models.Job{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_posts (owner_id, message, visibility, schedule_time, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, 0)
		RETURNING `+jobColumns,
		p.OwnerID, p.Message, p.Visibility, p.ScheduleTime, models.StatusPending)
	job, err := scanJobPG(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *Postgres) PutCredential(ctx context.Context, ownerID, accessToken string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (owner_id, access_token)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET access_token = EXCLUDED.access_token, updated_at = NOW()
	`, ownerID, accessToken)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_posts WHERE id = $1`, id)
	job, err := scanJobPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *Postgres) ListJobs(ctx context.Context, f ListFilter) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_posts
		WHERE ($1 = '' OR status = $1)
		ORDER BY schedule_time DESC, id DESC
		LIMIT $2
	`, string(f.Status), f.limit())
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *Postgres) ListStalled(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_posts
		WHERE status = $1 AND (claimed_at IS NULL OR claimed_at <= $2)
		ORDER BY claimed_at NULLS FIRST, id
	`, models.StatusProcessing, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *Postgres) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM scheduled_posts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	counts := make(map[models.Status]int64, len(models.Statuses))
	for _, st := range models.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *Postgres) ListAttempts(ctx context.Context, jobID int64) ([]models.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, owner_id, outcome, error, attempted_at
		FROM post_attempts WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var outcome string
		var errText pgtype.Text
		if err := rows.Scan(&a.ID, &a.JobID, &a.OwnerID, &outcome, &errText, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Outcome = models.AttemptOutcome(outcome)
		a.Error = pgTextPtr(errText)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListFinishedBefore returns posted or failed jobs last updated before cutoff.
func (s *Postgres) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_posts
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY id
		LIMIT $4
	`, models.StatusPosted, models.StatusFailed, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list finished jobs: %w", err)
	}
	return collectJobs(rows)
}

// DeleteJobs removes finished jobs and their attempt history. Jobs that are not
// posted or failed are left alone.
func (s *Postgres) DeleteJobs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rows, err := tx.Query(ctx, `
		DELETE FROM scheduled_posts
		WHERE id = ANY($1) AND status IN ($2, $3)
		RETURNING id
	`, ids, models.StatusPosted, models.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	deleted, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return 0, fmt.Errorf("collect deleted ids: %w", err)
	}
	if len(deleted) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM post_attempts WHERE job_id = ANY($1)`, deleted); err != nil {
			return 0, fmt.Errorf("delete attempts: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int64(len(deleted)), nil
}

// reconcile runs fn in a transaction and commits only when fn applied a change.
func (s *Postgres) reconcile(ctx context.Context, fn func(tx pgx.Tx) (bool, error)) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	applied, err := fn(tx)
	if err != nil || !applied {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func insertAttemptPG(ctx context.Context, tx pgx.Tx, jobID int64, owner string, outcome models.AttemptOutcome, errText string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO post_attempts (job_id, owner_id, outcome, error, attempted_at)
		VALUES ($1, $2, $3, $4, $5)
	`, jobID, owner, outcome, textPtr(errText), at.UTC())
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJobPG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJobPG(row pgx.Row) (models.Job, error) {
	var job models.Job
	var visibility, status string
	var token, lastErr pgtype.Text
	var claimedAt, postedAt pgtype.Timestamptz
	if err := row.Scan(&job.ID, &job.OwnerID, &job.Message, &visibility, &job.ScheduleTime, &status, &job.RetryCount,
		&token, &claimedAt, &postedAt, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Visibility = models.Visibility(visibility)
	job.Status = models.Status(status)
	job.OwnershipToken = pgTextPtr(token)
	job.LastError = pgTextPtr(lastErr)
	job.ClaimedAt = pgTimePtr(claimedAt)
	job.PostedAt = pgTimePtr(postedAt)
	return job, nil
}

func pgTextPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func pgTimePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
