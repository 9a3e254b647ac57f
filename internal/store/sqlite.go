package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"post-scheduler/internal/models"
)

// SQLite is a single-file job store for single-host deployments and tests.
// Timestamps are stored as unix milliseconds.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer; one connection also makes each
	// conditional UPDATE trivially serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &SQLite{db: db}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	migrations, err := loadMigrations("sqlite")
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

func (s *SQLite) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&n); err != nil {
		return fmt.Errorf("check migration %s: %w", m.Name, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("exec migration %s: %w", m.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("record migration %s: %w", m.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.Name, err)
	}
	return nil
}

func (s *SQLite) FetchDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_posts
		WHERE status = ? AND schedule_time <= ?
		ORDER BY schedule_time, id
		LIMIT ?
	`, models.StatusPending, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	return collectJobsSQL(rows)
}

func (s *SQLite) FetchCredential(ctx context.Context, ownerID string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT access_token FROM accounts WHERE owner_id = ?`, ownerID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLite) Claim(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = ?, ownership_token = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.StatusProcessing, token, now.UnixMilli(), now.UnixMilli(), id, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	return affectedOne(res)
}

func (s *SQLite) VerifyClaim(ctx context.Context, id int64, token string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scheduled_posts WHERE id = ? AND status = ? AND ownership_token = ?
	`, id, models.StatusProcessing, token).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("verify claim %d: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLite) MarkPosted(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	return s.reconcile(ctx, func(tx *sql.Tx) (bool, error) {
		var owner string
		err := tx.QueryRowContext(ctx, `
			UPDATE scheduled_posts
			SET status = ?, posted_at = ?, ownership_token = NULL, claimed_at = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND ownership_token = ?
			RETURNING owner_id
		`, models.StatusPosted, now.UnixMilli(), now.UnixMilli(), id, models.StatusProcessing, token).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("mark posted %d: %w", id, err)
		}
		return true, insertAttemptSQL(ctx, tx, id, owner, models.AttemptPosted, "", now)
	})
}

func (s *SQLite) RecordFailure(ctx context.Context, id int64, token, errText string, maxRetries int, now time.Time) (FailureResult, error) {
	var res FailureResult
	errText = models.TruncateError(errText)
	_, err := s.reconcile(ctx, func(tx *sql.Tx) (bool, error) {
		var owner, status string
		err := tx.QueryRowContext(ctx, `
			UPDATE scheduled_posts
			SET retry_count = retry_count + 1,
			    status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END,
			    last_error = ?,
			    ownership_token = NULL,
			    claimed_at = NULL,
			    updated_at = ?
			WHERE id = ? AND status = ? AND ownership_token = ?
			RETURNING owner_id, status, retry_count
		`, maxRetries, models.StatusFailed, models.StatusPending, errText, now.UnixMilli(),
			id, models.StatusProcessing, token,
		).Scan(&owner, &status, &res.RetryCount)
		if errors.Is(err, sql.ErrNoRows) {
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
		return true, insertAttemptSQL(ctx, tx, id, owner, outcome, errText, now)
	})
	if err != nil {
		return FailureResult{}, err
	}
	return res, nil
}

func (s *SQLite) MarkFailed(ctx context.Context, id int64, token, errText string, now time.Time) (bool, error) {
	errText = models.TruncateError(errText)
	return s.reconcile(ctx, func(tx *sql.Tx) (bool, error) {
		var owner string
		err := tx.QueryRowContext(ctx, `
			UPDATE scheduled_posts
			SET status = ?, last_error = ?, ownership_token = NULL, claimed_at = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND ownership_token = ?
			RETURNING owner_id
		`, models.StatusFailed, errText, now.UnixMilli(), id, models.StatusProcessing, token).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("mark failed %d: %w", id, err)
		}
		return true, insertAttemptSQL(ctx, tx, id, owner, models.AttemptFailed, errText, now)
	})
}

func (s *SQLite) Release(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = ?, ownership_token = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND ownership_token = ?
	`, models.StatusPending, now.UnixMilli(), id, models.StatusProcessing, token)
	if err != nil {
		return false, fmt.Errorf("release job %d: %w", id, err)
	}
	return affectedOne(res)
}

func (s *SQLite) ResetStalled(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = ?, ownership_token = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = ? AND (claimed_at IS NULL OR claimed_at <= ?)
	`, models.StatusPending, now.UnixMilli(), models.StatusProcessing, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reset stalled jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLite) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if err := p.normalize(); err != nil {
		return models.Job{}, err
	}
	now := time.Now().UnixMilli()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_posts (owner_id, message, visibility, schedule_time, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		RETURNING `+jobColumns,
		p.OwnerID, p.Message, p.Visibility, p.ScheduleTime.UnixMilli(), models.StatusPending, now, now)
	job, err := scanJobSQL(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *SQLite) PutCredential(ctx context.Context, ownerID, accessToken string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (owner_id, access_token, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET access_token = excluded.access_token, updated_at = excluded.updated_at
	`, ownerID, accessToken, now, now)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_posts WHERE id = ?`, id)
	job, err := scanJobSQL(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLite) ListJobs(ctx context.Context, f ListFilter) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_posts
		WHERE (? = '' OR status = ?)
		ORDER BY schedule_time DESC, id DESC
		LIMIT ?
	`, string(f.Status), string(f.Status), f.limit())
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobsSQL(rows)
}

func (s *SQLite) ListStalled(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_posts
		WHERE status = ? AND (claimed_at IS NULL OR claimed_at <= ?)
		ORDER BY claimed_at, id
	`, models.StatusProcessing, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	return collectJobsSQL(rows)
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduled_posts GROUP BY status`)
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

func (s *SQLite) ListAttempts(ctx context.Context, jobID int64) ([]models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, owner_id, outcome, error, attempted_at
		FROM post_attempts WHERE job_id = ? ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var outcome string
		var errText sql.NullString
		var at int64
		if err := rows.Scan(&a.ID, &a.JobID, &a.OwnerID, &outcome, &errText, &at); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Outcome = models.AttemptOutcome(outcome)
		a.Error = nullStringPtr(errText)
		a.AttemptedAt = time.UnixMilli(at).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_posts
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY id
		LIMIT ?
	`, models.StatusPosted, models.StatusFailed, cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list finished jobs: %w", err)
	}
	return collectJobsSQL(rows)
}

func (s *SQLite) DeleteJobs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var deleted int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM scheduled_posts WHERE id = ? AND status IN (?, ?)
		`, id, models.StatusPosted, models.StatusFailed)
		if err != nil {
			return 0, fmt.Errorf("delete job %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM post_attempts WHERE job_id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete attempts for %d: %w", id, err)
		}
		deleted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return deleted, nil
}

func (s *SQLite) reconcile(ctx context.Context, fn func(tx *sql.Tx) (bool, error)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	applied, err := fn(tx)
	if err != nil || !applied {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func insertAttemptSQL(ctx context.Context, tx *sql.Tx, jobID int64, owner string, outcome models.AttemptOutcome, errText string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO post_attempts (job_id, owner_id, outcome, error, attempted_at)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, owner, outcome, textPtr(errText), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collectJobsSQL(rows *sql.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJobSQL(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJobSQL(row rowScanner) (models.Job, error) {
	var job models.Job
	var visibility, status string
	var scheduleTime, createdAt, updatedAt int64
	var token, lastErr sql.NullString
	var claimedAt, postedAt sql.NullInt64
	if err := row.Scan(&job.ID, &job.OwnerID, &job.Message, &visibility, &scheduleTime, &status, &job.RetryCount,
		&token, &claimedAt, &postedAt, &lastErr, &createdAt, &updatedAt); err != nil {
		return models.Job{}, err
	}
	job.Visibility = models.Visibility(visibility)
	job.Status = models.Status(status)
	job.ScheduleTime = time.UnixMilli(scheduleTime).UTC()
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	job.OwnershipToken = nullStringPtr(token)
	job.LastError = nullStringPtr(lastErr)
	job.ClaimedAt = nullMillisPtr(claimedAt)
	job.PostedAt = nullMillisPtr(postedAt)
	return job, nil
}

func nullStringPtr(v sql.NullString) *string {
	if v.Valid {
		return &v.String
	}
	return nil
}

func nullMillisPtr(v sql.NullInt64) *time.Time {
	if v.Valid {
		t := time.UnixMilli(v.Int64).UTC()
		return &t
	}
	return nil
}
