package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxAttempts = 10
	defaultBackoffBase = 5 * time.Second
	defaultMaxBackoff  = time.Hour
)

type Queue struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

func New(db *sql.DB, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	return &Queue{db: db, opts: opts, now: time.Now}
}

func (q *Queue) stamp() string {
	return q.now().UTC().Format(timeFormat)
}

// Enqueue adds uri to the queue. If a job for the same uri is already queued
// or running, no job is added: a queued job is made due immediately and its
// id is returned with created=false.
func (q *Queue) Enqueue(ctx context.Context, uri string) (id string, created bool, err error) {
	if uri == "" {
		return "", false, fmt.Errorf("uri is empty")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
SELECT id, status FROM retry_queue
WHERE uri = ? AND status IN (?, ?);
`, uri, StatusQueued, StatusRunning).Scan(&id, &status)
	switch {
	case err == nil:
		if Status(status) == StatusQueued {
			if _, err := tx.ExecContext(ctx, `UPDATE retry_queue SET next_retry_at = NULL WHERE id = ?;`, id); err != nil {
				return "", false, fmt.Errorf("reschedule job: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("commit tx: %w", err)
		}
		return id, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", false, fmt.Errorf("check queued job: %w", err)
	}

	id = uuid.NewString()
	_, err = tx.ExecContext(ctx, `
INSERT INTO retry_queue(id, uri, status, attempt, max_attempts, created_at)
VALUES(?, ?, ?, 1, ?, ?);
`, id, uri, StatusQueued, q.opts.MaxAttempts, q.stamp())
	if err != nil {
		return "", false, fmt.Errorf("enqueue job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit tx: %w", err)
	}
	return id, true, nil
}

const jobColumns = `id, uri, status, attempt, max_attempts, created_at, started_at, completed_at, next_retry_at, last_error`

// Dequeue claims the oldest due job and marks it running. Returns (nil, nil)
// if nothing is due.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	now := q.stamp()
	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM retry_queue
  WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE retry_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StatusQueued, now, StatusRunning, now)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM retry_queue WHERE id = ?;`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Retry schedules another attempt after backoff_base * 2^(attempt-1), capped
// at the maximum backoff. A job that has used all its attempts becomes dead.
// The resulting status is returned.
func (q *Queue) Retry(ctx context.Context, id, reason string) (Status, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var attempt, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempt, max_attempts FROM retry_queue WHERE id = ?;`, id).Scan(&attempt, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load job for retry: %w", err)
	}

	now := q.now().UTC()
	status := StatusQueued
	if attempt >= maxAttempts {
		status = StatusDead
		_, err = tx.ExecContext(ctx, `
UPDATE retry_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, status, now.Format(timeFormat), reason, id)
	} else {
		next := now.Add(q.Backoff(attempt)).Format(timeFormat)
		_, err = tx.ExecContext(ctx, `
UPDATE retry_queue
SET status = ?, attempt = attempt + 1, next_retry_at = ?, last_error = ?
WHERE id = ?;
`, status, next, reason, id)
	}
	if err != nil {
		return "", fmt.Errorf("update job for retry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return status, nil
}

// Backoff returns the delay before the attempt following attempt.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	return min(d, q.opts.MaxBackoff)
}

// Complete marks a job terminal.
func (q *Queue) Complete(ctx context.Context, id string, status Status, lastError *string) error {
	if id == "" {
		return fmt.Errorf("job id is empty")
	}
	if status != StatusSucceeded && status != StatusFailed && status != StatusDead {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	res, err := q.db.ExecContext(ctx, `
UPDATE retry_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, status, q.stamp(), lastError, id)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Depth counts jobs waiting to be processed.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_queue WHERE status = ?;`, StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

// RecoverRunning requeues jobs left running by a previous process.
func (q *Queue) RecoverRunning(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE retry_queue SET status = ?, started_at = NULL WHERE status = ?;
`, StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		statusS      string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		nextRetryAtS sql.NullString
		lastError    sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.URI, &statusS, &j.Attempt, &j.MaxAttempts,
		&createdAtS, &startedAtS, &completedAtS, &nextRetryAtS, &lastError,
	); err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if t, err := time.Parse(timeFormat, createdAtS); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = parseNullTime(startedAtS)
	j.CompletedAt = parseNullTime(completedAtS)
	j.NextRetryAt = parseNullTime(nextRetryAtS)
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}
