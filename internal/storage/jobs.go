package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job statuses. A job moves pending -> running -> completed, or back to
// pending with a delay on failure until it runs out of attempts.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a unit of durable background work. PayloadJSON is opaque to the
// store.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // empty means JobPending on enqueue
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

const (
	defaultMaxAttempts = 3
	baseRetryDelay     = 2 * time.Second
)

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                          Job
		runAfter, created, updated string
		lastError                  sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &created, &updated, &lastError); err != nil {
		return nil, err
	}
	j.LastError = lastError.String

	var err error
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("job %s run_after: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("job %s created_at: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("job %s updated_at: %w", j.ID, err)
	}
	return &j, nil
}

// typeFilter renders "type IN (?,...)" for types.
func typeFilter(types []string) (string, []any) {
	args := make([]any, len(types))
	for i, t := range types {
		args[i] = t
	}
	return "type IN (" + strings.TrimSuffix(strings.Repeat("?,", len(types)), ",") + ")", args
}

// EnqueueJob inserts job. A job enqueued as JobRunning is owned by the
// caller and only becomes claimable after ReleaseJob or RequeueRunning.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := time.Now()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, job.Status, job.MaxAttempts,
		formatTime(job.RunAfter), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return nil
}

// Job returns the job with id, or ErrNotFound.
func (s *Store) Job(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ClaimNextJob marks the oldest due pending job of one of types as running
// and returns it. It returns nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	filter, typeArgs := typeFilter(types)
	now := formatTime(time.Now())

	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= ? AND `+filter+`
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING `+jobColumns,
		append([]any{now, now}, typeArgs...)...,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return j, nil
}

// CompleteJob marks a job done.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, JobCompleted)
}

func (s *Store) setStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking job %s %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is retried after
// baseRetryDelay<<(attempts-1) until max_attempts is reached, then marked
// failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	j, err := s.Job(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now()
	attempts := j.Attempts + 1
	status, runAfter := JobPending, now.Add(baseRetryDelay<<(attempts-1))
	if attempts >= j.MaxAttempts {
		status, runAfter = JobFailed, j.RunAfter
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ?`,
		status, attempts, errMsg, formatTime(runAfter), formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return nil
}

// ReleaseJob hands a running job back to the queue without counting an
// attempt, so another worker can claim it right away. Jobs that are no
// longer running are left alone.
func (s *Store) ReleaseJob(ctx context.Context, id string) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("releasing job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Job(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RequeueRunning moves jobs of the given types that are still marked running
// back to pending. Called once at startup, when no job can legitimately be
// running yet.
func (s *Store) RequeueRunning(ctx context.Context, types []string) (int64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	filter, typeArgs := typeFilter(types)
	now := formatTime(time.Now())

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ? WHERE status = 'running' AND `+filter,
		append([]any{now, now}, typeArgs...)...,
	)
	if err != nil {
		return 0, fmt.Errorf("requeueing running jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountJobs returns how many jobs have the given status.
func (s *Store) CountJobs(ctx context.Context, status string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s jobs: %w", status, err)
	}
	return n, nil
}
