package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

const jobColumns = `j.id, j.batch_id, j.url, j.status, j.priority, j.attempts, j.max_attempts, j.error_message,
	j.result_version_id, j.next_retry_at, j.retry_delay_ms, j.base_timeout_ms, j.created_at, j.started_at, j.completed_at`

const jobOrder = `ORDER BY j.priority, j.created_at, j.id`

// pendingJobsSQL selects jobs eligible for dispatch: pending, attempts
// left, retry time reached, and owned by a batch that is neither paused nor
// cancelled.
const pendingJobsSQL = `
SELECT ` + jobColumns + `, b.inter_job_delay_ms
FROM jobs j
JOIN batches b ON b.id = j.batch_id
WHERE j.status = 'pending'
	AND j.attempts < j.max_attempts
	AND (j.next_retry_at IS NULL OR j.next_retry_at <= $1)
	AND b.status NOT IN ('paused', 'cancelled')
` + jobOrder + `
LIMIT $2`

const markRunningSQL = `
UPDATE jobs AS j
SET status = 'running', attempts = j.attempts + 1, started_at = $2, next_retry_at = NULL
WHERE j.id = $1 AND j.status = 'pending' AND j.attempts < j.max_attempts
RETURNING ` + jobColumns

const completeJobSQL = `
UPDATE jobs
SET status = 'completed', result_version_id = $2, error_message = '', next_retry_at = NULL, completed_at = $3
WHERE id = $1`

const failJobSQL = `
UPDATE jobs
SET status = 'failed', error_message = $2, next_retry_at = NULL, completed_at = $3
WHERE id = $1`

const scheduleRetrySQL = `
UPDATE jobs
SET status = 'pending', next_retry_at = $2, retry_delay_ms = $3, error_message = $4
WHERE id = $1`

const requeueStaleSQL = `
WITH moved AS (
	UPDATE jobs AS j
	SET status = 'pending', next_retry_at = NULL
	WHERE j.status = 'running' AND j.started_at < $1 AND j.attempts < j.max_attempts
		AND j.id <> ALL($2::bigint[])
	RETURNING j.*
)
SELECT ` + jobColumns + ` FROM moved AS j ` + jobOrder

const exhaustedStaleSQL = `
SELECT ` + jobColumns + `
FROM jobs j
WHERE j.status = 'running' AND j.started_at < $1 AND j.attempts >= j.max_attempts
	AND j.id <> ALL($2::bigint[])
` + jobOrder

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID int64) (crawler.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs j WHERE j.id = $1`, jobID))
	if err != nil {
		return crawler.Job{}, mapErr(fmt.Sprintf("job %d", jobID), err)
	}
	return j, nil
}

// ListJobs returns the batch's jobs in priority order. An empty status
// matches every job.
func (s *Store) ListJobs(ctx context.Context, batchID int64, status crawler.Status) ([]crawler.Job, error) {
	return s.queryJobs(ctx, "list jobs",
		`SELECT `+jobColumns+` FROM jobs j WHERE j.batch_id = $1 AND ($2::text = '' OR j.status = $2::text) `+jobOrder,
		batchID, string(status))
}

// GetPendingJobs returns up to limit eligible jobs carrying their batch's
// inter-job delay.
func (s *Store) GetPendingJobs(ctx context.Context, now time.Time, limit int) ([]crawler.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, pendingJobsSQL, now, limit)
	if err != nil {
		return nil, mapErr("get pending jobs", err)
	}
	defer rows.Close()

	var out []crawler.Job
	for rows.Next() {
		var delay int
		j, err := scanJob(rows, &delay)
		if err != nil {
			return nil, mapErr("scan pending job", err)
		}
		j.InterJobDelayMs = delay
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("get pending jobs", err)
	}
	return out, nil
}

// MarkJobRunning moves a pending job with attempts left to running.
func (s *Store) MarkJobRunning(ctx context.Context, jobID int64, now time.Time) (crawler.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, markRunningSQL, jobID, now))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, mapErr("mark job running", err)
	}
	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return crawler.Job{}, getErr
	}
	return crawler.Job{}, fmt.Errorf("job %d is %s with %d/%d attempts: %w",
		jobID, current.Status, current.Attempts, current.MaxAttempts, crawler.ErrInvalidTransition)
}

// CompleteJob marks a job completed with its result version.
func (s *Store) CompleteJob(ctx context.Context, jobID int64, versionID int64, now time.Time) error {
	return s.execJob(ctx, "complete job", jobID, completeJobSQL, jobID, versionID, now)
}

// FailJob marks a job failed.
func (s *Store) FailJob(ctx context.Context, jobID int64, errMsg string, now time.Time) error {
	return s.execJob(ctx, "fail job", jobID, failJobSQL, jobID, errMsg, now)
}

// ScheduleRetry re-arms a job as pending at nextRetryAt. Attempts are untouched.
func (s *Store) ScheduleRetry(ctx context.Context, jobID int64, nextRetryAt time.Time, delayMs int64, errMsg string) error {
	return s.execJob(ctx, "schedule retry", jobID, scheduleRetrySQL, jobID, nextRetryAt, delayMs, errMsg)
}

// RequeueStaleJobs resets running jobs started before cutoff: those with
// attempts left return to pending; exhausted ones are returned untouched for
// the caller to fail.
func (s *Store) RequeueStaleJobs(ctx context.Context, cutoff time.Time, inFlight []int64) ([]crawler.Job, []crawler.Job, error) {
	// A NULL array would make <> ALL unknown and skip every row.
	if inFlight == nil {
		inFlight = []int64{}
	}
	var requeued, exhausted []crawler.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if requeued, err = collectJobs(ctx, tx, "requeue stale jobs", requeueStaleSQL, cutoff, inFlight); err != nil {
			return err
		}
		exhausted, err = collectJobs(ctx, tx, "list exhausted stale jobs", exhaustedStaleSQL, cutoff, inFlight)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return requeued, exhausted, nil
}

func (s *Store) execJob(ctx context.Context, op string, jobID int64, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: job %d: %w", op, jobID, crawler.ErrNotFound)
	}
	return nil
}

func (s *Store) queryJobs(ctx context.Context, op, sql string, args ...any) ([]crawler.Job, error) {
	return collectJobs(ctx, s.pool, op, sql, args...)
}

func collectJobs(ctx context.Context, q querier, op, sql string, args ...any) ([]crawler.Job, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	var out []crawler.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return out, nil
}

// scanJob reads jobColumns followed by any extra destinations.
func scanJob(row pgx.Row, extra ...any) (crawler.Job, error) {
	var (
		j      crawler.Job
		status string
	)
	dest := []any{
		&j.ID, &j.BatchID, &j.URL, &status, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.ErrorMessage,
		&j.ResultVersionID, &j.NextRetryAt, &j.RetryDelayMs, &j.BaseTimeoutMs, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return crawler.Job{}, err
	}
	j.Status = crawler.Status(status)
	return j, nil
}
