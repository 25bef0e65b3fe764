package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

const batchColumns = `id, name, total_urls, completed_urls, failed_urls, status, concurrency_hint,
	inter_job_delay_ms, created_by, created_at, started_at, completed_at`

const insertBatchSQL = `
INSERT INTO batches (name, total_urls, status, concurrency_hint, inter_job_delay_ms, created_by, created_at)
VALUES ($1, $2, 'pending', $3, $4, $5, $6)
RETURNING id`

// insertJobsSQL numbers the URLs in submission order, continuing after the
// batch's existing jobs.
const insertJobsSQL = `
INSERT INTO jobs (batch_id, url, status, priority, max_attempts, base_timeout_ms, created_at)
SELECT $1, u.url, 'pending', ($2 + u.ord - 1)::int, $3, $4, $5
FROM unnest($6::text[]) WITH ORDINALITY AS u(url, ord)`

const updateBatchStatusSQL = `
UPDATE batches
SET status = $2::text,
	completed_urls = $3,
	failed_urls = $4,
	started_at = CASE WHEN $2::text = 'running' AND started_at IS NULL THEN $5 ELSE started_at END,
	completed_at = CASE WHEN $2::text = ANY($6::text[]) THEN $5 ELSE NULL END
WHERE id = $1 AND $3 + $4 <= total_urls`

const batchStatsSQL = `
SELECT count(j.id),
	count(j.id) FILTER (WHERE j.status = 'pending'),
	count(j.id) FILTER (WHERE j.status = 'running'),
	count(j.id) FILTER (WHERE j.status = 'completed'),
	count(j.id) FILTER (WHERE j.status = 'failed'),
	count(j.id) FILTER (WHERE j.status = 'cancelled'),
	count(j.id) FILTER (WHERE j.status = 'paused')
FROM batches b
LEFT JOIN jobs j ON j.batch_id = b.id
WHERE b.id = $1
GROUP BY b.id`

const transitionJobsSQL = `
UPDATE jobs
SET status = $3::text,
	completed_at = CASE WHEN $3::text = ANY($5::text[]) THEN $4 ELSE completed_at END,
	next_retry_at = CASE WHEN $3::text = 'pending' THEN next_retry_at ELSE NULL END
WHERE batch_id = $1 AND status = $2`

const resetFailedJobsSQL = `
UPDATE jobs
SET status = 'pending', attempts = 0, error_message = '', next_retry_at = NULL,
	retry_delay_ms = 0, started_at = NULL, completed_at = NULL
WHERE batch_id = $1 AND status = 'failed'`

// CreateBatch inserts the batch and one pending job per URL in a single
// transaction.
func (s *Store) CreateBatch(ctx context.Context, batch crawler.Batch, urls []string, opts crawler.BatchOptions) (crawler.Batch, error) {
	if len(urls) == 0 {
		return crawler.Batch{}, fmt.Errorf("create batch: no urls: %w", crawler.ErrInvalidInput)
	}
	opts = opts.WithDefaults()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = s.now()
	}
	batch.Status = crawler.StatusPending
	batch.TotalURLs = len(urls)
	batch.CompletedURLs, batch.FailedURLs = 0, 0
	batch.StartedAt, batch.CompletedAt = nil, nil

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, insertBatchSQL,
			batch.Name, batch.TotalURLs, batch.ConcurrencyHint, batch.InterJobDelayMs, batch.CreatedBy, batch.CreatedAt,
		).Scan(&batch.ID); err != nil {
			return mapErr("insert batch", err)
		}
		if _, err := tx.Exec(ctx, insertJobsSQL,
			batch.ID, 0, opts.MaxAttempts, opts.BaseTimeoutMs, batch.CreatedAt, urls,
		); err != nil {
			return mapErr("insert jobs", err)
		}
		return nil
	})
	if err != nil {
		return crawler.Batch{}, err
	}
	return batch, nil
}

// GetBatch fetches a batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID int64) (crawler.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, batchID))
	if err != nil {
		return crawler.Batch{}, mapErr(fmt.Sprintf("batch %d", batchID), err)
	}
	return b, nil
}

// ListBatches returns batches newest first. A non-positive limit returns all.
func (s *Store) ListBatches(ctx context.Context, limit, offset int) ([]crawler.Batch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, id DESC LIMIT NULLIF($1::int, 0) OFFSET $2`,
		max(limit, 0), max(offset, 0))
	if err != nil {
		return nil, mapErr("list batches", err)
	}
	defer rows.Close()

	out := []crawler.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, mapErr("scan batch", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list batches", err)
	}
	return out, nil
}

// UpdateBatchStatus writes status and counters, stamping startedAt on the
// first move to running and completedAt on terminal statuses.
func (s *Store) UpdateBatchStatus(ctx context.Context, batchID int64, status crawler.Status, completed, failed int) error {
	if !status.IsValid() {
		return fmt.Errorf("batch status %q: %w", status, crawler.ErrInvalidInput)
	}
	if completed < 0 || failed < 0 {
		return fmt.Errorf("batch %d counts %d+%d: %w", batchID, completed, failed, crawler.ErrInvalidInput)
	}
	tag, err := s.pool.Exec(ctx, updateBatchStatusSQL,
		batchID, string(status), completed, failed, s.now(), terminalStatuses())
	if err != nil {
		return mapErr("update batch status", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if err := s.ensureBatch(ctx, batchID); err != nil {
		return err
	}
	return fmt.Errorf("batch %d counts %d+%d exceed total: %w", batchID, completed, failed, crawler.ErrInvalidInput)
}

// GetBatchStats counts the batch's jobs by status.
func (s *Store) GetBatchStats(ctx context.Context, batchID int64) (crawler.BatchStats, error) {
	var st crawler.BatchStats
	err := s.pool.QueryRow(ctx, batchStatsSQL, batchID).Scan(
		&st.Total, &st.Pending, &st.Running, &st.Completed, &st.Failed, &st.Cancelled, &st.Paused,
	)
	if err != nil {
		return crawler.BatchStats{}, mapErr(fmt.Sprintf("batch %d stats", batchID), err)
	}
	return st, nil
}

// TransitionJobs moves the batch's jobs in status from to status to.
func (s *Store) TransitionJobs(ctx context.Context, batchID int64, from, to crawler.Status) (int, error) {
	if !from.IsValid() || !to.IsValid() {
		return 0, fmt.Errorf("transition %q to %q: %w", from, to, crawler.ErrInvalidTransition)
	}
	tag, err := s.pool.Exec(ctx, transitionJobsSQL, batchID, string(from), string(to), s.now(), terminalStatuses())
	if err != nil {
		return 0, mapErr("transition jobs", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, s.ensureBatch(ctx, batchID)
	}
	return int(tag.RowsAffected()), nil
}

// ResetFailedJobs re-arms failed jobs with attempts and errors cleared.
func (s *Store) ResetFailedJobs(ctx context.Context, batchID int64) (int, error) {
	tag, err := s.pool.Exec(ctx, resetFailedJobsSQL, batchID)
	if err != nil {
		return 0, mapErr("reset failed jobs", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, s.ensureBatch(ctx, batchID)
	}
	return int(tag.RowsAffected()), nil
}

// CreateJobs appends pending jobs to an existing batch and grows its total.
func (s *Store) CreateJobs(ctx context.Context, batchID int64, urls []string, opts crawler.BatchOptions) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	opts = opts.WithDefaults()
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var total int
		if err := tx.QueryRow(ctx, `SELECT total_urls FROM batches WHERE id = $1 FOR UPDATE`, batchID).Scan(&total); err != nil {
			return mapErr(fmt.Sprintf("batch %d", batchID), err)
		}
		if _, err := tx.Exec(ctx, insertJobsSQL,
			batchID, total, opts.MaxAttempts, opts.BaseTimeoutMs, s.now(), urls,
		); err != nil {
			return mapErr("insert jobs", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE batches SET total_urls = total_urls + $2 WHERE id = $1`, batchID, len(urls)); err != nil {
			return mapErr("grow batch total", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(urls), nil
}

func (s *Store) ensureBatch(ctx context.Context, batchID int64) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)`, batchID).Scan(&exists); err != nil {
		return mapErr("check batch", err)
	}
	if !exists {
		return fmt.Errorf("batch %d: %w", batchID, crawler.ErrNotFound)
	}
	return nil
}

func scanBatch(row pgx.Row) (crawler.Batch, error) {
	var (
		b      crawler.Batch
		status string
	)
	err := row.Scan(
		&b.ID, &b.Name, &b.TotalURLs, &b.CompletedURLs, &b.FailedURLs, &status, &b.ConcurrencyHint,
		&b.InterJobDelayMs, &b.CreatedBy, &b.CreatedAt, &b.StartedAt, &b.CompletedAt,
	)
	if err != nil {
		return crawler.Batch{}, err
	}
	b.Status = crawler.Status(status)
	return b, nil
}
