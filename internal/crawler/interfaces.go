package crawler

import (
	"context"
	"time"
)

// JobStore persists batches, jobs, and versioned crawl results.
type JobStore interface {
	BatchStore
	QueueStore
	VersionStore
}

// BatchStore covers batch lifecycle and aggregate reads.
type BatchStore interface {
	// CreateBatch inserts the batch and one pending job per URL, with
	// priority equal to the URL's position, in a single unit of work.
	CreateBatch(ctx context.Context, batch Batch, urls []string, opts BatchOptions) (Batch, error)
	GetBatch(ctx context.Context, batchID int64) (Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]Batch, error)
	UpdateBatchStatus(ctx context.Context, batchID int64, status Status, completed, failed int) error
	GetBatchStats(ctx context.Context, batchID int64) (BatchStats, error)
	// TransitionJobs moves every job of the batch in status from to status to
	// and returns the number of jobs moved.
	TransitionJobs(ctx context.Context, batchID int64, from, to Status) (int, error)
	// ResetFailedJobs moves failed jobs back to pending with attempts cleared.
	ResetFailedJobs(ctx context.Context, batchID int64) (int, error)
}

// QueueStore covers the job queue operations used by the dispatcher and workers.
type QueueStore interface {
	CreateJobs(ctx context.Context, batchID int64, urls []string, opts BatchOptions) (int, error)
	GetJob(ctx context.Context, jobID int64) (Job, error)
	ListJobs(ctx context.Context, batchID int64, status Status) ([]Job, error)
	// GetPendingJobs returns eligible jobs ordered by priority then creation.
	GetPendingJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// MarkJobRunning sets status running, stamps startedAt, and increments attempts.
	MarkJobRunning(ctx context.Context, jobID int64, now time.Time) (Job, error)
	CompleteJob(ctx context.Context, jobID int64, versionID int64, now time.Time) error
	FailJob(ctx context.Context, jobID int64, errMsg string, now time.Time) error
	// ScheduleRetry re-arms a job as pending without touching attempts.
	ScheduleRetry(ctx context.Context, jobID int64, nextRetryAt time.Time, delayMs int64, errMsg string) error
	// RequeueStaleJobs resets running jobs started before cutoff, except the
	// IDs in inFlight, which a live worker still owns. Jobs with attempts
	// left go back to pending; the rest are returned for failure.
	RequeueStaleJobs(ctx context.Context, cutoff time.Time, inFlight []int64) (requeued []Job, exhausted []Job, err error)
}

// VersionStore covers URL identity and append-only result history.
type VersionStore interface {
	// GetOrCreateURLMaster bumps currentVersion atomically and returns the
	// master carrying the version number reserved for the caller.
	GetOrCreateURLMaster(ctx context.Context, url string, now time.Time) (URLMaster, error)
	SaveVersion(ctx context.Context, master URLMaster, data VersionData, now time.Time) (URLVersion, error)
	SaveFailedVersion(ctx context.Context, url string, errMsg string, batchID, jobID *int64, now time.Time) (URLVersion, error)
	ListVersions(ctx context.Context, url string) ([]URLVersion, error)
}

// Fetcher performs one retrieval attempt for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// Analyzer turns a fetch result into an analysis snapshot.
type Analyzer interface {
	Analyze(ctx context.Context, result FetchResult) (Analysis, error)
}

// Scorer rates an analysis snapshot.
type Scorer interface {
	Score(analysis Analysis) Score
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
