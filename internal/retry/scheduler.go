package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

// Config controls the Scheduler's backoff bounds.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    JitterSource
}

// Scheduler re-arms failed jobs as pending with a future retry time.
type Scheduler struct {
	store  crawler.QueueStore
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
}

// Retry describes a scheduled retry.
type Retry struct {
	JobID   int64
	Attempt int
	Delay   time.Duration
	RetryAt time.Time
}

// NewScheduler constructs a Scheduler.
func NewScheduler(store crawler.QueueStore, clock crawler.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Jitter == nil {
		cfg.Jitter = CryptoJitter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: store, clock: clock, cfg: cfg, logger: logger}
}

// Schedule computes the backoff for the job's current attempt count and
// writes status=pending, nextRetryAt and retryDelayMs. Attempts are left
// untouched; they only move when the job is marked running again. The job's
// base timeout doubles as its backoff base when set.
func (s *Scheduler) Schedule(ctx context.Context, job crawler.Job, cause error) (Retry, error) {
	base := s.cfg.BaseDelay
	if job.BaseTimeoutMs > 0 {
		base = time.Duration(job.BaseTimeoutMs) * time.Millisecond
	}
	delay := ComputeBackoff(job.Attempts, base, s.cfg.MaxDelay, s.cfg.Jitter)
	retryAt := s.clock.Now().Add(delay)
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if err := s.store.ScheduleRetry(ctx, job.ID, retryAt, delay.Milliseconds(), errMsg); err != nil {
		return Retry{}, fmt.Errorf("schedule retry for job %d: %w", job.ID, err)
	}
	s.logger.Info("retry scheduled",
		zap.Int64("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("delay", delay),
		zap.Time("retry_at", retryAt),
	)
	return Retry{JobID: job.ID, Attempt: job.Attempts, Delay: delay, RetryAt: retryAt}, nil
}
