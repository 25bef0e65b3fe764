// Package batch owns batch submission, manual lifecycle transitions, progress
// aggregation, and recovery of jobs orphaned by a restart.
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/normalize"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/progress"
)

// Validator cleans submitted URL lines.
type Validator interface {
	Validate(ctx context.Context, lines []string, skipDNS bool) (normalize.Result, error)
}

// SubmitRequest is one batch submission.
type SubmitRequest struct {
	Name      string
	CreatedBy string
	URLs      []string
	Options   crawler.BatchOptions
}

// SubmitResult is the created batch plus the validation report.
type SubmitResult struct {
	Batch      crawler.Batch    `json:"batch"`
	Validation normalize.Result `json:"validation"`
}

// Service coordinates batch-level state.
type Service struct {
	store     crawler.JobStore
	validator Validator
	emitter   progress.Emitter
	clock     crawler.Clock
	logger    *zap.Logger

	// mu serializes aggregate read-modify-write cycles so concurrent job
	// completions cannot regress a batch's counters.
	mu sync.Mutex
}

// NewService constructs a Service.
func NewService(store crawler.JobStore, validator Validator, emitter progress.Emitter, clock crawler.Clock, logger *zap.Logger) *Service {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, validator: validator, emitter: emitter, clock: clock, logger: logger}
}

// Submit validates the URLs and creates the batch with one job per surviving
// URL.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	opts := req.Options.WithDefaults()
	res, err := s.validator.Validate(ctx, req.URLs, opts.SkipDNSValidation)
	if err != nil {
		return SubmitResult{Validation: res}, fmt.Errorf("validate urls: %w", err)
	}

	now := s.clock.Now()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Batch " + now.UTC().Format(time.RFC3339)
	}
	opts.Name = name
	opts.CreatedBy = req.CreatedBy
	b, err := s.store.CreateBatch(ctx, crawler.Batch{
		Name:            name,
		ConcurrencyHint: opts.ConcurrencyHint,
		InterJobDelayMs: opts.InterJobDelayMs,
		CreatedBy:       req.CreatedBy,
		CreatedAt:       now,
	}, res.ValidURLs, opts)
	if err != nil {
		return SubmitResult{Validation: res}, fmt.Errorf("create batch: %w", err)
	}
	s.logger.Info("batch submitted",
		zap.Int64("batch_id", b.ID),
		zap.String("name", b.Name),
		zap.Int("urls", b.TotalURLs),
		zap.Int("duplicates_removed", res.DuplicatesRemoved),
		zap.Int("skipped", len(res.Skipped)),
	)
	s.emitBatch(b)
	return SubmitResult{Batch: b, Validation: res}, nil
}

// Get returns a batch.
func (s *Service) Get(ctx context.Context, batchID int64) (crawler.Batch, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// Cancel moves pending and paused jobs to cancelled and the batch to
// cancelled. Running jobs finish on their own.
func (s *Service) Cancel(ctx context.Context, batchID int64) (crawler.Batch, error) {
	return s.transition(ctx, batchID, "cancel", func(b crawler.Batch) error {
		if b.Status.IsTerminal() {
			return fmt.Errorf("cancel %s batch: %w", b.Status, crawler.ErrInvalidTransition)
		}
		return nil
	}, []jobMove{
		{crawler.StatusPending, crawler.StatusCancelled},
		{crawler.StatusPaused, crawler.StatusCancelled},
	}, crawler.StatusCancelled)
}

// Pause moves pending jobs to paused and the batch to paused.
func (s *Service) Pause(ctx context.Context, batchID int64) (crawler.Batch, error) {
	return s.transition(ctx, batchID, "pause", func(b crawler.Batch) error {
		if b.Status != crawler.StatusPending && b.Status != crawler.StatusRunning {
			return fmt.Errorf("pause %s batch: %w", b.Status, crawler.ErrInvalidTransition)
		}
		return nil
	}, []jobMove{{crawler.StatusPending, crawler.StatusPaused}}, crawler.StatusPaused)
}

// Resume returns paused jobs to pending and the batch to running.
func (s *Service) Resume(ctx context.Context, batchID int64) (crawler.Batch, error) {
	return s.transition(ctx, batchID, "resume", func(b crawler.Batch) error {
		if b.Status != crawler.StatusPaused {
			return fmt.Errorf("resume %s batch: %w", b.Status, crawler.ErrInvalidTransition)
		}
		return nil
	}, []jobMove{{crawler.StatusPaused, crawler.StatusPending}}, crawler.StatusRunning)
}

// Retry re-arms the batch's failed jobs with attempts reset and moves the
// batch back to running.
func (s *Service) Retry(ctx context.Context, batchID int64) (crawler.Batch, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return crawler.Batch{}, 0, fmt.Errorf("retry batch: %w", err)
	}
	if b.Status == crawler.StatusCancelled {
		return crawler.Batch{}, 0, fmt.Errorf("retry cancelled batch: %w", crawler.ErrInvalidTransition)
	}
	n, err := s.store.ResetFailedJobs(ctx, batchID)
	if err != nil {
		return crawler.Batch{}, 0, fmt.Errorf("reset failed jobs: %w", err)
	}
	if n == 0 {
		return b, 0, nil
	}
	b, err = s.writeAggregateLocked(ctx, b, crawler.StatusRunning)
	if err != nil {
		return crawler.Batch{}, 0, err
	}
	s.logger.Info("batch retried", zap.Int64("batch_id", batchID), zap.Int("jobs", n))
	return b, n, nil
}

type jobMove struct {
	from, to crawler.Status
}

func (s *Service) transition(
	ctx context.Context,
	batchID int64,
	action string,
	allowed func(crawler.Batch) error,
	moves []jobMove,
	status crawler.Status,
) (crawler.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("%s batch: %w", action, err)
	}
	if err := allowed(b); err != nil {
		return crawler.Batch{}, err
	}
	moved := 0
	for _, m := range moves {
		n, err := s.store.TransitionJobs(ctx, batchID, m.from, m.to)
		if err != nil {
			return crawler.Batch{}, fmt.Errorf("%s batch jobs: %w", action, err)
		}
		moved += n
	}
	b, err = s.writeAggregateLocked(ctx, b, status)
	if err != nil {
		return crawler.Batch{}, err
	}
	s.logger.Info("batch "+action, zap.Int64("batch_id", batchID), zap.Int("jobs", moved))
	return b, nil
}

// RefreshProgress recomputes the batch counters from its jobs. The batch is
// completed when every job finished and at least one succeeded, failed when
// every job failed, and running otherwise. Paused and cancelled batches keep
// their status until all jobs finish; a pending batch stays pending until a
// job starts.
func (s *Service) RefreshProgress(ctx context.Context, batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("refresh batch: %w", err)
	}
	stats, err := s.store.GetBatchStats(ctx, batchID)
	if err != nil {
		return fmt.Errorf("batch stats: %w", err)
	}
	status := AggregateStatus(b.Status, stats, b.TotalURLs)
	if status == b.Status && stats.Completed == b.CompletedURLs && stats.Failed == b.FailedURLs {
		return nil
	}
	_, err = s.writeLocked(ctx, b, status, stats)
	return err
}

// AggregateStatus derives a batch status from job counts.
func AggregateStatus(current crawler.Status, stats crawler.BatchStats, total int) crawler.Status {
	finished := stats.Finished()
	switch {
	case current == crawler.StatusCancelled:
		return current
	case total > 0 && finished >= total && stats.Completed > 0:
		return crawler.StatusCompleted
	case total > 0 && finished >= total:
		return crawler.StatusFailed
	case current == crawler.StatusPaused:
		return current
	case current == crawler.StatusPending && stats.Running == 0 && finished == 0:
		return current
	default:
		return crawler.StatusRunning
	}
}

func (s *Service) writeAggregateLocked(ctx context.Context, b crawler.Batch, status crawler.Status) (crawler.Batch, error) {
	stats, err := s.store.GetBatchStats(ctx, b.ID)
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("batch stats: %w", err)
	}
	return s.writeLocked(ctx, b, status, stats)
}

func (s *Service) writeLocked(ctx context.Context, b crawler.Batch, status crawler.Status, stats crawler.BatchStats) (crawler.Batch, error) {
	completed := min(stats.Completed, b.TotalURLs)
	failed := min(stats.Failed, b.TotalURLs-completed)
	if err := s.store.UpdateBatchStatus(ctx, b.ID, status, completed, failed); err != nil {
		return crawler.Batch{}, fmt.Errorf("update batch %d: %w", b.ID, err)
	}
	updated, err := s.store.GetBatch(ctx, b.ID)
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("reload batch: %w", err)
	}
	if updated.Status != b.Status && updated.Status.IsTerminal() {
		s.logger.Info("batch finished",
			zap.Int64("batch_id", b.ID),
			zap.String("status", string(updated.Status)),
			zap.Int("completed", updated.CompletedURLs),
			zap.Int("failed", updated.FailedURLs),
		)
	}
	s.emitBatch(updated)
	return updated, nil
}

func (s *Service) emitBatch(b crawler.Batch) {
	s.emitter.Emit(progress.NewBatchEvent(s.clock.Now(), progress.BatchUpdate{
		BatchID:   b.ID,
		Status:    b.Status,
		Completed: b.CompletedURLs,
		Failed:    b.FailedURLs,
		Total:     b.TotalURLs,
		Progress:  b.Progress(),
	}))
}
