package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/progress"
)

// Reconciliation defaults.
const (
	DefaultStaleAfter        = 10 * time.Minute
	DefaultReconcileInterval = 5 * time.Minute
)

// staleMessage is the error recorded on jobs abandoned by a previous process.
const staleMessage = "job abandoned while running; no attempts left"

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Requeued int
	Failed   int
	Batches  int
}

// ActiveJobs lists the jobs this process is executing right now.
type ActiveJobs interface {
	ActiveIDs() []int64
}

// ReconcileStale recovers jobs left running longer than staleAfter, usually
// by a process that died mid-job. Jobs in inFlight belong to a live worker
// and are never touched, however long they have been running. Jobs with
// attempts left return to pending; the rest fail with a placeholder version.
// Touched batches are re-aggregated.
func (s *Service) ReconcileStale(ctx context.Context, staleAfter time.Duration, inFlight []int64) (ReconcileReport, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	now := s.clock.Now()
	requeued, exhausted, err := s.store.RequeueStaleJobs(ctx, now.Add(-staleAfter), inFlight)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("requeue stale jobs: %w", err)
	}

	batches := map[int64]struct{}{}
	var errs []error
	for _, j := range requeued {
		batches[j.BatchID] = struct{}{}
		s.emitter.Emit(progress.NewJobEvent(now, progress.JobUpdate{
			BatchID: j.BatchID,
			JobID:   j.ID,
			Status:  crawler.StatusPending,
			URL:     j.URL,
			Attempt: j.Attempts,
		}))
	}
	failed := 0
	for _, j := range exhausted {
		batches[j.BatchID] = struct{}{}
		batchID, jobID := j.BatchID, j.ID
		if _, err := s.store.SaveFailedVersion(ctx, j.URL, staleMessage, &batchID, &jobID, now); err != nil {
			errs = append(errs, fmt.Errorf("placeholder for job %d: %w", j.ID, err))
		}
		if err := s.store.FailJob(ctx, j.ID, staleMessage, now); err != nil {
			errs = append(errs, fmt.Errorf("fail job %d: %w", j.ID, err))
			continue
		}
		failed++
		s.emitter.Emit(progress.NewJobEvent(now, progress.JobUpdate{
			BatchID: j.BatchID,
			JobID:   j.ID,
			Status:  crawler.StatusFailed,
			URL:     j.URL,
			Error:   staleMessage,
			Attempt: j.Attempts,
		}))
	}
	for id := range batches {
		if err := s.RefreshProgress(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	report := ReconcileReport{Requeued: len(requeued), Failed: failed, Batches: len(batches)}
	if report.Requeued > 0 || report.Failed > 0 {
		s.logger.Warn("recovered stale running jobs",
			zap.Int("requeued", report.Requeued),
			zap.Int("failed", report.Failed),
			zap.Int("batches", report.Batches),
		)
	}
	return report, errors.Join(errs...)
}

// Reconciler runs ReconcileStale once at start and then on a cron schedule.
type Reconciler struct {
	svc        *Service
	active     ActiveJobs
	staleAfter time.Duration
	interval   time.Duration
	logger     *zap.Logger
	cron       *cron.Cron
}

// NewReconciler constructs a Reconciler. active may be nil when no jobs run
// in this process.
func NewReconciler(svc *Service, active ActiveJobs, staleAfter, interval time.Duration, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{svc: svc, active: active, staleAfter: staleAfter, interval: interval, logger: logger}
}

// Start runs one pass synchronously and schedules the rest.
func (r *Reconciler) Start(ctx context.Context) error {
	r.run(ctx)
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), func() { r.run(ctx) }); err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running pass or ctx expiry.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop reconciler: %w", ctx.Err())
	}
}

func (r *Reconciler) run(ctx context.Context) {
	var inFlight []int64
	if r.active != nil {
		inFlight = r.active.ActiveIDs()
	}
	if _, err := r.svc.ReconcileStale(ctx, r.staleAfter, inFlight); err != nil {
		r.logger.Error("reconcile stale jobs", zap.Error(err))
	}
}
