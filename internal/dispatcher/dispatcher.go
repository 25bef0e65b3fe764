// Package dispatcher polls the job store for eligible work and launches one
// worker per job under the concurrency budget.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/metrics"
)

// Defaults for Config.
const (
	DefaultTickInterval    = time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// ErrStopped is returned by Run when the dispatcher was already shut down.
var ErrStopped = errors.New("dispatcher stopped")

// Runner executes one job to completion. Implementations own the job's
// state transitions.
type Runner interface {
	Run(ctx context.Context, job crawler.Job)
}

// Budget reports how many jobs may run at once.
type Budget interface {
	Recommended() int
}

// FixedBudget is a constant Budget.
type FixedBudget int

// Recommended returns the fixed value.
func (b FixedBudget) Recommended() int { return int(b) }

// Config controls dispatcher timing.
type Config struct {
	TickInterval    time.Duration
	ShutdownTimeout time.Duration
}

// Dispatcher owns the active set. All active-set access goes through mu.
type Dispatcher struct {
	store  crawler.QueueStore
	runner Runner
	budget Budget
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	active   map[int64]struct{}
	stopping bool
	wg       sync.WaitGroup
	jobCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Dispatcher.
func New(store crawler.QueueStore, runner Runner, budget Budget, clock crawler.Clock, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:  store,
		runner: runner,
		budget: budget,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		active: make(map[int64]struct{}),
		jobCtx: jobCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Run ticks until ctx finishes or Shutdown is called. Jobs launched by Run
// outlive ctx; use Shutdown to drain them.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return ErrStopped
	}
	d.mu.Unlock()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	d.logger.Info("dispatcher started", zap.Duration("tick_interval", d.cfg.TickInterval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.done:
			return nil
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				d.logger.Error("dispatch tick failed", zap.Error(err))
			}
		}
	}
}

// Tick performs one poll: it fetches up to budget-active eligible jobs and
// launches them. It returns the number launched.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	budget := max(1, d.budget.Recommended())

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return 0, nil
	}
	free := budget - len(d.active)
	d.mu.Unlock()
	if free <= 0 {
		return 0, nil
	}

	jobs, err := d.store.GetPendingJobs(ctx, d.clock.Now(), free)
	if err != nil {
		return 0, fmt.Errorf("get pending jobs: %w", err)
	}

	launched := 0
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, job := range jobs {
		if d.stopping || len(d.active) >= budget {
			break
		}
		if _, running := d.active[job.ID]; running {
			continue
		}
		d.active[job.ID] = struct{}{}
		d.wg.Add(1)
		launched++
		go d.execute(job)
	}
	metrics.SetActiveJobs(len(d.active))
	if launched > 0 {
		d.logger.Debug("jobs dispatched",
			zap.Int("launched", launched),
			zap.Int("active", len(d.active)),
			zap.Int("budget", budget),
		)
	}
	return launched, nil
}

func (d *Dispatcher) execute(job crawler.Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job runner panicked", zap.Int64("job_id", job.ID), zap.Any("panic", r))
		}
		d.mu.Lock()
		delete(d.active, job.ID)
		metrics.SetActiveJobs(len(d.active))
		d.mu.Unlock()
		d.wg.Done()
	}()
	d.runner.Run(d.jobCtx, job)
}

// Active returns the number of running jobs.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// ActiveIDs returns the in-flight job IDs in ascending order. Stale-job
// reconciliation uses it to leave live jobs alone.
func (d *Dispatcher) ActiveIDs() []int64 {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Shutdown stops dispatching and waits for active jobs. If they have not
// finished within the shutdown timeout or ctx, their context is cancelled
// and an error is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopping {
		d.stopping = true
		close(d.done)
	}
	remaining := len(d.active)
	d.mu.Unlock()

	d.logger.Info("dispatcher shutting down", zap.Int("active", remaining))
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
	defer cancel()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		d.cancel()
		return nil
	case <-waitCtx.Done():
		d.cancel()
		return fmt.Errorf("wait for %d active jobs: %w", d.Active(), waitCtx.Err())
	}
}
