package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// fakeQueue serves pending jobs and records each requested limit.
type fakeQueue struct {
	crawler.QueueStore

	mu      sync.Mutex
	pending []crawler.Job
	limits  []int
	err     error
}

func (q *fakeQueue) GetPendingJobs(_ context.Context, _ time.Time, limit int) ([]crawler.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limits = append(q.limits, limit)
	if q.err != nil {
		return nil, q.err
	}
	n := min(limit, len(q.pending))
	out := append([]crawler.Job(nil), q.pending[:n]...)
	q.pending = q.pending[n:]
	return out, nil
}

func (q *fakeQueue) push(jobs ...crawler.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, jobs...)
}

func (q *fakeQueue) setErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *fakeQueue) lastLimit() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.limits) == 0 {
		return -1
	}
	return q.limits[len(q.limits)-1]
}

// gateRunner blocks every job until release is closed.
type gateRunner struct {
	release chan struct{}

	mu      sync.Mutex
	ran     []int64
	peak    int
	running int
}

func newGateRunner() *gateRunner {
	return &gateRunner{release: make(chan struct{})}
}

func (r *gateRunner) Run(ctx context.Context, job crawler.Job) {
	r.mu.Lock()
	r.ran = append(r.ran, job.ID)
	r.running++
	r.peak = max(r.peak, r.running)
	r.mu.Unlock()
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	r.mu.Lock()
	r.running--
	r.mu.Unlock()
}

func (r *gateRunner) started() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ran)
}

func jobs(ids ...int64) []crawler.Job {
	out := make([]crawler.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, crawler.Job{ID: id, BatchID: 1, Status: crawler.StatusPending})
	}
	return out
}

func newTestDispatcher(q *fakeQueue, r Runner, budget int) *Dispatcher {
	return New(q, r, FixedBudget(budget), fixedClock{now: time.Unix(100, 0)}, Config{TickInterval: 10 * time.Millisecond}, zap.NewNop())
}

func TestTickRespectsBudget(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push(jobs(1, 2, 3, 4, 5)...)
	r := newGateRunner()
	d := newTestDispatcher(q, r, 3)

	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, q.lastLimit())
	require.Eventually(t, func() bool { return r.started() == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 3, d.Active())
	require.Equal(t, []int64{1, 2, 3}, d.ActiveIDs())

	// Budget full: no store call.
	calls := len(q.limits)
	n, err = d.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, q.limits, calls)

	close(r.release)
	require.Eventually(t, func() bool { return d.Active() == 0 }, time.Second, 5*time.Millisecond)

	n, err = d.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, d.Shutdown(context.Background()))
	require.LessOrEqual(t, r.peak, 3)
}

func TestTickSkipsJobsAlreadyActive(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push(jobs(7)...)
	r := newGateRunner()
	d := newTestDispatcher(q, r, 5)

	_, err := d.Tick(context.Background())
	require.NoError(t, err)
	q.push(jobs(7)...)
	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, d.Active())

	close(r.release)
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestRunSurvivesStoreErrors(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	q := &fakeQueue{}
	q.setErr(errors.New("connection reset"))
	r := newGateRunner()
	close(r.release)
	d := New(q, r, FixedBudget(2), fixedClock{now: time.Unix(100, 0)}, Config{TickInterval: 5 * time.Millisecond}, zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return logs.FilterMessage("dispatch tick failed").Len() >= 2 }, time.Second, 5*time.Millisecond)

	q.setErr(nil)
	q.push(jobs(1, 2)...)
	require.Eventually(t, func() bool { return r.started() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestShutdownWaitsForActiveJobs(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push(jobs(1, 2)...)
	r := newGateRunner()
	d := newTestDispatcher(q, r, 2)
	_, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.started() == 2 }, time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(r.release)
	}()
	require.NoError(t, d.Shutdown(context.Background()))
	require.Zero(t, d.Active())

	// No new dispatch after shutdown.
	q.push(jobs(3)...)
	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.ErrorIs(t, d.Run(context.Background()), ErrStopped)
}

func TestShutdownTimesOutAndCancelsJobs(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push(jobs(1)...)
	r := newGateRunner()
	d := New(q, r, FixedBudget(1), fixedClock{now: time.Unix(100, 0)}, Config{ShutdownTimeout: 20 * time.Millisecond}, zap.NewNop())
	_, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.started() == 1 }, time.Second, 5*time.Millisecond)

	err = d.Shutdown(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	// The runner observes the cancelled job context and exits.
	require.Eventually(t, func() bool { return d.Active() == 0 }, time.Second, 5*time.Millisecond)
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, crawler.Job) { panic("boom") }

func TestActiveSetClearedAfterPanic(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push(jobs(9)...)
	d := newTestDispatcher(q, panicRunner{}, 1)
	_, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Active() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Shutdown(context.Background()))
}
