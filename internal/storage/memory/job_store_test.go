package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newBatch(t *testing.T, s *JobStore, urls ...string) crawler.Batch {
	t.Helper()
	b, err := s.CreateBatch(context.Background(), crawler.Batch{Name: "b", CreatedAt: t0}, urls, crawler.BatchOptions{})
	require.NoError(t, err)
	return b
}

func TestCreateBatchCreatesJobs(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	b := newBatch(t, s, "https://a.com", "https://b.com", "https://c.com")
	require.Equal(t, 3, b.TotalURLs)
	require.Equal(t, crawler.StatusPending, b.Status)

	jobs, err := s.ListJobs(ctx, b.ID, "")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i, j := range jobs {
		require.Equal(t, i, j.Priority)
		require.Equal(t, crawler.DefaultMaxAttempts, j.MaxAttempts)
		require.Equal(t, crawler.DefaultBaseTimeoutMs, j.BaseTimeoutMs)
	}

	n, err := s.CreateJobs(ctx, b.ID, []string{"https://d.com"}, crawler.BatchOptions{MaxAttempts: 1})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, 4, got.TotalURLs)

	_, err = s.CreateBatch(ctx, crawler.Batch{}, nil, crawler.BatchOptions{})
	require.ErrorIs(t, err, crawler.ErrInvalidInput)
	_, err = s.GetBatch(ctx, 99)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = s.CreateJobs(ctx, 99, []string{"https://x.com"}, crawler.BatchOptions{})
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestGetPendingJobsEligibility(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	active := newBatch(t, s, "https://a.com", "https://b.com", "https://c.com", "https://d.com")
	paused := newBatch(t, s, "https://p.com")
	_, err := s.TransitionJobs(ctx, paused.ID, crawler.StatusPending, crawler.StatusPaused)
	require.NoError(t, err)
	require.NoError(t, s.UpdateBatchStatus(ctx, paused.ID, crawler.StatusPaused, 0, 0))

	jobs, err := s.ListJobs(ctx, active.ID, "")
	require.NoError(t, err)
	// b waits for a future retry.
	require.NoError(t, s.ScheduleRetry(ctx, jobs[1].ID, t0.Add(time.Minute), 60000, "timeout"))
	// c exhausted its attempts.
	s.mu.Lock()
	c := s.jobs[jobs[2].ID]
	c.Attempts = c.MaxAttempts
	s.jobs[c.ID] = c
	s.mu.Unlock()

	got, err := s.GetPendingJobs(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "https://a.com", got[0].URL)
	require.Equal(t, "https://d.com", got[1].URL)

	got, err = s.GetPendingJobs(ctx, t0.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "https://b.com", got[1].URL)

	got, err = s.GetPendingJobs(ctx, t0, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.GetPendingJobs(ctx, t0, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestJobLifecycleKeepsAttemptsBounded(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	b, err := s.CreateBatch(ctx, crawler.Batch{Name: "b"}, []string{"https://a.com"}, crawler.BatchOptions{MaxAttempts: 2})
	require.NoError(t, err)
	jobs, err := s.ListJobs(ctx, b.ID, crawler.StatusPending)
	require.NoError(t, err)
	id := jobs[0].ID

	j, err := s.MarkJobRunning(ctx, id, t0)
	require.NoError(t, err)
	require.Equal(t, 1, j.Attempts)
	require.Equal(t, crawler.StatusRunning, j.Status)
	_, err = s.MarkJobRunning(ctx, id, t0)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)

	require.NoError(t, s.ScheduleRetry(ctx, id, t0.Add(time.Second), 1000, "boom"))
	j, err = s.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, j.Attempts)
	require.Equal(t, crawler.StatusPending, j.Status)
	require.NotNil(t, j.NextRetryAt)

	j, err = s.MarkJobRunning(ctx, id, t0.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 2, j.Attempts)
	require.Nil(t, j.NextRetryAt)

	require.NoError(t, s.ScheduleRetry(ctx, id, t0.Add(time.Minute), 1000, "again"))
	_, err = s.MarkJobRunning(ctx, id, t0.Add(2*time.Minute))
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)

	require.NoError(t, s.FailJob(ctx, id, "gave up", t0))
	j, err = s.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFailed, j.Status)
	require.LessOrEqual(t, j.Attempts, j.MaxAttempts)

	n, err := s.ResetFailedJobs(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	j, err = s.GetJob(ctx, id)
	require.NoError(t, err)
	require.Zero(t, j.Attempts)
	require.Empty(t, j.ErrorMessage)
	require.Equal(t, crawler.StatusPending, j.Status)

	require.ErrorIs(t, s.CompleteJob(ctx, 404, 1, t0), crawler.ErrNotFound)
}

func TestUpdateBatchStatusEnforcesCounts(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	b := newBatch(t, s, "https://a.com", "https://b.com")

	require.ErrorIs(t, s.UpdateBatchStatus(ctx, b.ID, crawler.StatusRunning, 2, 1), crawler.ErrInvalidInput)
	require.ErrorIs(t, s.UpdateBatchStatus(ctx, b.ID, "bogus", 0, 0), crawler.ErrInvalidInput)

	require.NoError(t, s.UpdateBatchStatus(ctx, b.ID, crawler.StatusRunning, 1, 0))
	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	require.Nil(t, got.CompletedAt)

	require.NoError(t, s.UpdateBatchStatus(ctx, b.ID, crawler.StatusCompleted, 1, 1))
	got, err = s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, 100, got.Progress())
}

func TestTransitionJobsPauseResume(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	b := newBatch(t, s, "https://a.com", "https://b.com", "https://c.com", "https://d.com", "https://e.com")

	n, err := s.TransitionJobs(ctx, b.ID, crawler.StatusPending, crawler.StatusPaused)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	stats, err := s.GetBatchStats(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, 5, stats.Paused)
	require.Zero(t, stats.Pending)

	n, err = s.TransitionJobs(ctx, b.ID, crawler.StatusPaused, crawler.StatusPending)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	_, err = s.TransitionJobs(ctx, b.ID, "nope", crawler.StatusPending)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	_, err = s.TransitionJobs(ctx, 77, crawler.StatusPending, crawler.StatusPaused)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestPausingClearsRetryDeadline(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	b := newBatch(t, s, "https://a.com")
	jobs, err := s.ListJobs(ctx, b.ID, crawler.StatusPending)
	require.NoError(t, err)
	id := jobs[0].ID

	_, err = s.MarkJobRunning(ctx, id, t0)
	require.NoError(t, err)
	require.NoError(t, s.ScheduleRetry(ctx, id, t0.Add(time.Hour), 1000, "boom"))

	_, err = s.TransitionJobs(ctx, b.ID, crawler.StatusPending, crawler.StatusPaused)
	require.NoError(t, err)
	j, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPaused, j.Status)
	require.Nil(t, j.NextRetryAt)

	// Resumed jobs are eligible immediately.
	_, err = s.TransitionJobs(ctx, b.ID, crawler.StatusPaused, crawler.StatusPending)
	require.NoError(t, err)
	pending, err := s.GetPendingJobs(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestVersionBumpIsSerializedPerURL(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	const writers = 50

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := s.GetOrCreateURLMaster(ctx, "https://a.com", t0)
			if err != nil {
				errs <- err
				return
			}
			_, err = s.SaveVersion(ctx, m, crawler.VersionData{Score: 80}, t0)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	versions, err := s.ListVersions(ctx, "https://a.com")
	require.NoError(t, err)
	require.Len(t, versions, writers)
	seen := map[int]bool{}
	for _, v := range versions {
		require.False(t, seen[v.VersionNumber], "duplicate version %d", v.VersionNumber)
		seen[v.VersionNumber] = true
	}
	require.Equal(t, writers, versions[0].VersionNumber)

	m, err := s.GetURLMaster(ctx, "https://a.com")
	require.NoError(t, err)
	require.Equal(t, writers, m.CurrentVersion)
	require.Equal(t, writers, m.TotalCrawls)
}

func TestSaveFailedVersionWritesPlaceholder(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	batchID, jobID := int64(1), int64(2)
	v, err := s.SaveFailedVersion(ctx, "https://down.com", "dns_error: no such host", &batchID, &jobID, t0)
	require.NoError(t, err)
	require.Zero(t, v.Score)
	require.Equal(t, crawler.FailedVersionTitle, v.Title)
	require.Equal(t, 1, v.VersionNumber)
	require.JSONEq(t, `{"url":"https://down.com","error":"dns_error: no such host","failed":true}`, string(v.Analysis))
	require.Equal(t, jobID, *v.JobID)

	_, err = s.ListVersions(ctx, "https://never.com")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = s.SaveVersion(ctx, crawler.URLMaster{URL: "https://never.com"}, crawler.VersionData{}, t0)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestRequeueStaleJobs(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	b, err := s.CreateBatch(ctx, crawler.Batch{Name: "b"}, []string{"https://a.com", "https://b.com", "https://c.com"}, crawler.BatchOptions{MaxAttempts: 1})
	require.NoError(t, err)
	jobs, err := s.ListJobs(ctx, b.ID, "")
	require.NoError(t, err)

	_, err = s.MarkJobRunning(ctx, jobs[0].ID, t0)
	require.NoError(t, err)
	_, err = s.MarkJobRunning(ctx, jobs[1].ID, t0.Add(time.Hour))
	require.NoError(t, err)
	s.mu.Lock()
	j := s.jobs[jobs[2].ID]
	j.Status, j.MaxAttempts, j.Attempts, j.StartedAt = crawler.StatusRunning, 3, 1, &t0
	s.jobs[j.ID] = j
	s.mu.Unlock()

	requeued, exhausted, err := s.RequeueStaleJobs(ctx, t0.Add(10*time.Minute), nil)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	require.Equal(t, jobs[2].ID, requeued[0].ID)
	require.Len(t, exhausted, 1)
	require.Equal(t, jobs[0].ID, exhausted[0].ID)

	got, err := s.GetJob(ctx, jobs[2].ID)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, got.Status)
	got, err = s.GetJob(ctx, jobs[1].ID)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusRunning, got.Status)
}

func TestRequeueStaleJobsSkipsInFlight(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	b, err := s.CreateBatch(ctx, crawler.Batch{Name: "b"}, []string{"https://a.com", "https://b.com"}, crawler.BatchOptions{MaxAttempts: 1})
	require.NoError(t, err)
	jobs, err := s.ListJobs(ctx, b.ID, "")
	require.NoError(t, err)
	for _, j := range jobs {
		_, err = s.MarkJobRunning(ctx, j.ID, t0)
		require.NoError(t, err)
	}

	requeued, exhausted, err := s.RequeueStaleJobs(ctx, t0.Add(time.Hour), []int64{jobs[0].ID})
	require.NoError(t, err)
	require.Empty(t, requeued)
	require.Len(t, exhausted, 1)
	require.Equal(t, jobs[1].ID, exhausted[0].ID)
}

func TestListBatchesPaging(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	for i := range 3 {
		_, err := s.CreateBatch(ctx, crawler.Batch{Name: "b", CreatedAt: t0.Add(time.Duration(i) * time.Minute)}, []string{"https://a.com"}, crawler.BatchOptions{})
		require.NoError(t, err)
	}
	all, err := s.ListBatches(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, int64(3), all[0].ID)

	pageTwo, err := s.ListBatches(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, pageTwo, 1)
	require.Equal(t, int64(1), pageTwo[0].ID)

	empty, err := s.ListBatches(ctx, 10, 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}
