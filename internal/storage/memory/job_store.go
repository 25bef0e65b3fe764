package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

var _ crawler.JobStore = (*JobStore)(nil)

// JobStore provides an in-memory crawler.JobStore. One mutex serializes every
// operation, including the per-URL version bump.
type JobStore struct {
	mu sync.RWMutex

	nextBatchID   int64
	nextJobID     int64
	nextMasterID  int64
	nextVersionID int64

	batches  map[int64]crawler.Batch
	jobs     map[int64]crawler.Job
	masters  map[string]crawler.URLMaster
	versions map[int64][]crawler.URLVersion
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		batches:  make(map[int64]crawler.Batch),
		jobs:     make(map[int64]crawler.Job),
		masters:  make(map[string]crawler.URLMaster),
		versions: make(map[int64][]crawler.URLVersion),
	}
}

// CreateBatch inserts the batch and one pending job per URL.
func (s *JobStore) CreateBatch(_ context.Context, batch crawler.Batch, urls []string, opts crawler.BatchOptions) (crawler.Batch, error) {
	if len(urls) == 0 {
		return crawler.Batch{}, fmt.Errorf("create batch: no urls: %w", crawler.ErrInvalidInput)
	}
	opts = opts.WithDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextBatchID++
	batch.ID = s.nextBatchID
	batch.Status = crawler.StatusPending
	batch.TotalURLs = 0
	batch.CompletedURLs, batch.FailedURLs = 0, 0
	batch.StartedAt, batch.CompletedAt = nil, nil
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	s.batches[batch.ID] = batch
	s.createJobsLocked(batch.ID, urls, opts, batch.CreatedAt)
	return s.batches[batch.ID], nil
}

// GetBatch fetches a batch by ID.
func (s *JobStore) GetBatch(_ context.Context, batchID int64) (crawler.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return crawler.Batch{}, fmt.Errorf("batch %d: %w", batchID, crawler.ErrNotFound)
	}
	return b, nil
}

// ListBatches returns batches newest first.
func (s *JobStore) ListBatches(_ context.Context, limit, offset int) ([]crawler.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, limit, offset), nil
}

// UpdateBatchStatus writes status and counters, stamping startedAt on the
// first move to running and completedAt on terminal statuses.
func (s *JobStore) UpdateBatchStatus(_ context.Context, batchID int64, status crawler.Status, completed, failed int) error {
	if !status.IsValid() {
		return fmt.Errorf("batch status %q: %w", status, crawler.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %d: %w", batchID, crawler.ErrNotFound)
	}
	if completed < 0 || failed < 0 || completed+failed > b.TotalURLs {
		return fmt.Errorf("batch %d counts %d+%d exceed total %d: %w",
			batchID, completed, failed, b.TotalURLs, crawler.ErrInvalidInput)
	}
	now := time.Now().UTC()
	b.Status = status
	b.CompletedURLs = completed
	b.FailedURLs = failed
	if status == crawler.StatusRunning && b.StartedAt == nil {
		b.StartedAt = &now
	}
	if status.IsTerminal() {
		b.CompletedAt = &now
	} else {
		b.CompletedAt = nil
	}
	s.batches[batchID] = b
	return nil
}

// GetBatchStats counts the batch's jobs by status.
func (s *JobStore) GetBatchStats(_ context.Context, batchID int64) (crawler.BatchStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.batches[batchID]; !ok {
		return crawler.BatchStats{}, fmt.Errorf("batch %d: %w", batchID, crawler.ErrNotFound)
	}
	var st crawler.BatchStats
	for _, j := range s.jobs {
		if j.BatchID != batchID {
			continue
		}
		st.Total++
		switch j.Status {
		case crawler.StatusPending:
			st.Pending++
		case crawler.StatusRunning:
			st.Running++
		case crawler.StatusCompleted:
			st.Completed++
		case crawler.StatusFailed:
			st.Failed++
		case crawler.StatusCancelled:
			st.Cancelled++
		case crawler.StatusPaused:
			st.Paused++
		}
	}
	return st, nil
}

// TransitionJobs moves the batch's jobs in status from to status to.
func (s *JobStore) TransitionJobs(_ context.Context, batchID int64, from, to crawler.Status) (int, error) {
	if !from.IsValid() || !to.IsValid() {
		return 0, fmt.Errorf("transition %q to %q: %w", from, to, crawler.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; !ok {
		return 0, fmt.Errorf("batch %d: %w", batchID, crawler.ErrNotFound)
	}
	now := time.Now().UTC()
	n := 0
	for id, j := range s.jobs {
		if j.BatchID != batchID || j.Status != from {
			continue
		}
		j.Status = to
		// A retry deadline only means something on a pending job.
		if to != crawler.StatusPending {
			j.NextRetryAt = nil
		}
		if to.IsTerminal() {
			j.CompletedAt = &now
		}
		s.jobs[id] = j
		n++
	}
	return n, nil
}

// ResetFailedJobs re-arms failed jobs with attempts and errors cleared.
func (s *JobStore) ResetFailedJobs(_ context.Context, batchID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; !ok {
		return 0, fmt.Errorf("batch %d: %w", batchID, crawler.ErrNotFound)
	}
	n := 0
	for id, j := range s.jobs {
		if j.BatchID != batchID || j.Status != crawler.StatusFailed {
			continue
		}
		j.Status = crawler.StatusPending
		j.Attempts = 0
		j.ErrorMessage = ""
		j.NextRetryAt = nil
		j.RetryDelayMs = 0
		j.StartedAt = nil
		j.CompletedAt = nil
		s.jobs[id] = j
		n++
	}
	return n, nil
}

// CreateJobs appends pending jobs to an existing batch and grows its total.
func (s *JobStore) CreateJobs(_ context.Context, batchID int64, urls []string, opts crawler.BatchOptions) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; !ok {
		return 0, fmt.Errorf("batch %d: %w", batchID, crawler.ErrNotFound)
	}
	return s.createJobsLocked(batchID, urls, opts.WithDefaults(), time.Now().UTC()), nil
}

func (s *JobStore) createJobsLocked(batchID int64, urls []string, opts crawler.BatchOptions, now time.Time) int {
	b := s.batches[batchID]
	for i, u := range urls {
		s.nextJobID++
		s.jobs[s.nextJobID] = crawler.Job{
			ID:            s.nextJobID,
			BatchID:       batchID,
			URL:           u,
			Status:        crawler.StatusPending,
			Priority:      b.TotalURLs + i,
			MaxAttempts:   opts.MaxAttempts,
			BaseTimeoutMs: opts.BaseTimeoutMs,
			CreatedAt:     now,
		}
	}
	b.TotalURLs += len(urls)
	s.batches[batchID] = b
	return len(urls)
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID int64) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %d: %w", jobID, crawler.ErrNotFound)
	}
	return j, nil
}

// ListJobs returns the batch's jobs in priority order. An empty status
// matches every job.
func (s *JobStore) ListJobs(_ context.Context, batchID int64, status crawler.Status) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Job
	for _, j := range s.jobs {
		if j.BatchID == batchID && (status == "" || j.Status == status) {
			out = append(out, j)
		}
	}
	sortJobs(out)
	return out, nil
}

// GetPendingJobs returns pending jobs with attempts left, whose batch is
// neither paused nor cancelled, and whose retry time has passed.
func (s *JobStore) GetPendingJobs(_ context.Context, now time.Time, limit int) ([]crawler.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Job
	for _, j := range s.jobs {
		if j.Status != crawler.StatusPending || j.Attempts >= j.MaxAttempts {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		b := s.batches[j.BatchID]
		if b.Status == crawler.StatusPaused || b.Status == crawler.StatusCancelled {
			continue
		}
		j.InterJobDelayMs = b.InterJobDelayMs
		out = append(out, j)
	}
	sortJobs(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkJobRunning moves a pending job to running and increments attempts.
func (s *JobStore) MarkJobRunning(_ context.Context, jobID int64, now time.Time) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %d: %w", jobID, crawler.ErrNotFound)
	}
	if j.Status != crawler.StatusPending || j.Attempts >= j.MaxAttempts {
		return crawler.Job{}, fmt.Errorf("job %d is %s with %d/%d attempts: %w",
			jobID, j.Status, j.Attempts, j.MaxAttempts, crawler.ErrInvalidTransition)
	}
	j.Status = crawler.StatusRunning
	j.Attempts++
	j.StartedAt = &now
	j.NextRetryAt = nil
	s.jobs[jobID] = j
	return j, nil
}

// CompleteJob marks a running job completed with its result version.
func (s *JobStore) CompleteJob(_ context.Context, jobID int64, versionID int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %d: %w", jobID, crawler.ErrNotFound)
	}
	j.Status = crawler.StatusCompleted
	j.ResultVersionID = &versionID
	j.ErrorMessage = ""
	j.NextRetryAt = nil
	j.CompletedAt = &now
	s.jobs[jobID] = j
	return nil
}

// FailJob marks a job failed.
func (s *JobStore) FailJob(_ context.Context, jobID int64, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %d: %w", jobID, crawler.ErrNotFound)
	}
	j.Status = crawler.StatusFailed
	j.ErrorMessage = errMsg
	j.NextRetryAt = nil
	j.CompletedAt = &now
	s.jobs[jobID] = j
	return nil
}

// ScheduleRetry re-arms a job as pending at nextRetryAt.
func (s *JobStore) ScheduleRetry(_ context.Context, jobID int64, nextRetryAt time.Time, delayMs int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %d: %w", jobID, crawler.ErrNotFound)
	}
	j.Status = crawler.StatusPending
	j.NextRetryAt = &nextRetryAt
	j.RetryDelayMs = delayMs
	j.ErrorMessage = errMsg
	s.jobs[jobID] = j
	return nil
}

// RequeueStaleJobs resets running jobs started before cutoff that are not
// in inFlight.
func (s *JobStore) RequeueStaleJobs(_ context.Context, cutoff time.Time, inFlight []int64) ([]crawler.Job, []crawler.Job, error) {
	live := make(map[int64]struct{}, len(inFlight))
	for _, id := range inFlight {
		live[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var requeued, exhausted []crawler.Job
	for id, j := range s.jobs {
		if j.Status != crawler.StatusRunning || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		if _, ok := live[id]; ok {
			continue
		}
		if j.HasAttemptsLeft() {
			j.Status = crawler.StatusPending
			j.NextRetryAt = nil
			s.jobs[id] = j
			requeued = append(requeued, j)
			continue
		}
		exhausted = append(exhausted, j)
	}
	sortJobs(requeued)
	sortJobs(exhausted)
	return requeued, exhausted, nil
}

// GetOrCreateURLMaster bumps the URL's current version and returns the
// master carrying the reserved version number.
func (s *JobStore) GetOrCreateURLMaster(_ context.Context, url string, now time.Time) (crawler.URLMaster, error) {
	if url == "" {
		return crawler.URLMaster{}, fmt.Errorf("url master: empty url: %w", crawler.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bumpMasterLocked(url, now), nil
}

func (s *JobStore) bumpMasterLocked(url string, now time.Time) crawler.URLMaster {
	m, ok := s.masters[url]
	if !ok {
		s.nextMasterID++
		m = crawler.URLMaster{ID: s.nextMasterID, URL: url, FirstCrawledAt: now}
	}
	m.CurrentVersion++
	m.TotalCrawls++
	m.LastCrawledAt = now
	s.masters[url] = m
	m.IsNew = !ok
	return m
}

// SaveVersion appends the version reserved by GetOrCreateURLMaster.
func (s *JobStore) SaveVersion(_ context.Context, master crawler.URLMaster, data crawler.VersionData, now time.Time) (crawler.URLVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.masters[master.URL]; !ok {
		return crawler.URLVersion{}, fmt.Errorf("url master %q: %w", master.URL, crawler.ErrNotFound)
	}
	return s.appendVersionLocked(master, data, now)
}

// SaveFailedVersion records a score-0 placeholder for a failed crawl.
func (s *JobStore) SaveFailedVersion(_ context.Context, url string, errMsg string, batchID, jobID *int64, now time.Time) (crawler.URLVersion, error) {
	data, err := crawler.FailedVersionData(url, errMsg, batchID, jobID)
	if err != nil {
		return crawler.URLVersion{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendVersionLocked(s.bumpMasterLocked(url, now), data, now)
}

func (s *JobStore) appendVersionLocked(master crawler.URLMaster, data crawler.VersionData, now time.Time) (crawler.URLVersion, error) {
	for _, v := range s.versions[master.ID] {
		if v.VersionNumber == master.CurrentVersion {
			return crawler.URLVersion{}, fmt.Errorf("version %d of %q already exists: %w",
				master.CurrentVersion, master.URL, crawler.ErrInvalidInput)
		}
	}
	s.nextVersionID++
	v := crawler.URLVersion{
		ID:              s.nextVersionID,
		URLMasterID:     master.ID,
		VersionNumber:   master.CurrentVersion,
		URL:             master.URL,
		Score:           data.Score,
		Title:           data.Title,
		Description:     data.Description,
		Analysis:        cloneJSON(data.Analysis),
		Recommendations: cloneJSON(data.Recommendations),
		SnapshotURI:     data.SnapshotURI,
		ContentHash:     data.ContentHash,
		BatchID:         data.BatchID,
		JobID:           data.JobID,
		CreatedAt:       now,
	}
	s.versions[master.ID] = append(s.versions[master.ID], v)
	return v, nil
}

// ListVersions returns the URL's versions newest first.
func (s *JobStore) ListVersions(_ context.Context, url string) ([]crawler.URLVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.masters[url]
	if !ok {
		return nil, fmt.Errorf("url %q: %w", url, crawler.ErrNotFound)
	}
	out := append([]crawler.URLVersion(nil), s.versions[m.ID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

// GetURLMaster returns the identity record for url.
func (s *JobStore) GetURLMaster(_ context.Context, url string) (crawler.URLMaster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.masters[url]
	if !ok {
		return crawler.URLMaster{}, fmt.Errorf("url %q: %w", url, crawler.ErrNotFound)
	}
	return m, nil
}

func sortJobs(jobs []crawler.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
