// Package worker executes one crawl job: fetch, analyze, score, persist, and
// settle the job's status.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/normalize"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/retry"
)

// Defaults for Config.
const (
	DefaultBaseTimeout = 10 * time.Second
	DefaultMaxTimeout  = 120 * time.Second
	defaultContentType = "text/html; charset=utf-8"
)

// RetryScheduler re-arms a failed job.
type RetryScheduler interface {
	Schedule(ctx context.Context, job crawler.Job, cause error) (retry.Retry, error)
}

// Recorder receives per-attempt performance samples.
type Recorder interface {
	RecordJob(d time.Duration, success bool)
}

// ProgressRefresher recomputes a batch's aggregate counters and status.
type ProgressRefresher interface {
	RefreshProgress(ctx context.Context, batchID int64) error
}

// Config controls Worker behavior.
type Config struct {
	BaseTimeout time.Duration
	MaxTimeout  time.Duration
	ContentType string
	BlobPrefix  string
	// SkipSecondary disables the extra fetch of a redirect's final URL.
	SkipSecondary bool
}

// Deps are the Worker's collaborators. Blobs, Hasher, IDs, Recorder,
// Progress, and Emitter are optional.
type Deps struct {
	Store    crawler.JobStore
	Fetcher  crawler.Fetcher
	Analyzer crawler.Analyzer
	Scorer   crawler.Scorer
	Retry    RetryScheduler
	Clock    crawler.Clock
	Blobs    crawler.BlobStore
	Hasher   crawler.Hasher
	IDs      crawler.IDGenerator
	Recorder Recorder
	Progress ProgressRefresher
	Emitter  progress.Emitter
	Tracer   trace.Tracer
}

// Worker runs crawl jobs handed to it by the dispatcher.
type Worker struct {
	store    crawler.JobStore
	fetcher  crawler.Fetcher
	analyzer crawler.Analyzer
	scorer   crawler.Scorer
	retry    RetryScheduler
	clock    crawler.Clock
	blobs    crawler.BlobStore
	hasher   crawler.Hasher
	ids      crawler.IDGenerator
	recorder Recorder
	progress ProgressRefresher
	emitter  progress.Emitter
	tracer   trace.Tracer
	cfg      Config
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = DefaultBaseTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/bulk-crawl-orchestrator/internal/worker")
	}
	return &Worker{
		store:    deps.Store,
		fetcher:  deps.Fetcher,
		analyzer: deps.Analyzer,
		scorer:   deps.Scorer,
		retry:    deps.Retry,
		clock:    deps.Clock,
		blobs:    deps.Blobs,
		hasher:   deps.Hasher,
		ids:      deps.IDs,
		recorder: deps.Recorder,
		progress: deps.Progress,
		emitter:  deps.Emitter,
		tracer:   deps.Tracer,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Run executes job end to end: it marks the job running, processes it,
// settles the outcome, and refreshes the batch aggregate.
func (w *Worker) Run(ctx context.Context, job crawler.Job) {
	ctx, span := w.tracer.Start(ctx, "worker.Run", trace.WithAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.Int64("batch.id", job.BatchID),
		attribute.String("job.url", job.URL),
	))
	defer span.End()

	running, err := w.store.MarkJobRunning(ctx, job.ID, w.clock.Now())
	if err != nil {
		w.logger.Error("mark job running", zap.Int64("job_id", job.ID), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark running")
		return
	}
	running.InterJobDelayMs = job.InterJobDelayMs
	span.SetAttributes(attribute.Int("job.attempt", running.Attempts))
	w.emitJob(running, crawler.StatusRunning, nil)
	w.refresh(ctx, running.BatchID)

	start := w.clock.Now()
	outcome := w.Process(ctx, running, job.Attempts)
	elapsed := w.clock.Now().Sub(start)

	_, success := outcome.(Completed)
	if w.recorder != nil {
		w.recorder.RecordJob(elapsed, success)
	}
	metrics.ObserveJobAttempt(outcomeName(outcome))

	// Settle even if the dispatcher is shutting down so the job does not
	// stay running.
	settleCtx := context.WithoutCancel(ctx)
	if err := w.Settle(settleCtx, running, outcome); err != nil {
		w.logger.Error("settle job", zap.Int64("job_id", job.ID), zap.Error(err))
		span.RecordError(err)
	}
	if !success {
		span.SetStatus(codes.Error, outcomeName(outcome))
	}
	w.refresh(settleCtx, running.BatchID)
}

// Process performs one attempt for a job already marked running.
// priorAttempts is the attempt count before it was incremented and scales the
// fetch timeout.
func (w *Worker) Process(ctx context.Context, job crawler.Job, priorAttempts int) Outcome {
	if job.InterJobDelayMs > 0 {
		if err := w.sleep(ctx, time.Duration(job.InterJobDelayMs)*time.Millisecond); err != nil {
			return Retryable{Err: fmt.Errorf("inter-job delay: %w", err)}
		}
	}

	timeout := w.attemptTimeout(job, priorAttempts)
	logger := w.logger.With(
		zap.Int64("job_id", job.ID),
		zap.Int64("batch_id", job.BatchID),
		zap.String("url", job.URL),
		zap.Int("attempt", job.Attempts),
	)

	result, err := w.fetch(ctx, job.URL, timeout)
	if err != nil {
		logger.Warn("fetch failed", zap.Duration("timeout", timeout), zap.Error(err))
		return classify(job, err)
	}

	version, score, err := w.persist(ctx, job, job.URL, result)
	if err != nil {
		logger.Error("persist result", zap.Error(err))
		return classify(job, err)
	}
	logger.Info("job processed",
		zap.Int("status_code", result.StatusCode),
		zap.Int("score", score),
		zap.Int64("version_id", version.ID),
		zap.Duration("duration", result.Duration),
	)

	if result.Redirected() && !w.cfg.SkipSecondary {
		w.processSecondary(ctx, job, result.FinalURL, timeout, logger)
	}
	return Completed{VersionID: version.ID, Score: score, StatusCode: result.StatusCode}
}

// processSecondary stores the redirect target as its own URL. Failures are
// logged only.
func (w *Worker) processSecondary(ctx context.Context, job crawler.Job, rawFinal string, timeout time.Duration, logger *zap.Logger) {
	finalURL, err := normalize.URL(rawFinal)
	if err != nil || finalURL == job.URL {
		return
	}
	logger = logger.With(zap.String("final_url", finalURL))

	result, err := w.fetch(ctx, finalURL, timeout)
	if err != nil {
		logger.Warn("secondary fetch failed", zap.Error(err))
		return
	}
	version, score, err := w.persist(ctx, job, finalURL, result)
	if err != nil {
		logger.Warn("secondary persist failed", zap.Error(err))
		return
	}
	versionID := version.ID
	w.emitJob(job, crawler.StatusCompleted, func(u *progress.JobUpdate) {
		u.URL = finalURL
		u.Secondary = true
		u.ReportID = &versionID
		u.SEOScore = &score
		u.StatusCode = result.StatusCode
	})
}

func (w *Worker) fetch(ctx context.Context, url string, timeout time.Duration) (crawler.FetchResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, err := w.fetcher.Fetch(fetchCtx, crawler.FetchRequest{URL: url, Timeout: timeout})
	if err != nil {
		fe := crawler.ClassifyError(err)
		metrics.ObserveFetchError(string(fe.Kind))
		return crawler.FetchResult{}, fe
	}
	metrics.ObserveFetch(url, progress.ClassifyStatus(result.StatusCode), len(result.Body))
	return result, nil
}

// persist analyzes and scores result, archives the body, and appends a new
// version for url.
func (w *Worker) persist(ctx context.Context, job crawler.Job, url string, result crawler.FetchResult) (crawler.URLVersion, int, error) {
	analysis, err := w.analyzer.Analyze(ctx, result)
	if err != nil {
		return crawler.URLVersion{}, 0, fmt.Errorf("analyze: %w", err)
	}
	score := w.scorer.Score(analysis)

	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return crawler.URLVersion{}, 0, fmt.Errorf("encode analysis: %w", err)
	}
	recs := score.Recommendations
	if recs == nil {
		recs = []crawler.Recommendation{}
	}
	recsJSON, err := json.Marshal(recs)
	if err != nil {
		return crawler.URLVersion{}, 0, fmt.Errorf("encode recommendations: %w", err)
	}

	data := crawler.VersionData{
		Score:           score.Value,
		Title:           analysis.Title,
		Description:     analysis.Description,
		Analysis:        analysisJSON,
		Recommendations: recsJSON,
		BatchID:         &job.BatchID,
		JobID:           &job.ID,
	}
	data.ContentHash, data.SnapshotURI = w.archive(ctx, job, url, result.Body)

	now := w.clock.Now()
	master, err := w.store.GetOrCreateURLMaster(ctx, url, now)
	if err != nil {
		return crawler.URLVersion{}, 0, fmt.Errorf("url master: %w", err)
	}
	version, err := w.store.SaveVersion(ctx, master, data, now)
	if err != nil {
		return crawler.URLVersion{}, 0, fmt.Errorf("save version: %w", err)
	}
	return version, score.Value, nil
}

// archive hashes and stores the raw body. Snapshot failures do not fail the
// job.
func (w *Worker) archive(ctx context.Context, job crawler.Job, url string, body []byte) (string, string) {
	if len(body) == 0 {
		return "", ""
	}
	var hash string
	if w.hasher != nil {
		h, err := w.hasher.Hash(body)
		if err != nil {
			w.logger.Warn("hash body", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		hash = h
	}
	if w.blobs == nil {
		return hash, ""
	}
	uri, err := w.blobs.PutObject(ctx, w.blobPath(job, url, hash), w.cfg.ContentType, body)
	if err != nil {
		w.logger.Warn("archive snapshot", zap.Int64("job_id", job.ID), zap.String("url", url), zap.Error(err))
		return hash, ""
	}
	return hash, uri
}

func (w *Worker) blobPath(job crawler.Job, url, hash string) string {
	name := hash
	if name == "" && w.ids != nil {
		if id, err := w.ids.NewID(); err == nil {
			name = id
		}
	}
	if name == "" {
		name = fmt.Sprintf("%d-%d", job.ID, job.Attempts)
	}
	path := fmt.Sprintf("%d/%s/%s.html", job.BatchID, normalize.Key(url), name)
	if prefix := strings.Trim(w.cfg.BlobPrefix, "/"); prefix != "" {
		path = prefix + "/" + path
	}
	return path
}

// attemptTimeout is min(base*2^priorAttempts, max).
func (w *Worker) attemptTimeout(job crawler.Job, priorAttempts int) time.Duration {
	base := w.cfg.BaseTimeout
	if job.BaseTimeoutMs > 0 {
		base = time.Duration(job.BaseTimeoutMs) * time.Millisecond
	}
	ms := float64(base.Milliseconds()) * math.Pow(2, float64(max(0, priorAttempts)))
	return time.Duration(math.Min(ms, float64(w.cfg.MaxTimeout.Milliseconds()))) * time.Millisecond
}

func (w *Worker) refresh(ctx context.Context, batchID int64) {
	if w.progress == nil {
		return
	}
	if err := w.progress.RefreshProgress(ctx, batchID); err != nil {
		w.logger.Warn("refresh batch progress", zap.Int64("batch_id", batchID), zap.Error(err))
	}
}

func (w *Worker) emitJob(job crawler.Job, status crawler.Status, mutate func(*progress.JobUpdate)) {
	update := progress.JobUpdate{
		BatchID: job.BatchID,
		JobID:   job.ID,
		Status:  status,
		URL:     job.URL,
		Attempt: job.Attempts,
	}
	if mutate != nil {
		mutate(&update)
	}
	w.emitter.Emit(progress.NewJobEvent(w.clock.Now(), update))
}

func outcomeName(o Outcome) string {
	switch o.(type) {
	case Completed:
		return string(crawler.StatusCompleted)
	case Retryable:
		return "retry"
	default:
		return string(crawler.StatusFailed)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
