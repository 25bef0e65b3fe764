package sinks

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/progress"
)

// PrometheusSink exports progress as Prometheus metrics: job transitions,
// fetch status classes, batch progress, and the concurrency budget.
type PrometheusSink struct {
	jobTransitions *prometheus.CounterVec
	jobsRunning    prometheus.Gauge
	jobRuntime     *prometheus.HistogramVec
	fetchResponses *prometheus.CounterVec
	seoScore       prometheus.Histogram

	batchProgress *prometheus.GaugeVec
	batchFinished *prometheus.CounterVec

	concurrencyCurrent     prometheus.Gauge
	concurrencyRecommended prometheus.Gauge
	concurrencyFactor      *prometheus.GaugeVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_job_transitions_total",
			Help: "Job status transitions partitioned by status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_jobs_running",
			Help: "Jobs currently in the running state.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_job_runtime_seconds",
			Help:    "Wall time per finished job attempt.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		fetchResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_fetch_responses_total",
			Help: "Completed fetches partitioned by status class.",
		}, []string{"status_class"}),
		seoScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_seo_score",
			Help:    "Distribution of scores assigned to completed jobs.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		batchProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_batch_progress_percent",
			Help: "Latest progress percentage per active batch.",
		}, []string{"batch_id"}),
		batchFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_batches_finished_total",
			Help: "Batches reaching a terminal status.",
		}, []string{"status"}),
		concurrencyCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_concurrency_current",
			Help: "Concurrency budget in effect.",
		}),
		concurrencyRecommended: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_concurrency_recommended",
			Help: "Concurrency recommended by the last controller tick.",
		}),
		concurrencyFactor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_concurrency_factor",
			Help: "Weighted factors behind the last concurrency decision.",
		}, []string{"factor"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobTransitions,
		s.jobsRunning,
		s.jobRuntime,
		s.fetchResponses,
		s.seoScore,
		s.batchProgress,
		s.batchFinished,
		s.concurrencyCurrent,
		s.concurrencyRecommended,
		s.concurrencyFactor,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Type {
		case progress.TypeJobUpdate:
			s.handleJob(evt.Job)
		case progress.TypeBatchUpdate:
			s.handleBatch(evt.Batch)
		case progress.TypeOptimizationUpdate:
			s.handleOptimization(evt.Optimization)
		}
	}
	return nil
}

func (s *PrometheusSink) handleJob(j *progress.JobUpdate) {
	if j == nil {
		return
	}
	s.jobTransitions.WithLabelValues(string(j.Status)).Inc()
	if j.Secondary {
		return
	}
	if j.Status == crawler.StatusRunning {
		if s.tracker.start(j.JobID) {
			s.jobsRunning.Inc()
		}
		return
	}
	if s.tracker.complete(j.JobID) {
		s.jobsRunning.Dec()
	}
	if j.Duration > 0 {
		s.jobRuntime.WithLabelValues(string(j.Status)).Observe(j.Duration.Seconds())
	}
	if j.StatusCode > 0 {
		s.fetchResponses.WithLabelValues(progress.ClassifyStatus(j.StatusCode)).Inc()
	}
	if j.Status == crawler.StatusCompleted && j.SEOScore != nil {
		s.seoScore.Observe(float64(*j.SEOScore))
	}
}

func (s *PrometheusSink) handleBatch(b *progress.BatchUpdate) {
	if b == nil {
		return
	}
	id := strconv.FormatInt(b.BatchID, 10)
	if b.Status.IsTerminal() {
		s.batchFinished.WithLabelValues(string(b.Status)).Inc()
		s.batchProgress.DeleteLabelValues(id)
		return
	}
	s.batchProgress.WithLabelValues(id).Set(float64(b.Progress))
}

func (s *PrometheusSink) handleOptimization(o *progress.OptimizationUpdate) {
	if o == nil {
		return
	}
	s.concurrencyCurrent.Set(float64(o.CurrentConcurrency))
	s.concurrencyRecommended.Set(float64(o.RecommendedConcurrency))
	s.concurrencyFactor.WithLabelValues("resource").Set(o.Factors.Resource)
	s.concurrencyFactor.WithLabelValues("network").Set(o.Factors.Network)
	s.concurrencyFactor.WithLabelValues("performance").Set(o.Factors.Performance)
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[int64]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[int64]struct{})}
}

func (t *jobTracker) start(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
