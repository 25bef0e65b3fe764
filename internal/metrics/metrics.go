// Package metrics exposes Prometheus collectors for the orchestrator's fetch
// pipeline and HTTP surface.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchPagesTotal            *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchErrorsTotal           *prometheus.CounterVec
	tlsFallbackTotal           prometheus.Counter
	jobAttemptsTotal           *prometheus.CounterVec
	dispatchActiveJobs         prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages fetched, labeled by site and status class.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of body bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_errors_total",
				Help: "Total number of failed fetch attempts, labeled by error kind.",
			},
			[]string{"kind"},
		)

		tlsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_tls_fallback_total",
				Help: "Total fetches retried with certificate verification disabled.",
			},
		)

		jobAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_job_attempts_total",
				Help: "Total number of job attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		dispatchActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_dispatch_active_jobs",
				Help: "Number of jobs the dispatcher currently has in flight.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of per-host politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records a completed fetch.
func ObserveFetch(site string, statusClass string, bytesFetched int) {
	Init()
	s := SanitizeSite(site)
	fetchPagesTotal.WithLabelValues(s, statusClass).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(s).Add(float64(bytesFetched))
	}
}

// ObserveFetchError records a failed fetch by taxonomy kind.
func ObserveFetchError(kind string) {
	Init()
	fetchErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveTLSFallback records an insecure retry after a certificate failure.
func ObserveTLSFallback() {
	Init()
	tlsFallbackTotal.Inc()
}

// ObserveJobAttempt records the outcome of one job attempt.
func ObserveJobAttempt(outcome string) {
	Init()
	jobAttemptsTotal.WithLabelValues(outcome).Inc()
}

// SetActiveJobs reports the dispatcher's in-flight count.
func SetActiveJobs(n int) {
	Init()
	dispatchActiveJobs.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records an API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
