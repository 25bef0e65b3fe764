package crawler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Status represents the lifecycle state shared by batches and jobs.
type Status string

// Status values persisted in the job store.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

// IsTerminal reports whether a job in this status will never run again
// without a manual transition.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Batch is a named group of URLs processed with shared settings.
type Batch struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	TotalURLs       int        `json:"total_urls"`
	CompletedURLs   int        `json:"completed_urls"`
	FailedURLs      int        `json:"failed_urls"`
	Status          Status     `json:"status"`
	ConcurrencyHint int        `json:"concurrency_hint"`
	InterJobDelayMs int        `json:"inter_job_delay_ms"`
	CreatedBy       string     `json:"created_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Progress returns the share of finished jobs as a 0-100 percentage.
func (b Batch) Progress() int {
	return ProgressPercent(b.CompletedURLs, b.FailedURLs, b.TotalURLs)
}

// BatchOptions carries the submission-time settings for a new batch.
type BatchOptions struct {
	Name              string `json:"name"`
	CreatedBy         string `json:"created_by,omitempty"`
	ConcurrencyHint   int    `json:"concurrency_hint"`
	InterJobDelayMs   int    `json:"inter_job_delay_ms"`
	MaxAttempts       int    `json:"max_attempts"`
	BaseTimeoutMs     int    `json:"base_timeout_ms"`
	SkipDNSValidation bool   `json:"skip_dns_validation"`
}

// Job is one URL's crawl-and-analyze unit of work within a batch.
type Job struct {
	ID              int64      `json:"id"`
	BatchID         int64      `json:"batch_id"`
	URL             string     `json:"url"`
	Status          Status     `json:"status"`
	Priority        int        `json:"priority"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ResultVersionID *int64     `json:"result_version_id,omitempty"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
	RetryDelayMs    int64      `json:"retry_delay_ms"`
	BaseTimeoutMs   int        `json:"base_timeout_ms"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	// InterJobDelayMs is joined from the owning batch when jobs are polled.
	InterJobDelayMs int `json:"-"`
}

// HasAttemptsLeft reports whether another attempt may be scheduled.
func (j Job) HasAttemptsLeft() bool {
	return j.Attempts < j.MaxAttempts
}

// BatchStats aggregates job counts for one batch.
type BatchStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Paused    int `json:"paused"`
}

// Finished returns the number of jobs that reached completed or failed.
func (s BatchStats) Finished() int {
	return s.Completed + s.Failed
}

// URLMaster is the identity record of a crawled URL across submissions.
type URLMaster struct {
	ID             int64     `json:"id"`
	URL            string    `json:"url"`
	CurrentVersion int       `json:"current_version"`
	FirstCrawledAt time.Time `json:"first_crawled_at"`
	LastCrawledAt  time.Time `json:"last_crawled_at"`
	TotalCrawls    int       `json:"total_crawls"`
	// IsNew is set when GetOrCreateURLMaster inserted the row.
	IsNew bool `json:"-"`
}

// URLVersion is an immutable crawl result for one URLMaster.
type URLVersion struct {
	ID              int64           `json:"id"`
	URLMasterID     int64           `json:"url_master_id"`
	VersionNumber   int             `json:"version_number"`
	URL             string          `json:"url"`
	Score           int             `json:"score"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Analysis        json.RawMessage `json:"analysis"`
	Recommendations json.RawMessage `json:"recommendations"`
	SnapshotURI     string          `json:"snapshot_uri,omitempty"`
	ContentHash     string          `json:"content_hash,omitempty"`
	BatchID         *int64          `json:"batch_id,omitempty"`
	JobID           *int64          `json:"job_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// VersionData is the payload persisted for a new URLVersion.
type VersionData struct {
	Score           int
	Title           string
	Description     string
	Analysis        json.RawMessage
	Recommendations json.RawMessage
	SnapshotURI     string
	ContentHash     string
	BatchID         *int64
	JobID           *int64
}

// RedirectHop records one redirect observed while resolving a URL.
type RedirectHop struct {
	FromURL    string    `json:"from_url"`
	ToURL      string    `json:"to_url"`
	StatusCode int       `json:"status_code"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
}

// RedirectType names the redirect semantics of an HTTP status code.
func RedirectType(code int) string {
	switch code {
	case http.StatusMovedPermanently:
		return "permanent"
	case http.StatusFound:
		return "temporary"
	case http.StatusSeeOther:
		return "see_other"
	case http.StatusTemporaryRedirect:
		return "temporary_preserve_method"
	case http.StatusPermanentRedirect:
		return "permanent_preserve_method"
	default:
		return "unknown"
	}
}

// FetchRequest captures everything needed to fetch a URL once.
type FetchRequest struct {
	URL     string
	Timeout time.Duration
	Headers http.Header
}

// FetchResult is the outcome of one successful retrieval attempt.
type FetchResult struct {
	RequestedURL        string        `json:"requested_url"`
	FinalURL            string        `json:"final_url"`
	StatusCode          int           `json:"status_code"`
	Headers             http.Header   `json:"headers"`
	Body                []byte        `json:"-"`
	RedirectChain       []RedirectHop `json:"redirect_chain"`
	SSLValidationFailed bool          `json:"ssl_validation_failed"`
	Duration            time.Duration `json:"duration"`
}

// Redirected reports whether at least one hop was followed and the fetch
// ended somewhere other than the requested URL.
func (r FetchResult) Redirected() bool {
	return len(r.RedirectChain) > 0 && r.FinalURL != "" && r.FinalURL != r.RequestedURL
}

// Analysis is the opaque analysis snapshot handed to the scorer and stored
// with each version.
type Analysis struct {
	URL                 string         `json:"url"`
	FinalURL            string         `json:"final_url"`
	StatusCode          int            `json:"status_code"`
	Title               string         `json:"title"`
	Description         string         `json:"description"`
	RedirectChain       []RedirectHop  `json:"redirect_chain"`
	SSLValidationFailed bool           `json:"ssl_validation_failed"`
	ResponseTimeMs      int64          `json:"response_time_ms"`
	ContentLength       int            `json:"content_length"`
	Details             map[string]any `json:"details,omitempty"`
}

// Recommendation is one scorer finding.
type Recommendation struct {
	Type       string `json:"type"`
	Issue      string `json:"issue"`
	Suggestion string `json:"suggestion"`
	Priority   string `json:"priority"`
}

// Score is the scorer's verdict on an Analysis.
type Score struct {
	Value           int              `json:"score"`
	Recommendations []Recommendation `json:"recommendations"`
}

// ProgressPercent rounds (completed+failed)/total to a percentage.
func ProgressPercent(completed, failed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(float64(completed+failed)/float64(total)*100 + 0.5)
}

// SystemInfo describes the host the orchestrator runs on.
type SystemInfo struct {
	CPUCores         int    `json:"cpu_cores"`
	TotalMemoryBytes uint64 `json:"total_memory_bytes"`
	Platform         string `json:"platform"`
	Arch             string `json:"arch"`
}

// ConcurrencyFactors are the weighted inputs behind a concurrency decision.
type ConcurrencyFactors struct {
	Resource    float64 `json:"resource"`
	Network     float64 `json:"network"`
	Performance float64 `json:"performance"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	LoadAvg     float64 `json:"load_avg"`
}

// Job defaults applied when a submission leaves them unset.
const (
	DefaultMaxAttempts   = 3
	DefaultBaseTimeoutMs = 10000
)

// WithDefaults fills unset numeric options.
func (o BatchOptions) WithDefaults() BatchOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseTimeoutMs <= 0 {
		o.BaseTimeoutMs = DefaultBaseTimeoutMs
	}
	if o.InterJobDelayMs < 0 {
		o.InterJobDelayMs = 0
	}
	return o
}

// FailedVersionTitle is the title of the placeholder version written when a
// job fails permanently.
const FailedVersionTitle = "Failed to crawl"

// FailedVersionData builds the score-0 placeholder for a failed crawl so the
// URL stays visible in listings.
func FailedVersionData(url, errMsg string, batchID, jobID *int64) (VersionData, error) {
	analysis, err := json.Marshal(map[string]any{
		"url":    url,
		"error":  errMsg,
		"failed": true,
	})
	if err != nil {
		return VersionData{}, fmt.Errorf("encode failed analysis: %w", err)
	}
	recs, err := json.Marshal([]Recommendation{{
		Type:       "error",
		Issue:      FailedVersionTitle,
		Suggestion: "Check that the URL is reachable and try again",
		Priority:   "critical",
	}})
	if err != nil {
		return VersionData{}, fmt.Errorf("encode failed recommendations: %w", err)
	}
	return VersionData{
		Score:           0,
		Title:           FailedVersionTitle,
		Description:     errMsg,
		Analysis:        analysis,
		Recommendations: recs,
		BatchID:         batchID,
		JobID:           jobID,
	}, nil
}
