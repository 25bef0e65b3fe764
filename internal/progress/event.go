// Package progress defines the events published about jobs, batches, and
// concurrency decisions.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

// Type names the kind of update an Event carries.
type Type string

// Supported event types.
const (
	TypeJobUpdate          Type = "job-update"
	TypeBatchUpdate        Type = "batch-update"
	TypeOptimizationUpdate Type = "optimization-update"
)

// Event is one fire-and-forget update. Exactly one payload matching Type is set.
type Event struct {
	Type         Type                `json:"type"`
	TS           time.Time           `json:"ts"`
	Job          *JobUpdate          `json:"job,omitempty"`
	Batch        *BatchUpdate        `json:"batch,omitempty"`
	Optimization *OptimizationUpdate `json:"optimization,omitempty"`
}

// JobUpdate reports a job status change.
type JobUpdate struct {
	BatchID int64          `json:"batch_id"`
	JobID   int64          `json:"job_id"`
	Status  crawler.Status `json:"status"`
	URL     string         `json:"url"`
	Error   string         `json:"error,omitempty"`
	// ReportID is the URLVersion written for the job, when one exists.
	ReportID  *int64     `json:"report_id,omitempty"`
	SEOScore  *int       `json:"seo_score,omitempty"`
	NextRetry *time.Time `json:"next_retry,omitempty"`
	Attempt   int        `json:"attempt,omitempty"`
	// Secondary marks the follow-up crawl of a redirect target.
	Secondary bool `json:"secondary,omitempty"`

	StatusCode int           `json:"status_code,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// BatchUpdate reports aggregate batch progress.
type BatchUpdate struct {
	BatchID   int64          `json:"batch_id"`
	Status    crawler.Status `json:"status"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Total     int            `json:"total"`
	Progress  int            `json:"progress"`
}

// OptimizationUpdate reports a concurrency controller decision.
type OptimizationUpdate struct {
	CurrentConcurrency     int                        `json:"current_concurrency"`
	RecommendedConcurrency int                        `json:"recommended_concurrency"`
	Factors                crawler.ConcurrencyFactors `json:"factors"`
	Reasoning              string                     `json:"reasoning"`
	SystemInfo             crawler.SystemInfo         `json:"system_info"`
}

// NewJobEvent wraps a JobUpdate.
func NewJobEvent(ts time.Time, u JobUpdate) Event {
	return Event{Type: TypeJobUpdate, TS: ts.UTC(), Job: &u}
}

// NewBatchEvent wraps a BatchUpdate.
func NewBatchEvent(ts time.Time, u BatchUpdate) Event {
	return Event{Type: TypeBatchUpdate, TS: ts.UTC(), Batch: &u}
}

// NewOptimizationEvent wraps an OptimizationUpdate.
func NewOptimizationEvent(ts time.Time, u OptimizationUpdate) Event {
	return Event{Type: TypeOptimizationUpdate, TS: ts.UTC(), Optimization: &u}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeJobUpdate:
		if e.Job == nil {
			return errors.New("job-update requires a job payload")
		}
		if e.Job.JobID <= 0 || e.Job.BatchID <= 0 {
			return errors.New("job-update requires job and batch ids")
		}
		if !e.Job.Status.IsValid() {
			return fmt.Errorf("job-update has unknown status %q", e.Job.Status)
		}
	case TypeBatchUpdate:
		if e.Batch == nil {
			return errors.New("batch-update requires a batch payload")
		}
		if e.Batch.BatchID <= 0 {
			return errors.New("batch-update requires a batch id")
		}
		if e.Batch.Completed+e.Batch.Failed > e.Batch.Total {
			return errors.New("batch-update counts exceed total")
		}
	case TypeOptimizationUpdate:
		if e.Optimization == nil {
			return errors.New("optimization-update requires a payload")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// ClassifyStatus groups HTTP status codes into 2xx, 3xx, 4xx, 5xx, or other.
func ClassifyStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
