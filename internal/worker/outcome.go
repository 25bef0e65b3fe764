package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/progress"
)

// Outcome is the result of processing one job attempt. It is one of
// Completed, Retryable, or Permanent.
type Outcome interface {
	isOutcome()
}

// Completed means a version was persisted for the job's URL.
type Completed struct {
	VersionID  int64
	Score      int
	StatusCode int
}

// Retryable means the attempt failed but the job may run again.
type Retryable struct {
	Err error
}

// Permanent means the job will not run again.
type Permanent struct {
	Err error
}

func (Completed) isOutcome() {}
func (Retryable) isOutcome() {}
func (Permanent) isOutcome() {}

// Settle applies outcome to the job store. It is the only place a processed
// job changes status. A retry that cannot be scheduled is settled as
// Permanent.
func (w *Worker) Settle(ctx context.Context, job crawler.Job, outcome Outcome) error {
	now := w.clock.Now()
	switch o := outcome.(type) {
	case Completed:
		if err := w.store.CompleteJob(ctx, job.ID, o.VersionID, now); err != nil {
			return fmt.Errorf("complete job %d: %w", job.ID, err)
		}
		versionID := o.VersionID
		score := o.Score
		w.emitJob(job, crawler.StatusCompleted, func(u *progress.JobUpdate) {
			u.ReportID = &versionID
			u.SEOScore = &score
			u.StatusCode = o.StatusCode
		})
		return nil

	case Retryable:
		r, err := w.retry.Schedule(ctx, job, o.Err)
		if err != nil {
			w.logger.Error("retry scheduling failed, failing job",
				zap.Int64("job_id", job.ID),
				zap.Error(err),
			)
			return w.Settle(ctx, job, Permanent{Err: errors.Join(o.Err, err)})
		}
		retryAt := r.RetryAt
		w.emitJob(job, crawler.StatusPending, func(u *progress.JobUpdate) {
			u.Error = errorText(o.Err)
			u.NextRetry = &retryAt
		})
		return nil

	case Permanent:
		msg := errorText(o.Err)
		batchID, jobID := job.BatchID, job.ID
		if _, err := w.store.SaveFailedVersion(ctx, job.URL, msg, &batchID, &jobID, now); err != nil {
			w.logger.Error("save failed version",
				zap.Int64("job_id", job.ID),
				zap.String("url", job.URL),
				zap.Error(err),
			)
		}
		if err := w.store.FailJob(ctx, job.ID, msg, now); err != nil {
			return fmt.Errorf("fail job %d: %w", job.ID, err)
		}
		w.emitJob(job, crawler.StatusFailed, func(u *progress.JobUpdate) {
			u.Error = msg
		})
		return nil
	}
	return fmt.Errorf("unknown outcome %T", outcome)
}

// classify turns an attempt error into an outcome for job, whose attempt
// count already includes the current attempt.
func classify(job crawler.Job, err error) Outcome {
	if job.HasAttemptsLeft() {
		return Retryable{Err: err}
	}
	return Permanent{Err: err}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
