package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/progress"
)

// LogSink emits structured logs for each progress event. It is useful
// during development or when no dashboard channel is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("progress event", eventFields(evt)...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func eventFields(evt progress.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("type", string(evt.Type)),
		zap.Time("ts", evt.TS),
	}
	switch {
	case evt.Job != nil:
		j := evt.Job
		fields = append(fields,
			zap.Int64("batch_id", j.BatchID),
			zap.Int64("job_id", j.JobID),
			zap.String("status", string(j.Status)),
			zap.String("url", j.URL),
			zap.Int("attempt", j.Attempt),
		)
		if j.Error != "" {
			fields = append(fields, zap.String("error", j.Error))
		}
		if j.SEOScore != nil {
			fields = append(fields, zap.Int("seo_score", *j.SEOScore))
		}
		if j.NextRetry != nil {
			fields = append(fields, zap.Time("next_retry", *j.NextRetry))
		}
		if j.Secondary {
			fields = append(fields, zap.Bool("secondary", true))
		}
	case evt.Batch != nil:
		b := evt.Batch
		fields = append(fields,
			zap.Int64("batch_id", b.BatchID),
			zap.String("status", string(b.Status)),
			zap.Int("completed", b.Completed),
			zap.Int("failed", b.Failed),
			zap.Int("total", b.Total),
			zap.Int("progress", b.Progress),
		)
	case evt.Optimization != nil:
		o := evt.Optimization
		fields = append(fields,
			zap.Int("current_concurrency", o.CurrentConcurrency),
			zap.Int("recommended_concurrency", o.RecommendedConcurrency),
			zap.String("reasoning", o.Reasoning),
		)
	}
	return fields
}
