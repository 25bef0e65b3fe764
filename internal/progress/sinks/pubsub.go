package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/progress"
)

// PubSubSink publishes each event as a JSON message on a Pub/Sub topic. The
// event type and batch id are copied into attributes for subscription
// filters, and the trace context is propagated alongside them.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSubSink wraps a topic handle.
func NewPubSubSink(topic *pubsub.Topic) *PubSubSink {
	return &PubSubSink{topic: topic}
}

// Consume publishes the batch and waits for every server acknowledgement.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.topic == nil {
		return errors.New("pubsub topic is not configured")
	}
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", evt.Type, err)
		}
		msg := &pubsub.Message{Data: data, Attributes: eventAttributes(evt)}
		otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
		results = append(results, s.topic.Publish(ctx, msg))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %d of %d events: %w", len(errs), len(batch), errors.Join(errs...))
	}
	return nil
}

// Close flushes outstanding publishes.
func (s *PubSubSink) Close(context.Context) error {
	if s.topic != nil {
		s.topic.Stop()
	}
	return nil
}

func eventAttributes(evt progress.Event) map[string]string {
	attrs := map[string]string{"type": string(evt.Type)}
	switch {
	case evt.Job != nil:
		attrs["batch_id"] = strconv.FormatInt(evt.Job.BatchID, 10)
		attrs["job_id"] = strconv.FormatInt(evt.Job.JobID, 10)
		attrs["status"] = string(evt.Job.Status)
	case evt.Batch != nil:
		attrs["batch_id"] = strconv.FormatInt(evt.Batch.BatchID, 10)
		attrs["status"] = string(evt.Batch.Status)
	}
	return attrs
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
