package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/progress"
)

// DefaultRedisChannel is the pub/sub channel dashboards subscribe to.
const DefaultRedisChannel = "crawl-events"

// RedisSink publishes events on a Redis pub/sub channel. Messages sent while
// nobody is subscribed are lost.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink builds a sink publishing to channel.
func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

// Consume publishes the batch in one pipeline round trip.
func (s *RedisSink) Consume(ctx context.Context, batch []progress.Event) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, evt := range batch {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", evt.Type, err)
		}
		pipe.Publish(ctx, s.channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to redis channel %s: %w", s.channel, err)
	}
	return nil
}

// Close implements the Sink interface. The client is owned by the caller.
func (s *RedisSink) Close(context.Context) error {
	return nil
}
