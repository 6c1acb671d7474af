// Package events carries typed events between the monitor core and the
// downstream analyzer/fixer/reviewer/notifier workers, with at-least-once
// delivery over Redis Streams.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/prmonitor/core/internal/domain/port/driven"
)

const defaultStream = "pr-monitor-events"

// Config configures the Redis Streams connection.
type Config struct {
	RedisURL string // e.g. "redis://localhost:6379/0".
	Stream   string // defaults to "pr-monitor-events".
	MaxLen   int64  // approximate XADD MAXLEN trim; 0 disables trimming.
}

func (c Config) streamName() string {
	if c.Stream == "" {
		return defaultStream
	}
	return c.Stream
}

// Publisher is the Redis Streams implementation of the driven.EventPublisher
// port. It is safe for concurrent use by multiple goroutines, mirroring
// *redis.Client's own concurrency guarantee.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// Compile-time interface satisfaction check.
var _ driven.EventPublisher = (*Publisher)(nil)

// NewPublisher connects to Redis and returns a Publisher. The connection is
// verified with a PING before returning.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Publisher{client: client, stream: cfg.streamName(), maxLen: cfg.MaxLen}, nil
}

// NewPublisherFromClient wraps an already-constructed *redis.Client, used by
// tests to point the publisher at a miniredis instance.
func NewPublisherFromClient(client *redis.Client, cfg Config) *Publisher {
	return &Publisher{client: client, stream: cfg.streamName(), maxLen: cfg.MaxLen}
}

// Close releases the underlying Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Publish appends event to the stream via XADD. Redis Streams retain every
// entry until trimmed or acknowledged by every consumer group, giving
// at-least-once delivery: an entry delivered to a consumer that crashes
// before XACK stays in that consumer's pending-entries list and is returned
// again when the same consumer reads its pending entries (Consumer.Pending).
// Duplicate delivery is expected; consumers must be idempotent.
func (p *Publisher) Publish(ctx context.Context, event driven.Event) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	values := map[string]any{
		"event_id":       event.EventID,
		"event_type":     event.EventType,
		"correlation_id": event.CorrelationID,
		"occurred_at":    event.OccurredAt,
		"priority":       event.Priority,
		"payload":        string(payloadJSON),
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("%w: xadd to %s: %s", driven.ErrTransientIO, p.stream, err)
	}
	return nil
}

// EnsureConsumerGroup creates group on the configured stream starting from
// the beginning of the stream, tolerating the group already existing.
func (p *Publisher) EnsureConsumerGroup(ctx context.Context, group string) error {
	err := p.client.XGroupCreateMkStream(ctx, p.stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group %s on %s: %w", group, p.stream, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Stream exposes the underlying stream name, used by a Consumer constructed
// against the same Publisher's client.
func (p *Publisher) Stream() string { return p.stream }

// Client exposes the underlying Redis client so a Consumer can share the
// connection pool.
func (p *Publisher) Client() *redis.Client { return p.client }
