package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prmonitor/core/internal/domain/port/driven"
)

// Delivery wraps one redelivered driven.Event together with the stream ID a
// consumer must pass to Ack once processing completes.
type Delivery struct {
	ID    string
	Event driven.Event
}

// Consumer reads events from a stream's consumer group via XREADGROUP and
// acknowledges them via XACK. Analyzer, fixer, reviewer, and notifier
// workers each run their own Consumer against the same group name so the
// stream's pending-entries-list fans work out across worker replicas.
type Consumer struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
}

// NewConsumer creates a Consumer reading group on stream as identity
// consumerName. Call Publisher.EnsureConsumerGroup first so the group exists.
func NewConsumer(client *redis.Client, stream, group, consumerName string) *Consumer {
	return &Consumer{client: client, stream: stream, group: group, consumer: consumerName}
}

// Read blocks up to block for new entries (">", never-delivered-to-this-
// group) and returns them decoded. A zero block means "return immediately".
func (c *Consumer) Read(ctx context.Context, count int64, block time.Duration) ([]Delivery, error) {
	if block <= 0 {
		// go-redis sends BLOCK for any non-negative value, and BLOCK 0 waits
		// indefinitely; a negative value omits BLOCK entirely.
		block = -1
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: xreadgroup on %s/%s: %s", driven.ErrTransientIO, c.stream, c.group, err)
	}

	var deliveries []Delivery
	for _, stream := range res {
		for _, msg := range stream.Messages {
			event, err := decodeEvent(msg.Values)
			if err != nil {
				return deliveries, fmt.Errorf("decode message %s: %w", msg.ID, err)
			}
			deliveries = append(deliveries, Delivery{ID: msg.ID, Event: event})
		}
	}
	return deliveries, nil
}

// Pending re-reads entries already delivered to this consumer but never
// acknowledged (e.g. after a crash mid-processing), via XREADGROUP with "0".
func (c *Consumer) Pending(ctx context.Context, count int64) ([]Delivery, error) {
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, "0"},
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: xreadgroup pending on %s/%s: %s", driven.ErrTransientIO, c.stream, c.group, err)
	}

	var deliveries []Delivery
	for _, stream := range res {
		for _, msg := range stream.Messages {
			event, err := decodeEvent(msg.Values)
			if err != nil {
				return deliveries, fmt.Errorf("decode pending message %s: %w", msg.ID, err)
			}
			deliveries = append(deliveries, Delivery{ID: msg.ID, Event: event})
		}
	}
	return deliveries, nil
}

// Ack acknowledges id, removing it from the consumer group's pending-entries
// list. Callers must only ack after the event has been durably processed.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return fmt.Errorf("xack %s on %s/%s: %w", id, c.stream, c.group, err)
	}
	return nil
}

func decodeEvent(values map[string]any) (driven.Event, error) {
	var event driven.Event

	if v, ok := values["event_id"].(string); ok {
		event.EventID = v
	}
	if v, ok := values["event_type"].(string); ok {
		event.EventType = v
	}
	if v, ok := values["correlation_id"].(string); ok {
		event.CorrelationID = v
	}
	if v, ok := values["priority"].(string); ok {
		event.Priority = v
	}
	if v, ok := values["occurred_at"].(string); ok {
		occurredAt, err := parseRedisInt(v)
		if err != nil {
			return driven.Event{}, fmt.Errorf("parse occurred_at: %w", err)
		}
		event.OccurredAt = occurredAt
	}

	if v, ok := values["payload"].(string); ok && v != "" {
		if err := json.Unmarshal([]byte(v), &event.Payload); err != nil {
			return driven.Event{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}

	return event, nil
}

func parseRedisInt(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
