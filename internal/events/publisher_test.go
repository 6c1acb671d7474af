package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/prmonitor/core/internal/domain/port/driven"
	"github.com/prmonitor/core/internal/events"
)

func newTestPublisher(t *testing.T) (*events.Publisher, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return events.NewPublisherFromClient(client, events.Config{Stream: "test-events"}), client
}

func TestPublisher_PublishAppendsToStream(t *testing.T) {
	ctx := context.Background()
	pub, client := newTestPublisher(t)

	err := pub.Publish(ctx, driven.Event{
		EventID:       "evt-1",
		EventType:     "check.failed",
		CorrelationID: "pr-7",
		OccurredAt:    time.Now().UnixNano(),
		Priority:      "high",
		Payload:       map[string]any{"pr_id": float64(7), "check_name": "lint"},
	})
	require.NoError(t, err)

	length, err := client.XLen(ctx, "test-events").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, length)
}

func TestConsumer_ReadThenAckRemovesFromPending(t *testing.T) {
	ctx := context.Background()
	pub, client := newTestPublisher(t)

	require.NoError(t, pub.Publish(ctx, driven.Event{
		EventID:       "evt-2",
		EventType:     "fix.requested",
		CorrelationID: "pr-3",
		OccurredAt:    time.Now().UnixNano(),
		Priority:      "medium",
		Payload:       map[string]any{"pr_id": float64(3)},
	}))

	require.NoError(t, pub.EnsureConsumerGroup(ctx, "fixer-workers"))

	consumer := events.NewConsumer(client, pub.Stream(), "fixer-workers", "worker-1")
	deliveries, err := consumer.Read(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	delivered := deliveries[0]
	require.Equal(t, "fix.requested", delivered.Event.EventType)
	require.Equal(t, "pr-3", delivered.Event.CorrelationID)

	pending, err := consumer.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "unacked delivery must remain pending")

	require.NoError(t, consumer.Ack(ctx, deliveries[0].ID))

	pending, err = consumer.Pending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending, "acked delivery must no longer be pending")
}
