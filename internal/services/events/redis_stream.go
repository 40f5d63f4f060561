package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ticket-engine/models"
)

const DefaultStreamMaxLen = 100_000

// RedisStreamSink appends events to one Redis stream, trimmed approximately
// to maxLen entries.
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Publish(ctx context.Context, ev *models.OutboxEvent) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: []any{
			"id", ev.ID,
			"topic", ev.Topic,
			"aggregate_id", ev.AggregateID,
			"occurred_at", ev.CreatedAt.UTC().Format(time.RFC3339Nano),
			"payload", string(ev.Payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Close leaves the client open; it is shared with the rest of the process.
func (s *RedisStreamSink) Close() error { return nil }
