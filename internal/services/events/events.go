// Package events delivers outbox rows to an external bus. Every sink is
// at-least-once; consumers dedupe on the envelope id.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"ticket-engine/config"
	"ticket-engine/models"
)

// Sink publishes one outbox event. It satisfies services.Publisher.
type Sink interface {
	Publish(ctx context.Context, ev *models.OutboxEvent) error
	Close() error
}

// Envelope is the wire form shared by every sink.
type Envelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

func NewEnvelope(ev *models.OutboxEvent) Envelope {
	payload := json.RawMessage(ev.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		ID:          ev.ID,
		Topic:       ev.Topic,
		AggregateID: ev.AggregateID,
		OccurredAt:  ev.CreatedAt,
		Payload:     payload,
	}
}

// FromConfig builds the sink named by EVENT_SINK. rdb is only needed for the
// redis sink.
func FromConfig(cfg *config.Config, rdb redis.Cmdable, logger *slog.Logger) (Sink, error) {
	switch cfg.EventSink {
	case "", "log":
		return NewLogSink(logger), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis event sink needs REDIS_URL")
		}
		return NewRedisStreamSink(rdb, cfg.RedisStream, 0), nil
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, fmt.Errorf("amqp event sink needs AMQP_URL")
		}
		return DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
	case "pubnub":
		if cfg.PubNubPublishKey == "" {
			return nil, fmt.Errorf("pubnub event sink needs PUBNUB_PUBLISH_KEY")
		}
		return NewPubNubSink(PubNubConfig{
			PublishKey:    cfg.PubNubPublishKey,
			SubscribeKey:  cfg.PubNubSubscribeKey,
			SecretKey:     cfg.PubNubSecretKey,
			UserID:        cfg.PubNubUserID,
			ChannelPrefix: cfg.PubNubChannelPrefix,
		}), nil
	}
	return nil, fmt.Errorf("unknown EVENT_SINK %q", cfg.EventSink)
}

// LogSink writes events to the structured log. Useful in development and as
// the fallback when no bus is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, ev *models.OutboxEvent) error {
	s.logger.InfoContext(ctx, "Domain event",
		"event_id", ev.ID,
		"topic", ev.Topic,
		"aggregate_id", ev.AggregateID,
		"payload", json.RawMessage(ev.Payload))
	return nil
}

func (s *LogSink) Close() error { return nil }
