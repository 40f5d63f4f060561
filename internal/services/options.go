package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ticket-engine/internal/store"
	"ticket-engine/models"
	"ticket-engine/monitoring"
)

type options struct {
	logger  *slog.Logger
	monitor *monitoring.Monitor
	now     func() time.Time
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMonitor(m *monitoring.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithClock replaces time.Now. Tests use it to pin the engine's notion of now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return o
}

func (o options) clock() time.Time {
	return o.now().UTC()
}

func newID() string {
	return uuid.NewString()
}

// newOrderedID returns a time-ordered id so rows created in one transaction
// sort in creation order.
func newOrderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// enqueue stages a domain event in the same transaction as the change it
// describes.
func enqueue(tx store.Tx, topic, aggregateID string, payload any, at time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	return tx.Enqueue(&models.OutboxEvent{
		ID:          newOrderedID(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     body,
		CreatedAt:   at,
	})
}
