package services

import (
	"context"
	"fmt"
	"time"

	"ticket-engine/internal/store"
	"ticket-engine/models"
)

const (
	DefaultRelayInterval = 2 * time.Second
	DefaultRelayBatch    = 100
)

// Publisher hands one outbox event to the event sink.
type Publisher interface {
	Publish(ctx context.Context, ev *models.OutboxEvent) error
}

// EventRelay drains the outbox into a Publisher. Delivery is at least once: a
// crash between publish and MarkPublished resends the event.
type EventRelay struct {
	store     store.Store
	publisher Publisher
	interval  time.Duration
	batch     int
	options
}

func NewEventRelay(st store.Store, publisher Publisher, interval time.Duration, batch int, opts ...Option) *EventRelay {
	if interval <= 0 {
		interval = DefaultRelayInterval
	}
	if batch <= 0 {
		batch = DefaultRelayBatch
	}
	return &EventRelay{store: st, publisher: publisher, interval: interval, batch: batch, options: buildOptions(opts)}
}

func (r *EventRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Outbox relay started", "interval", r.interval.String())
	for {
		select {
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("Outbox flush stopped early", "error", err)
			}
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopping")
			return nil
		}
	}
}

// Flush publishes one batch in order and stops at the first failure so later
// events never overtake an earlier one.
func (r *EventRelay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.PendingEvents(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}
	r.monitor.SetOutboxBacklog(len(events))

	sent := 0
	for _, ev := range events {
		err := r.publisher.Publish(ctx, ev)
		r.monitor.TrackPublish(ev.Topic, err)
		if err != nil {
			return sent, fmt.Errorf("publish %s %s: %w", ev.Topic, ev.ID, err)
		}
		if err := r.store.MarkPublished(ctx, ev.ID, r.clock()); err != nil {
			return sent, fmt.Errorf("mark %s published: %w", ev.ID, err)
		}
		sent++
	}
	if sent > 0 {
		r.logger.Debug("Outbox flushed", "events", sent)
	}
	return sent, nil
}
