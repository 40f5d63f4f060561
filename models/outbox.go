package models

import (
	"time"
)

// Topics published after a committed state transition.
const (
	TopicReservationCreated   = "reservation.created"
	TopicReservationExpired   = "reservation.expired"
	TopicReservationCancelled = "reservation.cancelled"
	TopicTicketsPurchased     = "tickets.purchased"
	TopicTicketTransferred    = "ticket.transferred"
	TopicTransferRequested    = "transfer.requested"
	TopicTicketStatusChanged  = "ticket.status_changed"
)

// OutboxEvent is written in the same transaction as the state change it
// describes and published afterwards, at least once.
type OutboxEvent struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	AggregateID string    `json:"aggregate_id"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
	PublishedAt time.Time `json:"published_at,omitzero"`
}
