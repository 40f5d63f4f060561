package models

import (
	"time"
)

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationCompleted ReservationStatus = "completed"
	ReservationExpired   ReservationStatus = "expired"
	ReservationCancelled ReservationStatus = "cancelled"
)

func (s ReservationStatus) Terminal() bool {
	return s == ReservationCompleted || s == ReservationExpired || s == ReservationCancelled
}

type LineItem struct {
	TicketTypeID string `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
}

type Reservation struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	EventID          string            `json:"event_id"`
	Items            []LineItem        `json:"items"`
	Status           ReservationStatus `json:"status"`
	PaymentReference string            `json:"payment_reference,omitempty"`
	ExpiresAt        time.Time         `json:"expires_at"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CompletedAt      time.Time         `json:"completed_at,omitzero"`
}

func (r *Reservation) Clone() *Reservation {
	c := *r
	c.Items = append([]LineItem(nil), r.Items...)
	return &c
}

// TotalQuantity sums the quantities of all line items.
func (r *Reservation) TotalQuantity() int {
	n := 0
	for _, it := range r.Items {
		n += it.Quantity
	}
	return n
}
