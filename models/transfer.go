package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransferType string

const (
	TransferGift  TransferType = "gift"
	TransferSale  TransferType = "sale"
	TransferOther TransferType = "other"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferAccepted  TransferStatus = "accepted"
	TransferRejected  TransferStatus = "rejected"
	TransferCompleted TransferStatus = "completed"
	TransferCancelled TransferStatus = "cancelled"
	TransferExpired   TransferStatus = "expired"
)

type TransferRecord struct {
	ID            string           `json:"id"`
	TicketID      string           `json:"ticket_id"`
	FromUserID    string           `json:"from_user_id"`
	ToUserID      string           `json:"to_user_id"`
	TransferType  TransferType     `json:"transfer_type"`
	Status        TransferStatus   `json:"status"`
	TransferPrice *decimal.Decimal `json:"transfer_price,omitempty"`
	Message       string           `json:"message,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	CompletedAt   time.Time        `json:"completed_at,omitzero"`
	ExpiresAt     time.Time        `json:"expires_at,omitzero"`
}

func (tr *TransferRecord) Clone() *TransferRecord {
	c := *tr
	if tr.TransferPrice != nil {
		p := *tr.TransferPrice
		c.TransferPrice = &p
	}
	return &c
}

// OwnershipSpan is an audit row of who held a ticket and when. It is never
// consulted for authorization; Ticket.OwnerUserID is the source of truth.
type OwnershipSpan struct {
	ID          string    `json:"id"`
	TicketID    string    `json:"ticket_id"`
	UserID      string    `json:"user_id"`
	AcquiredVia string    `json:"acquired_via"` // purchase, transfer
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
}
