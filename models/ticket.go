package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketAvailable   TicketStatus = "available"
	TicketReserved    TicketStatus = "reserved"
	TicketSold        TicketStatus = "sold"
	TicketUsed        TicketStatus = "used"
	TicketTransferred TicketStatus = "transferred"
	TicketRefunded    TicketStatus = "refunded"
	TicketCancelled   TicketStatus = "cancelled"
	TicketExpired     TicketStatus = "expired"
	TicketVoid        TicketStatus = "void"
)

// Valid reports whether s is one of the known statuses.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketAvailable, TicketReserved, TicketSold, TicketUsed, TicketTransferred,
		TicketRefunded, TicketCancelled, TicketExpired, TicketVoid:
		return true
	}
	return false
}

// Issued reports whether the ticket is held by a buyer and not yet consumed.
func (s TicketStatus) Issued() bool {
	return s == TicketSold || s == TicketTransferred
}

type Ticket struct {
	ID               string          `json:"id"`
	ReservationID    string          `json:"reservation_id"`
	EventID          string          `json:"event_id"`
	TicketTypeID     string          `json:"ticket_type_id"`
	OwnerUserID      string          `json:"owner_user_id"`
	PurchaserUserID  string          `json:"purchaser_user_id"`
	Status           TicketStatus    `json:"status"`
	Price            decimal.Decimal `json:"price"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	ScanCount        int             `json:"scan_count"`
	FirstScannedAt   time.Time       `json:"first_scanned_at,omitzero"`
	LastScannedAt    time.Time       `json:"last_scanned_at,omitzero"`
	TransferCount    int             `json:"transfer_count"`
	EventStartsAt    time.Time       `json:"event_starts_at,omitzero"`
	ValidFrom        time.Time       `json:"valid_from,omitzero"`
	ValidUntil       time.Time       `json:"valid_until,omitzero"`
	EntryAllowedFrom time.Time       `json:"entry_allowed_from,omitzero"`
	EntryCutoff      time.Time       `json:"entry_cutoff,omitzero"`
	IsTransferable   bool            `json:"is_transferable"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Clone returns a copy safe to mutate without touching the original.
func (t *Ticket) Clone() *Ticket {
	c := *t
	return &c
}

// TicketType is the capacity counter tickets are issued from.
type TicketType struct {
	ID                string          `json:"id"`
	EventID           string          `json:"event_id"`
	Name              string          `json:"name"`
	TotalQuantity     int             `json:"total_quantity"`
	AvailableQuantity int             `json:"available_quantity"`
	Price             decimal.Decimal `json:"price"`
	EventStartsAt     time.Time       `json:"event_starts_at,omitzero"`
	ValidFrom         time.Time       `json:"valid_from,omitzero"`
	ValidUntil        time.Time       `json:"valid_until,omitzero"`
	EntryAllowedFrom  time.Time       `json:"entry_allowed_from,omitzero"`
	EntryCutoff       time.Time       `json:"entry_cutoff,omitzero"`
	IsTransferable    bool            `json:"is_transferable"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (tt *TicketType) Clone() *TicketType {
	c := *tt
	return &c
}

// Consistent reports whether the capacity counters satisfy 0 <= available <= total.
func (tt *TicketType) Consistent() bool {
	return tt.AvailableQuantity >= 0 && tt.AvailableQuantity <= tt.TotalQuantity
}
