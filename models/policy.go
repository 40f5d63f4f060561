package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the business rules for one event or ticket type. The engine
// never stores it; callers resolve it and pass it into each operation.
type Policy struct {
	HoldDuration             time.Duration `json:"hold_duration"`
	MaxTicketsPerReservation int           `json:"max_tickets_per_reservation"`

	TransferDeadlineHours    float64       `json:"transfer_deadline_hours"`
	MaxTransfersPerTicket    int           `json:"max_transfers_per_ticket"` // 0 means no cap
	TransferRequiresApproval bool          `json:"transfer_requires_approval"`
	TransferAcceptWindow     time.Duration `json:"transfer_accept_window"`
	MaxResaleMarkupPercent   int           `json:"max_resale_markup_percent"` // negative disables the cap

	ReentryWindow   time.Duration `json:"reentry_window"`
	RapidScanWindow time.Duration `json:"rapid_scan_window"`
}

func DefaultPolicy() Policy {
	return Policy{
		HoldDuration:             10 * time.Minute,
		MaxTicketsPerReservation: 10,
		TransferDeadlineHours:    24,
		TransferAcceptWindow:     48 * time.Hour,
		MaxResaleMarkupPercent:   10,
		ReentryWindow:            15 * time.Minute,
		RapidScanWindow:          30 * time.Second,
	}
}

// ResaleCeiling returns the highest price a ticket with face value price may
// be resold for, and false when the policy sets no ceiling.
func (p Policy) ResaleCeiling(price decimal.Decimal) (decimal.Decimal, bool) {
	if p.MaxResaleMarkupPercent < 0 {
		return decimal.Zero, false
	}
	factor := decimal.NewFromInt(int64(100 + p.MaxResaleMarkupPercent)).Div(decimal.NewFromInt(100))
	return price.Mul(factor), true
}
