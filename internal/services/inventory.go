package services

import (
	"context"
	"fmt"

	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/models"
)

// InventoryLedger owns the per-ticket-type capacity counters. TryReserve and
// Release run inside a caller's transaction so several line items commit or
// roll back together.
type InventoryLedger struct {
	store store.Store
	options
}

func NewInventoryLedger(st store.Store, opts ...Option) *InventoryLedger {
	return &InventoryLedger{store: st, options: buildOptions(opts)}
}

func (l *InventoryLedger) RegisterTicketType(ctx context.Context, tt *models.TicketType) error {
	switch {
	case tt.ID == "" || tt.EventID == "":
		return fmt.Errorf("ticket type needs id and event id: %w", status.ErrValidation)
	case tt.TotalQuantity < 0:
		return fmt.Errorf("ticket type %s: negative total: %w", tt.ID, status.ErrValidation)
	case !tt.Consistent():
		return fmt.Errorf("ticket type %s: available %d outside [0,%d]: %w",
			tt.ID, tt.AvailableQuantity, tt.TotalQuantity, status.ErrValidation)
	case tt.Price.IsNegative():
		return fmt.Errorf("ticket type %s: negative price: %w", tt.ID, status.ErrValidation)
	}

	now := l.clock()
	if tt.CreatedAt.IsZero() {
		tt.CreatedAt = now
	}
	tt.UpdatedAt = now

	if err := l.store.CreateTicketType(ctx, tt); err != nil {
		return fmt.Errorf("create ticket type %s: %w", tt.ID, err)
	}
	l.logger.Info("Ticket type registered",
		"ticket_type_id", tt.ID, "event_id", tt.EventID, "total_quantity", tt.TotalQuantity)
	return nil
}

func (l *InventoryLedger) Availability(ctx context.Context, ticketTypeID string) (*models.TicketType, error) {
	return l.store.GetTicketType(ctx, ticketTypeID)
}

// TryReserve debits quantity units under the type row lock. A shortfall
// returns ErrInsufficientInventory and writes nothing.
func (l *InventoryLedger) TryReserve(tx store.Tx, ticketTypeID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("quantity %d: %w", quantity, status.ErrValidation)
	}
	tt, err := l.lock(tx, ticketTypeID)
	if err != nil {
		return err
	}
	if tt.AvailableQuantity < quantity {
		l.monitor.TrackInventoryConflict(ticketTypeID)
		return fmt.Errorf("ticket type %s: requested %d, available %d: %w",
			ticketTypeID, quantity, tt.AvailableQuantity, status.ErrInsufficientInventory)
	}
	return tx.UpdateTicketTypeAvailable(ticketTypeID, tt.AvailableQuantity-quantity, l.clock())
}

// Release credits quantity units back. Crediting past the total means the
// counters are already wrong; that is reported, never clamped.
func (l *InventoryLedger) Release(tx store.Tx, ticketTypeID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("quantity %d: %w", quantity, status.ErrValidation)
	}
	tt, err := l.lock(tx, ticketTypeID)
	if err != nil {
		return err
	}
	if tt.AvailableQuantity+quantity > tt.TotalQuantity {
		l.logger.Error("Inventory release exceeds capacity",
			"ticket_type_id", ticketTypeID,
			"available_quantity", tt.AvailableQuantity,
			"total_quantity", tt.TotalQuantity,
			"quantity", quantity)
		return fmt.Errorf("ticket type %s: releasing %d onto %d/%d: %w",
			ticketTypeID, quantity, tt.AvailableQuantity, tt.TotalQuantity, status.ErrInventoryCorruption)
	}
	return tx.UpdateTicketTypeAvailable(ticketTypeID, tt.AvailableQuantity+quantity, l.clock())
}

func (l *InventoryLedger) lock(tx store.Tx, ticketTypeID string) (*models.TicketType, error) {
	tt, err := tx.LockTicketType(ticketTypeID)
	if err != nil {
		return nil, err
	}
	if !tt.Consistent() {
		l.logger.Error("Inventory counters out of range",
			"ticket_type_id", ticketTypeID,
			"available_quantity", tt.AvailableQuantity,
			"total_quantity", tt.TotalQuantity)
		return nil, fmt.Errorf("ticket type %s: available %d of %d: %w",
			ticketTypeID, tt.AvailableQuantity, tt.TotalQuantity, status.ErrInventoryCorruption)
	}
	return tt, nil
}
