package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/models"
)

var transitions = map[models.TicketStatus][]models.TicketStatus{
	models.TicketAvailable: {models.TicketReserved, models.TicketCancelled, models.TicketVoid},
	models.TicketReserved: {
		models.TicketSold, models.TicketAvailable, models.TicketCancelled,
		models.TicketExpired, models.TicketVoid,
	},
	models.TicketSold: {
		models.TicketUsed, models.TicketTransferred, models.TicketRefunded,
		models.TicketCancelled, models.TicketExpired, models.TicketVoid,
	},
	models.TicketTransferred: {
		models.TicketUsed, models.TicketTransferred, models.TicketSold, models.TicketRefunded,
		models.TicketCancelled, models.TicketExpired, models.TicketVoid,
	},
}

// CanTransition reports whether the lifecycle allows from -> to. Used,
// refunded, cancelled, expired and void are terminal.
func CanTransition(from, to models.TicketStatus) bool {
	return slices.Contains(transitions[from], to)
}

type TicketHistory struct {
	Ticket      *models.Ticket             `json:"ticket"`
	Validations []*models.ValidationRecord `json:"validations"`
	Transfers   []*models.TransferRecord   `json:"transfers"`
	Ownership   []*models.OwnershipSpan    `json:"ownership"`
}

type statusChangedEvent struct {
	TicketID string              `json:"ticket_id"`
	From     models.TicketStatus `json:"from"`
	To       models.TicketStatus `json:"to"`
}

// TicketService owns the ticket status machine. Every status write in the
// engine goes through transition.
type TicketService struct {
	store store.Store
	options
}

func NewTicketService(st store.Store, opts ...Option) *TicketService {
	return &TicketService{store: st, options: buildOptions(opts)}
}

func (s *TicketService) Get(ctx context.Context, id string) (*models.Ticket, error) {
	return s.store.GetTicket(ctx, id)
}

func (s *TicketService) ListByOwner(ctx context.Context, userID string) ([]*models.Ticket, error) {
	return s.store.ListTicketsByOwner(ctx, userID)
}

func (s *TicketService) History(ctx context.Context, id string) (*TicketHistory, error) {
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	h := &TicketHistory{Ticket: t}
	if h.Validations, err = s.store.ListValidations(ctx, id); err != nil {
		return nil, err
	}
	if h.Transfers, err = s.store.ListTransfers(ctx, id); err != nil {
		return nil, err
	}
	if h.Ownership, err = s.store.ListOwnership(ctx, id); err != nil {
		return nil, err
	}
	return h, nil
}

// UpdateStatus is a compare-and-swap on the ticket status. A concurrent change
// surfaces as ErrStatusMismatch instead of being overwritten. Redemption and
// the sold/transferred cycle are not reachable here; only an entry scan marks
// a ticket used and only the transfer engine moves ownership.
func (s *TicketService) UpdateStatus(ctx context.Context, id string, from, to models.TicketStatus) (*models.Ticket, error) {
	if owner := reservedTransition(from, to); owner != "" {
		s.logger.Error("Rejected status change outside its owning component",
			"ticket_id", id, "from", string(from), "to", string(to), "owner", owner)
		return nil, fmt.Errorf("ticket %s: %s -> %s outside %s: %w", id, from, to, owner, status.ErrInvalidTransition)
	}
	if !CanTransition(from, to) {
		s.logger.Error("Rejected illegal ticket transition", "ticket_id", id, "from", string(from), "to", string(to))
		return nil, fmt.Errorf("ticket %s: %s -> %s: %w", id, from, to, status.ErrInvalidTransition)
	}

	now := s.clock()
	var out *models.Ticket
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.LockTicket(id)
		if err != nil {
			return err
		}
		if t.Status != from {
			return fmt.Errorf("ticket %s is %s, expected %s: %w", id, t.Status, from, status.ErrStatusMismatch)
		}
		if err := s.transition(tx, t, to, now); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// reservedTransition names the component that alone may perform from -> to,
// or returns "" when UpdateStatus may.
func reservedTransition(from, to models.TicketStatus) string {
	switch {
	case to == models.TicketUsed:
		return "entry validation"
	case to == models.TicketTransferred,
		from == models.TicketTransferred && to == models.TicketSold:
		return "transfer engine"
	}
	return ""
}

// RecordScan bumps the scan counters of an issued ticket under its row lock.
func (s *TicketService) RecordScan(ctx context.Context, id string, ts time.Time) (*models.Ticket, error) {
	var out *models.Ticket
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.LockTicket(id)
		if err != nil {
			return err
		}
		if !t.Status.Issued() {
			return fmt.Errorf("ticket %s is %s: %w", id, t.Status, status.ErrTicketNotEligible)
		}
		applyScan(t, ts)
		if err := tx.UpdateTicket(t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func applyScan(t *models.Ticket, ts time.Time) {
	t.ScanCount++
	if t.FirstScannedAt.IsZero() {
		t.FirstScannedAt = ts
	}
	t.LastScannedAt = ts
	t.UpdatedAt = ts
}

// transition validates and writes a status change on a ticket the caller has
// locked in tx. It mutates t and stages a status_changed event.
func (s *TicketService) transition(tx store.Tx, t *models.Ticket, to models.TicketStatus, now time.Time) error {
	from := t.Status
	if !CanTransition(from, to) {
		s.logger.Error("Rejected illegal ticket transition", "ticket_id", t.ID, "from", string(from), "to", string(to))
		return fmt.Errorf("ticket %s: %s -> %s: %w", t.ID, from, to, status.ErrInvalidTransition)
	}
	t.Status = to
	t.UpdatedAt = now
	if err := tx.UpdateTicket(t); err != nil {
		return err
	}
	return enqueue(tx, models.TopicTicketStatusChanged, t.ID, statusChangedEvent{
		TicketID: t.ID, From: from, To: to,
	}, now)
}
