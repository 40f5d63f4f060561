// Package memstore is an in-memory store.Store keyed by id. Row locks are
// 1-buffered channels, so lock waits are bounded and cancellable the same way
// a database lock wait is. Uncommitted writes are visible to plain reads but
// never to another transaction's Lock* call.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/models"
)

const DefaultLockTimeout = 5 * time.Second

type Store struct {
	lockTimeout time.Duration

	mu           sync.Mutex
	rowLocks     map[string]chan struct{}
	ticketTypes  map[string]*models.TicketType
	reservations map[string]*models.Reservation
	tickets      map[string]*models.Ticket
	validations  map[string][]*models.ValidationRecord
	transfers    map[string]*models.TransferRecord
	byTicket     map[string][]string
	ownership    map[string][]*models.OwnershipSpan
	outbox       []*models.OutboxEvent
}

var _ store.Store = (*Store)(nil)

func New(lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Store{
		lockTimeout:  lockTimeout,
		rowLocks:     make(map[string]chan struct{}),
		ticketTypes:  make(map[string]*models.TicketType),
		reservations: make(map[string]*models.Reservation),
		tickets:      make(map[string]*models.Ticket),
		validations:  make(map[string][]*models.ValidationRecord),
		transfers:    make(map[string]*models.TransferRecord),
		byTicket:     make(map[string][]string),
		ownership:    make(map[string][]*models.OwnershipSpan),
	}
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	t := &tx{s: s, ctx: ctx, held: make(map[string]chan struct{})}
	defer t.releaseLocks()
	defer func() {
		if p := recover(); p != nil {
			t.rollback()
			panic(p)
		}
	}()

	if err = fn(t); err != nil {
		t.rollback()
		return err
	}
	t.commit()
	return nil
}

func (s *Store) rowLock(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.rowLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rowLocks[key] = ch
	}
	return ch
}

func (s *Store) CreateTicketType(ctx context.Context, tt *models.TicketType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ticketTypes[tt.ID]; ok {
		return fmt.Errorf("ticket type %s: %w", tt.ID, status.ErrConflict)
	}
	s.ticketTypes[tt.ID] = tt.Clone()
	return nil
}

func (s *Store) GetTicketType(ctx context.Context, id string) (*models.TicketType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt, ok := s.ticketTypes[id]
	if !ok {
		return nil, status.ErrTicketTypeNotFound
	}
	return tt.Clone(), nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, status.ErrReservationNotFound
	}
	return r.Clone(), nil
}

func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, status.ErrTicketNotFound
	}
	return t.Clone(), nil
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*models.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transfers[id]
	if !ok {
		return nil, status.ErrTransferNotFound
	}
	return tr.Clone(), nil
}

func (s *Store) ListTicketsByOwner(ctx context.Context, userID string) ([]*models.Ticket, error) {
	return s.listTickets(func(t *models.Ticket) bool { return t.OwnerUserID == userID }), nil
}

func (s *Store) ListTicketsByReservation(ctx context.Context, reservationID string) ([]*models.Ticket, error) {
	return s.listTickets(func(t *models.Ticket) bool { return t.ReservationID == reservationID }), nil
}

func (s *Store) listTickets(match func(*models.Ticket) bool) []*models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Ticket
	for _, t := range s.tickets {
		if match(t) {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Ticket) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) ListValidations(ctx context.Context, ticketID string) ([]*models.ValidationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ValidationRecord, 0, len(s.validations[ticketID]))
	for _, v := range s.validations[ticketID] {
		c := *v
		c.FraudFlags = slices.Clone(v.FraudFlags)
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) ListTransfers(ctx context.Context, ticketID string) ([]*models.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byTicket[ticketID]
	out := make([]*models.TransferRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.transfers[id].Clone())
	}
	return out, nil
}

func (s *Store) ListOwnership(ctx context.Context, ticketID string) ([]*models.OwnershipSpan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.OwnershipSpan, 0, len(s.ownership[ticketID]))
	for _, sp := range s.ownership[ticketID] {
		c := *sp
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) ExpiredReservationIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	var due []*models.Reservation
	for _, r := range s.reservations {
		if r.Status == models.ReservationActive && r.ExpiresAt.Before(now) {
			due = append(due, r)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(due, func(a, b *models.Reservation) int {
		if c := a.ExpiresAt.Compare(b.ExpiresAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return firstIDs(due, limit, func(r *models.Reservation) string { return r.ID }), nil
}

func (s *Store) ExpiredTransferIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	var due []*models.TransferRecord
	for _, tr := range s.transfers {
		if tr.Status == models.TransferPending && !tr.ExpiresAt.IsZero() && tr.ExpiresAt.Before(now) {
			due = append(due, tr)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(due, func(a, b *models.TransferRecord) int {
		if c := a.ExpiresAt.Compare(b.ExpiresAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return firstIDs(due, limit, func(tr *models.TransferRecord) string { return tr.ID }), nil
}

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.OutboxEvent
	for _, ev := range s.outbox {
		if !ev.PublishedAt.IsZero() {
			continue
		}
		c := *ev
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.outbox {
		if ev.ID == id {
			ev.PublishedAt = at
			return nil
		}
	}
	return fmt.Errorf("outbox event %s: %w", id, status.ErrNotFound)
}

func firstIDs[T any](rows []T, limit int, id func(T) string) []string {
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, id(r))
	}
	return out
}
