package memstore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

type tx struct {
	s      *Store
	ctx    context.Context
	held   map[string]chan struct{}
	undo   []func()
	staged []*models.OutboxEvent
}

func (t *tx) Context() context.Context { return t.ctx }

// lock acquires the row lock for key. Locks already held by this tx are
// re-entrant.
func (t *tx) lock(key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.s.rowLock(key)

	timer := time.NewTimer(t.s.lockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w", key, status.ErrLockTimeout)
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

func (t *tx) releaseLocks() {
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
}

func (t *tx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.staged = nil
}

func (t *tx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.outbox = append(t.s.outbox, t.staged...)
	t.undo = nil
	t.staged = nil
}

func (t *tx) LockTicketType(id string) (*models.TicketType, error) {
	if err := t.lock("ticket_type:" + id); err != nil {
		return nil, err
	}
	return t.s.GetTicketType(t.ctx, id)
}

func (t *tx) LockReservation(id string) (*models.Reservation, error) {
	if err := t.lock("reservation:" + id); err != nil {
		return nil, err
	}
	return t.s.GetReservation(t.ctx, id)
}

func (t *tx) LockTicket(id string) (*models.Ticket, error) {
	if err := t.lock("ticket:" + id); err != nil {
		return nil, err
	}
	return t.s.GetTicket(t.ctx, id)
}

func (t *tx) LockTransfer(id string) (*models.TransferRecord, error) {
	if err := t.lock("transfer:" + id); err != nil {
		return nil, err
	}
	return t.s.GetTransfer(t.ctx, id)
}

func (t *tx) GetTicketType(id string) (*models.TicketType, error) {
	return t.s.GetTicketType(t.ctx, id)
}

func (t *tx) UpdateTicketTypeAvailable(id string, available int, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tt, ok := t.s.ticketTypes[id]
	if !ok {
		return status.ErrTicketTypeNotFound
	}
	prev := tt.Clone()
	tt.AvailableQuantity = available
	tt.UpdatedAt = at
	t.undo = append(t.undo, func() { t.s.ticketTypes[id] = prev })
	return nil
}

func (t *tx) InsertReservation(r *models.Reservation) error {
	if err := t.lock("reservation:" + r.ID); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.reservations[r.ID]; ok {
		return fmt.Errorf("reservation %s: %w", r.ID, status.ErrConflict)
	}
	t.s.reservations[r.ID] = r.Clone()
	t.undo = append(t.undo, func() { delete(t.s.reservations, r.ID) })
	return nil
}

func (t *tx) UpdateReservation(r *models.Reservation) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.reservations[r.ID]
	if !ok {
		return status.ErrReservationNotFound
	}
	t.s.reservations[r.ID] = r.Clone()
	t.undo = append(t.undo, func() { t.s.reservations[r.ID] = prev })
	return nil
}

func (t *tx) InsertTicket(tk *models.Ticket) error {
	if err := t.lock("ticket:" + tk.ID); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.tickets[tk.ID]; ok {
		return fmt.Errorf("ticket %s: %w", tk.ID, status.ErrConflict)
	}
	t.s.tickets[tk.ID] = tk.Clone()
	t.undo = append(t.undo, func() { delete(t.s.tickets, tk.ID) })
	return nil
}

func (t *tx) UpdateTicket(tk *models.Ticket) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.tickets[tk.ID]
	if !ok {
		return status.ErrTicketNotFound
	}
	t.s.tickets[tk.ID] = tk.Clone()
	t.undo = append(t.undo, func() { t.s.tickets[tk.ID] = prev })
	return nil
}

func (t *tx) InsertValidation(v *models.ValidationRecord) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c := *v
	c.FraudFlags = slices.Clone(v.FraudFlags)
	n := len(t.s.validations[v.TicketID])
	t.s.validations[v.TicketID] = append(t.s.validations[v.TicketID], &c)
	t.undo = append(t.undo, func() {
		t.s.validations[v.TicketID] = t.s.validations[v.TicketID][:n]
	})
	return nil
}

func (t *tx) InsertTransfer(tr *models.TransferRecord) error {
	if err := t.lock("transfer:" + tr.ID); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.transfers[tr.ID]; ok {
		return fmt.Errorf("transfer %s: %w", tr.ID, status.ErrConflict)
	}
	t.s.transfers[tr.ID] = tr.Clone()
	n := len(t.s.byTicket[tr.TicketID])
	t.s.byTicket[tr.TicketID] = append(t.s.byTicket[tr.TicketID], tr.ID)
	t.undo = append(t.undo, func() {
		delete(t.s.transfers, tr.ID)
		t.s.byTicket[tr.TicketID] = t.s.byTicket[tr.TicketID][:n]
	})
	return nil
}

func (t *tx) UpdateTransfer(tr *models.TransferRecord) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.transfers[tr.ID]
	if !ok {
		return status.ErrTransferNotFound
	}
	t.s.transfers[tr.ID] = tr.Clone()
	t.undo = append(t.undo, func() { t.s.transfers[tr.ID] = prev })
	return nil
}

func (t *tx) PendingTransferForTicket(ticketID string) (*models.TransferRecord, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, id := range t.s.byTicket[ticketID] {
		if tr := t.s.transfers[id]; tr.Status == models.TransferPending {
			return tr.Clone(), nil
		}
	}
	return nil, nil
}

func (t *tx) OpenOwnership(span *models.OwnershipSpan) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c := *span
	n := len(t.s.ownership[span.TicketID])
	t.s.ownership[span.TicketID] = append(t.s.ownership[span.TicketID], &c)
	t.undo = append(t.undo, func() {
		t.s.ownership[span.TicketID] = t.s.ownership[span.TicketID][:n]
	})
	return nil
}

func (t *tx) CloseOwnership(ticketID string, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, sp := range t.s.ownership[ticketID] {
		if sp.EndedAt.IsZero() {
			sp.EndedAt = at
			t.undo = append(t.undo, func() { sp.EndedAt = time.Time{} })
		}
	}
	return nil
}

func (t *tx) Enqueue(ev *models.OutboxEvent) error {
	c := *ev
	t.staged = append(t.staged, &c)
	return nil
}
