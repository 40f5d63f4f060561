// Package store defines the transactional storage contract the engine runs on.
//
// Every multi-step operation runs inside Store.InTx. The Lock* methods take a
// row-level exclusive lock that is held until the transaction ends; a wait
// longer than the store's lock timeout fails with status.ErrLockTimeout.
// Returning an error from the callback rolls back every write made through
// the Tx, including staged outbox events.
package store

import (
	"context"
	"time"

	"ticket-engine/models"
)

type Store interface {
	Reader

	InTx(ctx context.Context, fn func(tx Tx) error) error

	CreateTicketType(ctx context.Context, tt *models.TicketType) error

	PendingEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
}

type Reader interface {
	GetTicketType(ctx context.Context, id string) (*models.TicketType, error)
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	GetTransfer(ctx context.Context, id string) (*models.TransferRecord, error)

	ListTicketsByOwner(ctx context.Context, userID string) ([]*models.Ticket, error)
	ListTicketsByReservation(ctx context.Context, reservationID string) ([]*models.Ticket, error)
	ListValidations(ctx context.Context, ticketID string) ([]*models.ValidationRecord, error)
	ListTransfers(ctx context.Context, ticketID string) ([]*models.TransferRecord, error)
	ListOwnership(ctx context.Context, ticketID string) ([]*models.OwnershipSpan, error)

	// ExpiredReservationIDs returns active reservations with expires_at < now,
	// oldest first.
	ExpiredReservationIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ExpiredTransferIDs returns pending transfers with expires_at < now.
	ExpiredTransferIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Tx is a unit of work. It is only valid inside the InTx callback.
type Tx interface {
	Context() context.Context

	LockTicketType(id string) (*models.TicketType, error)
	LockReservation(id string) (*models.Reservation, error)
	LockTicket(id string) (*models.Ticket, error)
	LockTransfer(id string) (*models.TransferRecord, error)

	// GetTicketType reads a type row without locking it.
	GetTicketType(id string) (*models.TicketType, error)

	UpdateTicketTypeAvailable(id string, available int, at time.Time) error

	InsertReservation(r *models.Reservation) error
	UpdateReservation(r *models.Reservation) error

	InsertTicket(t *models.Ticket) error
	UpdateTicket(t *models.Ticket) error

	InsertValidation(v *models.ValidationRecord) error

	InsertTransfer(tr *models.TransferRecord) error
	UpdateTransfer(tr *models.TransferRecord) error
	// PendingTransferForTicket returns the pending transfer of a ticket, or nil.
	PendingTransferForTicket(ticketID string) (*models.TransferRecord, error)

	OpenOwnership(span *models.OwnershipSpan) error
	CloseOwnership(ticketID string, at time.Time) error

	Enqueue(ev *models.OutboxEvent) error
}
