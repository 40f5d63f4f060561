package sqlstore

import (
	"context"
	"time"

	"github.com/pocketbase/dbx"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

type sqlTx struct {
	s   *Store
	ctx context.Context
	b   dbx.Builder
}

func (t *sqlTx) Context() context.Context { return t.ctx }

func (t *sqlTx) LockTicketType(id string) (*models.TicketType, error) {
	return getTicketType(t.ctx, t.b, id, t.s.forUpdate())
}

func (t *sqlTx) LockReservation(id string) (*models.Reservation, error) {
	return getReservation(t.ctx, t.b, id, t.s.forUpdate())
}

func (t *sqlTx) LockTicket(id string) (*models.Ticket, error) {
	return getTicket(t.ctx, t.b, id, t.s.forUpdate())
}

func (t *sqlTx) LockTransfer(id string) (*models.TransferRecord, error) {
	return getTransfer(t.ctx, t.b, id, t.s.forUpdate())
}

func (t *sqlTx) GetTicketType(id string) (*models.TicketType, error) {
	return getTicketType(t.ctx, t.b, id, "")
}

func (t *sqlTx) exec(q *dbx.Query, notFound error) error {
	res, err := q.WithContext(t.ctx).Execute()
	if err != nil {
		return mapErr(err, nil)
	}
	if notFound != nil {
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound
		}
	}
	return nil
}

func (t *sqlTx) UpdateTicketTypeAvailable(id string, available int, at time.Time) error {
	return t.exec(t.b.Update("ticket_types",
		dbx.Params{"available_quantity": available, "updated_at": nanos(at)},
		dbx.HashExp{"id": id},
	), status.ErrTicketTypeNotFound)
}

func (t *sqlTx) InsertReservation(r *models.Reservation) error {
	if err := t.exec(t.b.Insert("reservations", reservationParams(r)), nil); err != nil {
		return err
	}
	for _, it := range r.Items {
		err := t.exec(t.b.Insert("reservation_items", dbx.Params{
			"reservation_id": r.ID,
			"ticket_type_id": it.TicketTypeID,
			"quantity":       it.Quantity,
		}), nil)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) UpdateReservation(r *models.Reservation) error {
	return t.exec(t.b.Update("reservations", dbx.Params{
		"status":            string(r.Status),
		"payment_reference": r.PaymentReference,
		"updated_at":        nanos(r.UpdatedAt),
		"completed_at":      nanos(r.CompletedAt),
	}, dbx.HashExp{"id": r.ID}), status.ErrReservationNotFound)
}

func (t *sqlTx) InsertTicket(tk *models.Ticket) error {
	return t.exec(t.b.Insert("tickets", ticketParams(tk)), nil)
}

func (t *sqlTx) UpdateTicket(tk *models.Ticket) error {
	params := ticketParams(tk)
	delete(params, "id")
	return t.exec(t.b.Update("tickets", params, dbx.HashExp{"id": tk.ID}), status.ErrTicketNotFound)
}

func (t *sqlTx) InsertValidation(v *models.ValidationRecord) error {
	return t.exec(t.b.Insert("validations", validationParams(v)), nil)
}

func (t *sqlTx) InsertTransfer(tr *models.TransferRecord) error {
	return t.exec(t.b.Insert("transfers", transferParams(tr)), nil)
}

func (t *sqlTx) UpdateTransfer(tr *models.TransferRecord) error {
	params := transferParams(tr)
	delete(params, "id")
	return t.exec(t.b.Update("transfers", params, dbx.HashExp{"id": tr.ID}), status.ErrTransferNotFound)
}

func (t *sqlTx) PendingTransferForTicket(ticketID string) (*models.TransferRecord, error) {
	var rows []transferRow
	err := t.b.Select(transferColumns...).
		From("transfers").
		Where(dbx.HashExp{"ticket_id": ticketID, "status": string(models.TransferPending)}).
		OrderBy("created_at ASC").
		Limit(1).
		WithContext(t.ctx).
		All(&rows)
	if err != nil {
		return nil, mapErr(err, nil)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].model(), nil
}

func (t *sqlTx) OpenOwnership(span *models.OwnershipSpan) error {
	return t.exec(t.b.Insert("ownership_spans", dbx.Params{
		"id":           span.ID,
		"ticket_id":    span.TicketID,
		"user_id":      span.UserID,
		"acquired_via": span.AcquiredVia,
		"started_at":   nanos(span.StartedAt),
		"ended_at":     nanos(span.EndedAt),
	}), nil)
}

func (t *sqlTx) CloseOwnership(ticketID string, at time.Time) error {
	return t.exec(t.b.Update("ownership_spans",
		dbx.Params{"ended_at": nanos(at)},
		dbx.HashExp{"ticket_id": ticketID, "ended_at": 0},
	), nil)
}

func (t *sqlTx) Enqueue(ev *models.OutboxEvent) error {
	return t.exec(t.b.Insert("outbox", dbx.Params{
		"id":           ev.ID,
		"topic":        ev.Topic,
		"aggregate_id": ev.AggregateID,
		"payload":      string(ev.Payload),
		"created_at":   nanos(ev.CreatedAt),
		"published_at": 0,
	}), nil)
}
