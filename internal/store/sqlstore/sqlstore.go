// Package sqlstore implements store.Store on top of github.com/pocketbase/dbx.
//
// Two runners are supported. FromApp runs on the pocketbase application's
// SQLite database, where writes are serialized by the single writer
// connection. Open runs on a plain *dbx.DB; with DialectPostgres every Lock*
// call issues SELECT ... FOR UPDATE and lock waits are bounded by
// SET LOCAL lock_timeout.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/models"
)

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// runner abstracts where transactions come from.
type runner interface {
	reader() dbx.Builder
	inTx(ctx context.Context, fn func(b dbx.Builder) error) error
}

type Store struct {
	run         runner
	dialect     Dialect
	lockTimeout time.Duration
}

var _ store.Store = (*Store)(nil)

// Open wraps an existing dbx connection.
func Open(db *dbx.DB, dialect Dialect, lockTimeout time.Duration) (*Store, error) {
	if dialect == DialectSQLite {
		// one writer; in-memory databases also need every query on the same connection
		db.DB().SetMaxOpenConns(1)
		if lockTimeout > 0 {
			if _, err := db.NewQuery(fmt.Sprintf("PRAGMA busy_timeout = %d", lockTimeout.Milliseconds())).Execute(); err != nil {
				return nil, fmt.Errorf("set busy timeout: %w", err)
			}
		}
	}
	return &Store{run: dbRunner{db: db, acquireWait: lockTimeout}, dialect: dialect, lockTimeout: lockTimeout}, nil
}

// FromApp runs on the pocketbase app database.
func FromApp(app core.App) *Store {
	return &Store{run: appRunner{app: app}, dialect: DialectSQLite}
}

type dbRunner struct {
	db          *dbx.DB
	acquireWait time.Duration
}

func (r dbRunner) reader() dbx.Builder { return r.db }

// inTx pins a pooled connection before beginning. On SQLite the pool holds a
// single connection, so a competing writer waits here rather than in the busy
// handler; acquireWait bounds that wait.
func (r dbRunner) inTx(ctx context.Context, fn func(b dbx.Builder) error) error {
	conn, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	tx := r.db.Wrap(sqlTx)
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (r dbRunner) acquire(ctx context.Context) (*sql.Conn, error) {
	if r.acquireWait <= 0 {
		return r.db.DB().Conn(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, r.acquireWait)
	defer cancel()

	conn, err := r.db.DB().Conn(waitCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("no connection within %s: %w", r.acquireWait, status.ErrLockTimeout)
	}
	return conn, err
}

type appRunner struct {
	app core.App
}

func (r appRunner) reader() dbx.Builder { return r.app.DB() }

func (r appRunner) inTx(ctx context.Context, fn func(b dbx.Builder) error) error {
	return r.app.RunInTransaction(func(txApp core.App) error {
		return fn(txApp.DB())
	})
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := s.run.inTx(ctx, func(b dbx.Builder) error {
		if s.dialect == DialectPostgres && s.lockTimeout > 0 {
			q := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
			if _, err := b.NewQuery(q).WithContext(ctx).Execute(); err != nil {
				return fmt.Errorf("set lock timeout: %w", err)
			}
		}
		return fn(&sqlTx{s: s, ctx: ctx, b: b})
	})
	return mapErr(err, nil)
}

// mapErr translates driver errors into the status taxonomy. notFound is
// returned for sql.ErrNoRows when non-nil.
func mapErr(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) && notFound != nil {
		return notFound
	}
	if errors.Is(err, status.ErrLockTimeout) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03", "40P01":
			return fmt.Errorf("%s: %w", pqErr.Message, status.ErrLockTimeout)
		}
	}
	if msg := err.Error(); strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%s: %w", msg, status.ErrLockTimeout)
	}
	return err
}

// Ping checks the database answers.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.run.reader().NewQuery("SELECT 1").WithContext(ctx).Execute()
	return err
}

func (s *Store) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *Store) CreateTicketType(ctx context.Context, tt *models.TicketType) error {
	_, err := s.run.reader().Insert("ticket_types", ticketTypeParams(tt)).WithContext(ctx).Execute()
	return mapErr(err, nil)
}

func (s *Store) GetTicketType(ctx context.Context, id string) (*models.TicketType, error) {
	return getTicketType(ctx, s.run.reader(), id, "")
}

func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return getReservation(ctx, s.run.reader(), id, "")
}

func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	return getTicket(ctx, s.run.reader(), id, "")
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*models.TransferRecord, error) {
	return getTransfer(ctx, s.run.reader(), id, "")
}

func (s *Store) ListTicketsByOwner(ctx context.Context, userID string) ([]*models.Ticket, error) {
	return listTickets(ctx, s.run.reader(), dbx.HashExp{"owner_user_id": userID})
}

func (s *Store) ListTicketsByReservation(ctx context.Context, reservationID string) ([]*models.Ticket, error) {
	return listTickets(ctx, s.run.reader(), dbx.HashExp{"reservation_id": reservationID})
}

func (s *Store) ListValidations(ctx context.Context, ticketID string) ([]*models.ValidationRecord, error) {
	var rows []validationRow
	err := s.run.reader().Select(validationColumns...).
		From("validations").
		Where(dbx.HashExp{"ticket_id": ticketID}).
		OrderBy("validated_at ASC", "id ASC").
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, mapErr(err, nil)
	}
	out := make([]*models.ValidationRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

func (s *Store) ListTransfers(ctx context.Context, ticketID string) ([]*models.TransferRecord, error) {
	var rows []transferRow
	err := s.run.reader().Select(transferColumns...).
		From("transfers").
		Where(dbx.HashExp{"ticket_id": ticketID}).
		OrderBy("created_at ASC", "id ASC").
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, mapErr(err, nil)
	}
	out := make([]*models.TransferRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

func (s *Store) ListOwnership(ctx context.Context, ticketID string) ([]*models.OwnershipSpan, error) {
	var rows []ownershipRow
	err := s.run.reader().Select(ownershipColumns...).
		From("ownership_spans").
		Where(dbx.HashExp{"ticket_id": ticketID}).
		OrderBy("started_at ASC", "id ASC").
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, mapErr(err, nil)
	}
	out := make([]*models.OwnershipSpan, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

func (s *Store) ExpiredReservationIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	q := s.run.reader().Select("id").
		From("reservations").
		Where(dbx.HashExp{"status": string(models.ReservationActive)}).
		AndWhere(dbx.NewExp("expires_at < {:now}", dbx.Params{"now": now.UnixNano()})).
		OrderBy("expires_at ASC", "id ASC")
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	var ids []string
	if err := q.WithContext(ctx).Column(&ids); err != nil {
		return nil, mapErr(err, nil)
	}
	return ids, nil
}

func (s *Store) ExpiredTransferIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	q := s.run.reader().Select("id").
		From("transfers").
		Where(dbx.HashExp{"status": string(models.TransferPending)}).
		AndWhere(dbx.NewExp("expires_at > 0 AND expires_at < {:now}", dbx.Params{"now": now.UnixNano()})).
		OrderBy("expires_at ASC", "id ASC")
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	var ids []string
	if err := q.WithContext(ctx).Column(&ids); err != nil {
		return nil, mapErr(err, nil)
	}
	return ids, nil
}

// PendingEvents returns unpublished outbox rows in commit order. Event ids
// are time-ordered (UUIDv7) so id breaks ties within one transaction.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	q := s.run.reader().Select(outboxColumns...).
		From("outbox").
		Where(dbx.HashExp{"published_at": 0}).
		OrderBy("created_at ASC", "id ASC")
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	var rows []outboxRow
	if err := q.WithContext(ctx).All(&rows); err != nil {
		return nil, mapErr(err, nil)
	}
	out := make([]*models.OutboxEvent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id string, at time.Time) error {
	res, err := s.run.reader().Update("outbox",
		dbx.Params{"published_at": at.UnixNano()},
		dbx.HashExp{"id": id},
	).WithContext(ctx).Execute()
	if err != nil {
		return mapErr(err, nil)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox event %s: %w", id, status.ErrNotFound)
	}
	return nil
}

func getTicketType(ctx context.Context, b dbx.Builder, id, suffix string) (*models.TicketType, error) {
	var row ticketTypeRow
	q := "SELECT " + strings.Join(ticketTypeColumns, ", ") + " FROM ticket_types WHERE id = {:id}" + suffix
	if err := b.NewQuery(q).Bind(dbx.Params{"id": id}).WithContext(ctx).One(&row); err != nil {
		return nil, mapErr(err, status.ErrTicketTypeNotFound)
	}
	return row.model(), nil
}

func getReservation(ctx context.Context, b dbx.Builder, id, suffix string) (*models.Reservation, error) {
	var row reservationRow
	q := "SELECT " + strings.Join(reservationColumns, ", ") + " FROM reservations WHERE id = {:id}" + suffix
	if err := b.NewQuery(q).Bind(dbx.Params{"id": id}).WithContext(ctx).One(&row); err != nil {
		return nil, mapErr(err, status.ErrReservationNotFound)
	}
	var items []lineItemRow
	err := b.Select("ticket_type_id", "quantity").
		From("reservation_items").
		Where(dbx.HashExp{"reservation_id": id}).
		OrderBy("ticket_type_id ASC").
		WithContext(ctx).
		All(&items)
	if err != nil {
		return nil, mapErr(err, nil)
	}
	return row.model(items), nil
}

func getTicket(ctx context.Context, b dbx.Builder, id, suffix string) (*models.Ticket, error) {
	var row ticketRow
	q := "SELECT " + strings.Join(ticketColumns, ", ") + " FROM tickets WHERE id = {:id}" + suffix
	if err := b.NewQuery(q).Bind(dbx.Params{"id": id}).WithContext(ctx).One(&row); err != nil {
		return nil, mapErr(err, status.ErrTicketNotFound)
	}
	return row.model(), nil
}

func getTransfer(ctx context.Context, b dbx.Builder, id, suffix string) (*models.TransferRecord, error) {
	var row transferRow
	q := "SELECT " + strings.Join(transferColumns, ", ") + " FROM transfers WHERE id = {:id}" + suffix
	if err := b.NewQuery(q).Bind(dbx.Params{"id": id}).WithContext(ctx).One(&row); err != nil {
		return nil, mapErr(err, status.ErrTransferNotFound)
	}
	return row.model(), nil
}

func listTickets(ctx context.Context, b dbx.Builder, where dbx.Expression) ([]*models.Ticket, error) {
	var rows []ticketRow
	err := b.Select(ticketColumns...).
		From("tickets").
		Where(where).
		OrderBy("created_at ASC", "id ASC").
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, mapErr(err, nil)
	}
	out := make([]*models.Ticket, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}
