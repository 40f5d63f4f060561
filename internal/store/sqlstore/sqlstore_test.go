package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := dbx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := Open(db, DialectSQLite, time.Second)
	require.NoError(t, err)
	require.NoError(t, Migrate(context.Background(), db))
	return s
}

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func TestTicketTypeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := &models.TicketType{
		ID: "tt-1", EventID: "evt-1", Name: "GA",
		TotalQuantity: 100, AvailableQuantity: 100,
		Price:         decimal.RequireFromString("45.50"),
		EventStartsAt: t0, ValidUntil: t0.Add(6 * time.Hour),
		IsTransferable: true, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.CreateTicketType(ctx, in))

	got, err := s.GetTicketType(ctx, "tt-1")
	require.NoError(t, err)
	assert.Equal(t, "GA", got.Name)
	assert.True(t, got.Price.Equal(in.Price))
	assert.True(t, got.EventStartsAt.Equal(t0))
	assert.True(t, got.ValidFrom.IsZero())
	assert.True(t, got.IsTransferable)

	_, err = s.GetTicketType(ctx, "missing")
	assert.ErrorIs(t, err, status.ErrTicketTypeNotFound)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestReservationWithItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTicketType(ctx, &models.TicketType{ID: "a", EventID: "e", TotalQuantity: 5, AvailableQuantity: 5}))
	require.NoError(t, s.CreateTicketType(ctx, &models.TicketType{ID: "b", EventID: "e", TotalQuantity: 5, AvailableQuantity: 5}))

	res := &models.Reservation{
		ID: "r-1", UserID: "u-1", EventID: "e",
		Items:  []models.LineItem{{TicketTypeID: "b", Quantity: 1}, {TicketTypeID: "a", Quantity: 2}},
		Status: models.ReservationActive, ExpiresAt: t0.Add(10 * time.Minute),
		CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertReservation(res)
	}))

	got, err := s.GetReservation(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, got.Status)
	assert.Equal(t, []models.LineItem{{TicketTypeID: "a", Quantity: 2}, {TicketTypeID: "b", Quantity: 1}}, got.Items)
	assert.Equal(t, 3, got.TotalQuantity())

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockReservation("r-1")
		if err != nil {
			return err
		}
		r.Status = models.ReservationExpired
		r.UpdatedAt = t0.Add(time.Hour)
		return tx.UpdateReservation(r)
	}))
	got, err = s.GetReservation(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationExpired, got.Status)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTicketType(ctx, &models.TicketType{ID: "a", EventID: "e", TotalQuantity: 5, AvailableQuantity: 5}))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateTicketTypeAvailable("a", 1, t0); err != nil {
			return err
		}
		if err := tx.Enqueue(&models.OutboxEvent{ID: "ev", Topic: "x", AggregateID: "a", Payload: []byte("{}"), CreatedAt: t0}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	tt, err := s.GetTicketType(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 5, tt.AvailableQuantity)

	events, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestInventoryCheckConstraint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateTicketType(ctx, &models.TicketType{ID: "over", EventID: "e", TotalQuantity: 2, AvailableQuantity: 3})
	assert.Error(t, err)

	require.NoError(t, s.CreateTicketType(ctx, &models.TicketType{ID: "a", EventID: "e", TotalQuantity: 5, AvailableQuantity: 5}))
	for _, available := range []int{-1, 6} {
		err := s.InTx(ctx, func(tx store.Tx) error {
			return tx.UpdateTicketTypeAvailable("a", available, t0)
		})
		assert.Error(t, err, "available %d", available)
	}

	tt, err := s.GetTicketType(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 5, tt.AvailableQuantity)
}

func TestInTxLockTimeout(t *testing.T) {
	db, err := dbx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := Open(db, DialectSQLite, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, Migrate(context.Background(), db))
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- s.InTx(ctx, func(tx store.Tx) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ran := false
	err = s.InTx(ctx, func(tx store.Tx) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, status.ErrLockTimeout)
	assert.False(t, ran)

	close(release)
	require.NoError(t, <-holderDone)
	assert.NoError(t, s.InTx(ctx, func(tx store.Tx) error { return nil }))
}

func TestTransferPriceNullable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	price := decimal.RequireFromString("55")

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertTransfer(&models.TransferRecord{
			ID: "tr-1", TicketID: "tk", FromUserID: "a", ToUserID: "b",
			TransferType: models.TransferGift, Status: models.TransferCompleted, CreatedAt: t0, UpdatedAt: t0,
		}); err != nil {
			return err
		}
		return tx.InsertTransfer(&models.TransferRecord{
			ID: "tr-2", TicketID: "tk", FromUserID: "b", ToUserID: "c",
			TransferType: models.TransferSale, Status: models.TransferPending, TransferPrice: &price,
			CreatedAt: t0.Add(time.Minute), UpdatedAt: t0.Add(time.Minute), ExpiresAt: t0.Add(time.Hour),
		})
	}))

	list, err := s.ListTransfers(ctx, "tk")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Nil(t, list[0].TransferPrice)
	require.NotNil(t, list[1].TransferPrice)
	assert.True(t, list[1].TransferPrice.Equal(price))

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		pending, err := tx.PendingTransferForTicket("tk")
		require.NoError(t, err)
		require.NotNil(t, pending)
		assert.Equal(t, "tr-2", pending.ID)
		return nil
	}))

	ids, err := s.ExpiredTransferIDs(ctx, t0.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"tr-2"}, ids)
}

func TestExpiredReservationIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		for _, r := range []*models.Reservation{
			{ID: "late", Status: models.ReservationActive, ExpiresAt: t0.Add(time.Minute)},
			{ID: "old", Status: models.ReservationActive, ExpiresAt: t0.Add(-2 * time.Minute)},
			{ID: "older", Status: models.ReservationActive, ExpiresAt: t0.Add(-3 * time.Minute)},
			{ID: "done", Status: models.ReservationCompleted, ExpiresAt: t0.Add(-time.Hour)},
		} {
			r.CreatedAt, r.UpdatedAt = t0, t0
			if err := tx.InsertReservation(r); err != nil {
				return err
			}
		}
		return nil
	}))

	ids, err := s.ExpiredReservationIDs(ctx, t0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"older", "old"}, ids)

	ids, err = s.ExpiredReservationIDs(ctx, t0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"older"}, ids)
}

func TestOutboxOrderAndMarkPublished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		for _, id := range []string{"01", "02", "03"} {
			if err := tx.Enqueue(&models.OutboxEvent{ID: id, Topic: "t", AggregateID: "a", Payload: []byte(`{"n":1}`), CreatedAt: t0}); err != nil {
				return err
			}
		}
		return nil
	}))

	events, err := s.PendingEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "01", events[0].ID)
	assert.JSONEq(t, `{"n":1}`, string(events[0].Payload))

	require.NoError(t, s.MarkPublished(ctx, "01", t0))
	events, err = s.PendingEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "02", events[0].ID)

	assert.ErrorIs(t, s.MarkPublished(ctx, "nope", t0), status.ErrNotFound)
}

func TestTicketValidationsAndOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTicketType(ctx, &models.TicketType{ID: "a", EventID: "e", TotalQuantity: 1, AvailableQuantity: 0}))

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertTicket(&models.Ticket{
			ID: "tk", ReservationID: "r", EventID: "e", TicketTypeID: "a",
			OwnerUserID: "alice", PurchaserUserID: "alice", Status: models.TicketSold,
			Price: decimal.NewFromInt(10), CreatedAt: t0, UpdatedAt: t0,
		}); err != nil {
			return err
		}
		if err := tx.OpenOwnership(&models.OwnershipSpan{ID: "s1", TicketID: "tk", UserID: "alice", AcquiredVia: "purchase", StartedAt: t0}); err != nil {
			return err
		}
		return tx.InsertValidation(&models.ValidationRecord{
			ID: "v1", TicketID: "tk", Result: models.ResultValid, EntryAllowed: true,
			FraudFlags: []string{models.FlagRapidScan, models.FlagRecentReentry}, ConfidenceScore: 0.5, ValidatedAt: t0,
		})
	}))

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		tk, err := tx.LockTicket("tk")
		if err != nil {
			return err
		}
		tk.OwnerUserID = "bob"
		tk.Status = models.TicketTransferred
		tk.TransferCount++
		if err := tx.UpdateTicket(tk); err != nil {
			return err
		}
		if err := tx.CloseOwnership("tk", t0.Add(time.Hour)); err != nil {
			return err
		}
		return tx.OpenOwnership(&models.OwnershipSpan{ID: "s2", TicketID: "tk", UserID: "bob", AcquiredVia: "transfer", StartedAt: t0.Add(time.Hour)})
	}))

	owned, err := s.ListTicketsByOwner(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, models.TicketTransferred, owned[0].Status)
	assert.Equal(t, "alice", owned[0].PurchaserUserID)
	assert.Equal(t, 1, owned[0].TransferCount)

	vals, err := s.ListValidations(ctx, "tk")
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, []string{models.FlagRapidScan, models.FlagRecentReentry}, vals[0].FraudFlags)
	assert.InDelta(t, 0.5, vals[0].ConfidenceScore, 1e-9)

	spans, err := s.ListOwnership(ctx, "tk")
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, "alice", spans[0].UserID)
	assert.True(t, spans[0].EndedAt.Equal(t0.Add(time.Hour)))
	assert.True(t, spans[1].EndedAt.IsZero())
}

func TestMapErr(t *testing.T) {
	assert.Nil(t, mapErr(nil, nil))
	assert.ErrorIs(t, mapErr(errors.New("database is locked (5) (SQLITE_BUSY)"), nil), status.ErrLockTimeout)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
