package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"ticket-engine/internal/status"
	"ticket-engine/internal/store/sqlstore"
	"ticket-engine/models"
)

func newSQLEngine(t *testing.T) (*Engine, *testClock) {
	t.Helper()
	db, err := dbx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := sqlstore.Open(db, sqlstore.DialectSQLite, time.Second)
	require.NoError(t, err)
	require.NoError(t, sqlstore.Migrate(context.Background(), db))

	clk := &testClock{now: t0}
	e := NewEngine(st, EngineConfig{SweepBatchSize: 50}, WithClock(clk.Now))
	require.NoError(t, e.Inventory.RegisterTicketType(context.Background(), &models.TicketType{
		ID:                "tt-vip",
		EventID:           "evt-1",
		Name:              "VIP",
		TotalQuantity:     5,
		AvailableQuantity: 5,
		Price:             decimal.NewFromInt(250),
		EventStartsAt:     t0.Add(72 * time.Hour),
		IsTransferable:    true,
	}))
	return e, clk
}

func TestSQLEngine_Lifecycle(t *testing.T) {
	e, clk := newSQLEngine(t)
	ctx := context.Background()
	policy := models.DefaultPolicy()

	res, err := e.Reservations.CreateReservation(ctx, CreateReservationRequest{
		UserID: "user-1", EventID: "evt-1",
		Items: []models.LineItem{{TicketTypeID: "tt-vip", Quantity: 2}},
	}, policy)
	require.NoError(t, err)

	tt, err := e.Inventory.Availability(ctx, "tt-vip")
	require.NoError(t, err)
	assert.Equal(t, 3, tt.AvailableQuantity)

	tickets, err := e.Reservations.ConfirmPurchase(ctx, res.ID, "pay-1")
	require.NoError(t, err)
	require.Len(t, tickets, 2)

	rec, err := e.Transfers.Transfer(ctx, TransferRequest{
		TicketID: tickets[0].ID, FromUserID: "user-1", ToUserID: "user-2",
	}, policy)
	require.NoError(t, err)
	assert.Equal(t, models.TransferCompleted, rec.Status)

	clk.Set(tickets[0].EventStartsAt)
	scan, err := e.Entry.Scan(ctx, ScanRequest{TicketID: tickets[0].ID, Location: "gate-a"}, policy)
	require.NoError(t, err)
	assert.True(t, scan.EntryAllowed)

	h, err := e.Tickets.History(ctx, tickets[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "user-2", h.Ticket.OwnerUserID)
	assert.Equal(t, 1, h.Ticket.ScanCount)
	assert.Len(t, h.Ownership, 2)
	assert.Len(t, h.Validations, 1)
}

func TestSQLEngine_HoldExpiresAndReleases(t *testing.T) {
	e, clk := newSQLEngine(t)
	ctx := context.Background()

	res, err := e.Reservations.CreateReservation(ctx, CreateReservationRequest{
		UserID: "user-1", EventID: "evt-1",
		Items: []models.LineItem{{TicketTypeID: "tt-vip", Quantity: 5}},
	}, models.DefaultPolicy())
	require.NoError(t, err)

	clk.Advance(11 * time.Minute)
	n, err := e.Reservations.ExpireReservations(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tt, err := e.Inventory.Availability(ctx, "tt-vip")
	require.NoError(t, err)
	assert.Equal(t, 5, tt.AvailableQuantity)

	_, err = e.Reservations.ConfirmPurchase(ctx, res.ID, "pay-late")
	assert.ErrorIs(t, err, status.ErrReservationNotActive)
}

func TestSQLEngine_NoOversell(t *testing.T) {
	e, _ := newSQLEngine(t)

	const buyers = 8
	errs := make([]error, buyers)
	var wg sync.WaitGroup
	for i := range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Reservations.CreateReservation(context.Background(), CreateReservationRequest{
				UserID: "user-1", EventID: "evt-1",
				Items: []models.LineItem{{TicketTypeID: "tt-vip", Quantity: 1}},
			}, models.DefaultPolicy())
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, status.ErrInsufficientInventory)
	}
	assert.Equal(t, 5, ok)

	tt, err := e.Inventory.Availability(context.Background(), "tt-vip")
	require.NoError(t, err)
	assert.Equal(t, 0, tt.AvailableQuantity)
}
