package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ticket-engine/internal/credential"
	"ticket-engine/internal/store/memstore"
	"ticket-engine/models"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLedger struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeLedger) TransferOwnership(ctx context.Context, ticketID, fromUserID, toUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ticketID+":"+fromUserID+"->"+toUserID)
	return f.err
}

type testEnv struct {
	*Engine
	store  *memstore.Store
	clock  *testClock
	ledger *fakeLedger
	policy models.Policy
}

func setupTestEngine(t *testing.T) *testEnv {
	t.Helper()
	st := memstore.New(2 * time.Second)
	clk := &testClock{now: t0}
	ledger := &fakeLedger{}
	signer, err := credential.NewSigner([]byte("test-credential-secret-0123456789"))
	require.NoError(t, err)

	e := NewEngine(st, EngineConfig{SweepBatchSize: 100, Ledger: ledger, Signer: signer}, WithClock(clk.Now))
	return &testEnv{Engine: e, store: st, clock: clk, ledger: ledger, policy: models.DefaultPolicy()}
}

// addType provisions a transferable type for evt-1 whose event starts three
// days after t0.
func (env *testEnv) addType(t *testing.T, id string, total int) {
	t.Helper()
	require.NoError(t, env.Inventory.RegisterTicketType(context.Background(), &models.TicketType{
		ID:                id,
		EventID:           "evt-1",
		Name:              id,
		TotalQuantity:     total,
		AvailableQuantity: total,
		Price:             decimal.NewFromInt(100),
		EventStartsAt:     t0.Add(72 * time.Hour),
		IsTransferable:    true,
	}))
}

func (env *testEnv) available(t *testing.T, id string) int {
	t.Helper()
	tt, err := env.Inventory.Availability(context.Background(), id)
	require.NoError(t, err)
	return tt.AvailableQuantity
}

// buy reserves and confirms qty tickets of typeID for userID.
func (env *testEnv) buy(t *testing.T, userID, typeID string, qty int) []*models.Ticket {
	t.Helper()
	ctx := context.Background()
	res, err := env.Reservations.CreateReservation(ctx, CreateReservationRequest{
		UserID:  userID,
		EventID: "evt-1",
		Items:   []models.LineItem{{TicketTypeID: typeID, Quantity: qty}},
	}, env.policy)
	require.NoError(t, err)
	tickets, err := env.Reservations.ConfirmPurchase(ctx, res.ID, "pay-"+res.ID)
	require.NoError(t, err)
	require.Len(t, tickets, qty)
	return tickets
}

func (env *testEnv) topics(t *testing.T) []string {
	t.Helper()
	events, err := env.store.PendingEvents(context.Background(), 0)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, ev := range events {
		require.True(t, json.Valid(ev.Payload), ev.Topic)
		out = append(out, ev.Topic)
	}
	return out
}
