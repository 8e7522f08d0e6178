package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/ticket-saga/internal/catalog"
	"github.com/iliyamo/ticket-saga/internal/idempotency"
	"github.com/iliyamo/ticket-saga/internal/inventory"
	"github.com/iliyamo/ticket-saga/internal/ledger"
	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/orders"
	"github.com/iliyamo/ticket-saga/internal/otp"
	"github.com/iliyamo/ticket-saga/internal/repository"
	"github.com/iliyamo/ticket-saga/internal/ticket"
)

// mailbox captures passcodes instead of delivering them.
type mailbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *mailbox) Send(_ context.Context, userID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[userID] = code
	return nil
}

func (m *mailbox) code(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[userID]
}

// faultyOrders fails status changes named in fail and passes everything
// else to the real service.
type faultyOrders struct {
	*orders.Service
	mu   sync.Mutex
	fail map[string]error
}

func (f *faultyOrders) failOn(id string, to model.OrderStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[id+">"+string(to)] = err
}

func (f *faultyOrders) UpdateStatus(ctx context.Context, id string, next model.OrderStatus) (model.Order, error) {
	f.mu.Lock()
	err := f.fail[id+">"+string(next)]
	f.mu.Unlock()
	if err != nil {
		return model.Order{}, err
	}
	return f.Service.UpdateStatus(ctx, id, next)
}

type world struct {
	orch    *Orchestrator
	ledger  *ledger.Service
	inv     *inventory.Service
	orders  *orders.Service
	faults  *faultyOrders
	tickets *ticket.Service
	events  *catalog.Memory
	mail    *mailbox
	now     time.Time
	mu      sync.Mutex
}

func (w *world) clock() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now
}

func (w *world) advance(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = w.now.Add(d)
}

var concertStart = time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)

func newWorld(t *testing.T) *world {
	t.Helper()
	log := zap.NewNop()
	w := &world{now: concertStart.Add(-24 * time.Hour), mail: &mailbox{codes: map[string]string{}}}
	kv := repository.NewMemoryKV()

	w.ledger = ledger.NewService(repository.NewMemoryAccounts(), log)
	w.inv = inventory.NewService(repository.NewMemoryHolds(), nil, log).WithClock(w.clock)
	w.orders = orders.NewService(repository.NewMemoryOrders(), log)
	w.faults = &faultyOrders{Service: w.orders, fail: map[string]error{}}
	w.tickets = ticket.NewService("door-secret", 48*time.Hour, ticket.NewBlocklist(kv), log)
	w.events = catalog.NewMemory(catalog.Event{
		ID:       "concert",
		Name:     "Concert",
		StartsAt: concertStart,
		PricingTiers: map[string]decimal.Decimal{
			"standard": decimal.RequireFromString("40"),
			"vip":      decimal.RequireFromString("120.50"),
		},
	})
	issuer := otp.NewIssuer(kv, w.mail, otp.Config{TTL: 5 * time.Minute, MaxAttempts: 3, BcryptCost: bcrypt.MinCost}, log)

	w.orch = New(repository.NewMemorySagas(), DefaultRetryPolicy, nil, log)
	w.orch.sleep = func(context.Context, time.Duration) error { return nil }
	w.orch.Register(Definitions(Deps{
		Ledger:    w.ledger,
		Inventory: w.inv,
		Orders:    w.faults,
		OTP:       issuer,
		Tickets:   w.tickets,
		Catalog:   w.events,
		Guard:     idempotency.NewGuard(kv, time.Hour, log),
		HoldTTL:   10 * time.Minute,
		Entry:     catalog.Window{OpensBefore: 2 * time.Hour, ClosesAfter: time.Hour},
		Now:       w.clock,
	})...)
	return w
}

func (w *world) open(t *testing.T, id, balance string) {
	t.Helper()
	_, err := w.ledger.Open(context.Background(), id, decimal.RequireFromString(balance))
	require.NoError(t, err)
}

func (w *world) balance(t *testing.T, id string) string {
	t.Helper()
	b, err := w.ledger.Balance(context.Background(), id)
	require.NoError(t, err)
	return b.StringFixed(2)
}

// buy runs a purchase to completion and returns its final state.
func (w *world) buy(t *testing.T, user, seat, tier string) PurchaseState {
	t.Helper()
	ctx := context.Background()
	inst, err := w.orch.Start(ctx, model.SagaPurchase, "", PurchaseState{UserID: user, EventID: "concert", SeatID: seat, Tier: tier})
	require.NoError(t, err)
	inst, err = w.orch.Resume(ctx, inst.ID, SignalPayment, struct{}{})
	require.NoError(t, err)
	require.Equal(t, model.SagaCompleted, inst.Status)
	s, err := Decode[PurchaseState](inst)
	require.NoError(t, err)
	return s
}
