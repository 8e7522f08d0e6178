package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/inventory"
	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

type timeouts struct {
	calls []string
	err   error
}

func (t *timeouts) Timeout(_ context.Context, id, reason string) (model.SagaInstance, error) {
	t.calls = append(t.calls, id)
	return model.SagaInstance{ID: id, Status: model.SagaCompensated}, t.err
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup() (*Watcher, *inventory.Service, *timeouts, *clock) {
	c := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	inv := inventory.NewService(repository.NewMemoryHolds(), nil, zap.NewNop()).WithClock(c.now)
	ts := &timeouts{}
	return New(inv, ts, time.Second, zap.NewNop()), inv, ts, c
}

func hold(t *testing.T, inv *inventory.Service, seat, saga string) model.SeatHold {
	t.Helper()
	h, err := inv.Reserve(context.Background(), inventory.HoldRequest{
		EventID: "ev", SeatID: seat, SagaID: saga, UserID: "u", TTL: time.Minute,
	})
	require.NoError(t, err)
	return h
}

func TestHandleExpiryTimesOutSaga(t *testing.T) {
	ctx := context.Background()
	w, inv, ts, c := setup()
	h := hold(t, inv, "A1", "saga-1")

	require.NoError(t, w.HandleExpiry(ctx, h.ID))
	assert.Empty(t, ts.calls, "an early notice does nothing")

	c.t = c.t.Add(time.Minute)
	require.NoError(t, w.HandleExpiry(ctx, h.ID))
	assert.Equal(t, []string{"saga-1"}, ts.calls)

	require.NoError(t, w.HandleExpiry(ctx, h.ID))
	assert.Equal(t, []string{"saga-1", "saga-1"}, ts.calls, "a duplicate notice times out the saga again")
	assert.Zero(t, w.Pending())

	assert.NoError(t, w.HandleExpiry(ctx, "unknown"))
}

func TestConfirmedHoldIgnoresLateNotice(t *testing.T) {
	ctx := context.Background()
	w, inv, ts, c := setup()
	h := hold(t, inv, "A1", "saga-1")
	_, err := inv.Confirm(ctx, h.ID, "u")
	require.NoError(t, err)

	c.t = c.t.Add(time.Hour)
	require.NoError(t, w.HandleExpiry(ctx, h.ID))
	assert.Empty(t, ts.calls)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	w, inv, ts, c := setup()
	hold(t, inv, "A1", "saga-1")
	hold(t, inv, "A2", "saga-2")

	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.t = c.t.Add(2 * time.Minute)
	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"saga-1", "saga-2"}, ts.calls)

	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "expired holds are not swept twice")
}

func TestSweepReportsFailures(t *testing.T) {
	w, inv, ts, c := setup()
	ts.err = errors.New("store down")
	hold(t, inv, "A1", "saga-1")
	c.t = c.t.Add(2 * time.Minute)

	n, err := w.Sweep(context.Background())
	assert.Equal(t, 1, n)
	assert.Error(t, err)
	assert.Equal(t, 1, w.Pending())

	ts.err = nil
	n, err = w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the failed timeout is retried although the hold is no longer active")
	assert.Equal(t, []string{"saga-1", "saga-1"}, ts.calls)
	assert.Zero(t, w.Pending())

	n, err = w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedeliveredNoticeRetriesTimeout(t *testing.T) {
	ctx := context.Background()
	w, inv, ts, c := setup()
	h := hold(t, inv, "A1", "saga-1")
	c.t = c.t.Add(time.Minute)

	ts.err = errors.New("store down")
	require.Error(t, w.HandleExpiry(ctx, h.ID))

	ts.err = nil
	require.NoError(t, w.HandleExpiry(ctx, h.ID))
	assert.Equal(t, []string{"saga-1", "saga-1"}, ts.calls)
	assert.Zero(t, w.Pending())
}

func TestRunStopsWithContext(t *testing.T) {
	w, _, _, _ := setup()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, w.Run(ctx))
}
