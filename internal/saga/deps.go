package saga

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/ticket-saga/internal/catalog"
	"github.com/iliyamo/ticket-saga/internal/idempotency"
	"github.com/iliyamo/ticket-saga/internal/inventory"
	"github.com/iliyamo/ticket-saga/internal/ledger"
	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/orders"
	"github.com/iliyamo/ticket-saga/internal/repository"
	"github.com/iliyamo/ticket-saga/internal/ticket"
)

// The interfaces below are the parts of each service the step tables use.

type Ledger interface {
	Deduct(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error)
	Refund(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (ledger.TransferResult, error)
}

type Inventory interface {
	Reserve(ctx context.Context, req inventory.HoldRequest) (model.SeatHold, error)
	HoldForTransfer(ctx context.Context, req inventory.HoldRequest) (model.SeatHold, error)
	Confirm(ctx context.Context, holdID, ownerID string) (model.Allocation, error)
	Release(ctx context.Context, holdID string) (bool, error)
	Owner(ctx context.Context, eventID, seatID string) (model.Allocation, error)
	Reassign(ctx context.Context, eventID, seatID, from, to string) error
	Vacate(ctx context.Context, eventID, seatID, ownerID string) (model.Allocation, error)
	Restore(ctx context.Context, a model.Allocation) error
}

type Orders interface {
	Create(ctx context.Context, in orders.NewOrder) (model.Order, error)
	Get(ctx context.Context, id string) (model.Order, error)
	BySeat(ctx context.Context, eventID, seatID string) (model.Order, error)
	UpdateStatus(ctx context.Context, id string, next model.OrderStatus) (model.Order, error)
}

type Passcodes interface {
	Send(ctx context.Context, userID string) (string, error)
	Verify(ctx context.Context, sessionID, code string) (bool, error)
	Discard(ctx context.Context, sessionID string) error
}

type Tickets interface {
	Issue(o model.Order) (string, error)
	Parse(ctx context.Context, raw string) (ticket.Claims, error)
	Revoke(ctx context.Context, orderID string) error
	Reinstate(ctx context.Context, orderID string) error
	Admit(ctx context.Context, c ticket.Claims) error
}

// Deps wires the step tables to the services.
type Deps struct {
	Ledger    Ledger
	Inventory Inventory
	Orders    Orders
	OTP       Passcodes
	Tickets   Tickets
	Catalog   catalog.Source
	// Guard records step results under the step key.  Nil disables it.
	Guard   *idempotency.Guard
	HoldTTL time.Duration
	Entry   catalog.Window
	Now     func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Definitions returns every step table wired to d.
func Definitions(d Deps) []*Definition {
	return []*Definition{Purchase(d), Transfer(d), Verification(d), Refund(d), Reversal(d)}
}

var idSpace = uuid.MustParse("6f1c2a7e-3b0d-4c55-9a8e-2d4b7f0e91c3")

// derivedID turns a step key into a stable uuid, so a step that is run
// again after a crash creates the same row instead of a second one.
func derivedID(key string) string {
	return uuid.NewSHA1(idSpace, []byte(key)).String()
}

// createOrder inserts an order under a derived id, returning the existing
// row when an earlier attempt already created it.
func createOrder(ctx context.Context, d Deps, in orders.NewOrder) (model.Order, error) {
	o, err := d.Orders.Create(ctx, in)
	if errors.Is(err, repository.ErrConflict) {
		return d.Orders.Get(ctx, in.ID)
	}
	return o, err
}

// settleOrder moves an order to status to.  It succeeds without a write
// when the order is already there or in one of the tolerated states.
func settleOrder(ctx context.Context, d Deps, id string, to model.OrderStatus, tolerate ...model.OrderStatus) error {
	o, err := d.Orders.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.Status == to || slices.Contains(tolerate, o.Status) {
		return nil
	}
	_, err = d.Orders.UpdateStatus(ctx, id, to)
	return err
}

func release(ctx context.Context, d Deps, key, holdID string) error {
	_, err := idempotency.Do(ctx, d.Guard, key, func(ctx context.Context) (bool, error) {
		return d.Inventory.Release(ctx, holdID)
	})
	return err
}
