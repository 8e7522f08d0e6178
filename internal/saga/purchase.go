package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/ticket-saga/internal/idempotency"
	"github.com/iliyamo/ticket-saga/internal/inventory"
	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/orders"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

// SignalPayment resumes a purchase parked before the credit deduction.
const SignalPayment = "payment"

// PurchaseState is the payload of a purchase saga.
type PurchaseState struct {
	UserID  string          `json:"user_id"`
	EventID string          `json:"event_id"`
	SeatID  string          `json:"seat_id"`
	Tier    string          `json:"tier,omitempty"`
	Price   decimal.Decimal `json:"price"`

	HoldID        string          `json:"hold_id,omitempty"`
	HoldExpiresAt time.Time       `json:"hold_expires_at"`
	OrderID       string          `json:"order_id,omitempty"`
	Balance       decimal.Decimal `json:"balance"`
	Ticket        string          `json:"ticket,omitempty"`
}

// Purchase: price the seat, hold it, open a PENDING order, wait for the
// buyer to pay, then deduct credits, allocate the seat, confirm the order
// and issue the ticket.
func Purchase(d Deps) *Definition {
	return NewDefinition(model.SagaPurchase,
		Step[PurchaseState]{
			Name: "price-seat",
			Action: func(ctx context.Context, sc StepContext, s *PurchaseState) error {
				if s.UserID == "" || s.EventID == "" || s.SeatID == "" {
					return fmt.Errorf("%w: user_id, event_id and seat_id are required", repository.ErrInvalidInput)
				}
				ev, err := d.Catalog.Event(ctx, s.EventID)
				if err != nil {
					return err
				}
				s.Price, err = ev.Price(s.Tier)
				return err
			},
		},
		Step[PurchaseState]{
			Name: "reserve-seat",
			Action: func(ctx context.Context, sc StepContext, s *PurchaseState) error {
				h, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (model.SeatHold, error) {
					return d.Inventory.Reserve(ctx, inventory.HoldRequest{
						HoldID:  derivedID(sc.Key),
						EventID: s.EventID,
						SeatID:  s.SeatID,
						SagaID:  sc.SagaID,
						UserID:  s.UserID,
						TTL:     d.HoldTTL,
					})
				})
				if err != nil {
					return err
				}
				s.HoldID, s.HoldExpiresAt = h.ID, h.ExpiresAt
				return nil
			},
			Compensate: func(ctx context.Context, sc StepContext, s *PurchaseState) error {
				return release(ctx, d, sc.Key, s.HoldID)
			},
		},
		Step[PurchaseState]{
			Name: "open-order",
			Action: func(ctx context.Context, sc StepContext, s *PurchaseState) error {
				o, err := createOrder(ctx, d, orders.NewOrder{
					ID:             derivedID(sc.Key),
					UserID:         s.UserID,
					SeatID:         s.SeatID,
					EventID:        s.EventID,
					CreditsCharged: s.Price,
					Status:         model.OrderPending,
				})
				if err != nil {
					return err
				}
				s.OrderID = o.ID
				return nil
			},
			Compensate: func(ctx context.Context, sc StepContext, s *PurchaseState) error {
				return settleOrder(ctx, d, s.OrderID, model.OrderFailed, model.OrderRefunded)
			},
		},
		Step[PurchaseState]{
			Name:  "deduct-credits",
			Await: SignalPayment,
			Action: func(ctx context.Context, sc StepContext, s *PurchaseState) error {
				if !s.Price.IsPositive() {
					return nil
				}
				bal, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (decimal.Decimal, error) {
					return d.Ledger.Deduct(ctx, s.UserID, s.Price)
				})
				if err != nil {
					return err
				}
				s.Balance = bal
				return nil
			},
			Compensate: func(ctx context.Context, sc StepContext, s *PurchaseState) error {
				if !s.Price.IsPositive() {
					return nil
				}
				bal, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (decimal.Decimal, error) {
					return d.Ledger.Refund(ctx, s.UserID, s.Price)
				})
				if err != nil {
					return err
				}
				s.Balance = bal
				return nil
			},
		},
		Step[PurchaseState]{
			Name: "confirm-seat",
			Action: func(ctx context.Context, sc StepContext, s *PurchaseState) error {
				_, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (model.Allocation, error) {
					return d.Inventory.Confirm(ctx, s.HoldID, s.UserID)
				})
				return err
			},
			Compensate: func(ctx context.Context, sc StepContext, s *PurchaseState) error {
				return release(ctx, d, sc.Key, s.HoldID)
			},
		},
		Step[PurchaseState]{
			Name: "confirm-order",
			Action: func(ctx context.Context, sc StepContext, s *PurchaseState) error {
				return settleOrder(ctx, d, s.OrderID, model.OrderConfirmed)
			},
			Compensate: func(ctx context.Context, sc StepContext, s *PurchaseState) error {
				return settleOrder(ctx, d, s.OrderID, model.OrderRefunded)
			},
		},
		Step[PurchaseState]{
			Name: "issue-ticket",
			Action: func(ctx context.Context, sc StepContext, s *PurchaseState) error {
				o, err := d.Orders.Get(ctx, s.OrderID)
				if err != nil {
					return err
				}
				s.Ticket, err = d.Tickets.Issue(o)
				return err
			},
		},
	)
}
