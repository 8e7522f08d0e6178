package saga

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/ticket-saga/internal/idempotency"
	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

// RefundState is the payload of a refund saga.
type RefundState struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`

	EventID    string            `json:"event_id,omitempty"`
	SeatID     string            `json:"seat_id,omitempty"`
	Amount     decimal.Decimal   `json:"amount"`
	Allocation *model.Allocation `json:"allocation,omitempty"`
	Balance    decimal.Decimal   `json:"balance"`
}

// Refund returns a confirmed order: the seat is vacated, the credits paid
// go back to the buyer, and the order and its ticket are retired.
func Refund(d Deps) *Definition {
	return NewDefinition(model.SagaRefund,
		Step[RefundState]{
			Name: "load-order",
			Action: func(ctx context.Context, sc StepContext, s *RefundState) error {
				if s.OrderID == "" || s.UserID == "" {
					return fmt.Errorf("%w: order_id and user_id are required", repository.ErrInvalidInput)
				}
				o, err := d.Orders.Get(ctx, s.OrderID)
				if err != nil {
					return err
				}
				if o.UserID != s.UserID {
					return fmt.Errorf("%w: order belongs to another user", repository.ErrOrderNotFound)
				}
				if o.Status != model.OrderConfirmed {
					return fmt.Errorf("%w: order is %s", repository.ErrInvalidTransition, o.Status)
				}
				s.EventID, s.SeatID, s.Amount = o.EventID, o.SeatID, o.CreditsCharged
				return nil
			},
		},
		Step[RefundState]{
			Name: "release-seat",
			Action: func(ctx context.Context, sc StepContext, s *RefundState) error {
				a, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (model.Allocation, error) {
					return d.Inventory.Vacate(ctx, s.EventID, s.SeatID, s.UserID)
				})
				if err != nil {
					return err
				}
				s.Allocation = &a
				return nil
			},
			Compensate: func(ctx context.Context, sc StepContext, s *RefundState) error {
				if s.Allocation == nil {
					return nil
				}
				return d.Inventory.Restore(ctx, *s.Allocation)
			},
		},
		Step[RefundState]{
			Name: "refund-credits",
			Action: func(ctx context.Context, sc StepContext, s *RefundState) error {
				if !s.Amount.IsPositive() {
					return nil
				}
				bal, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (decimal.Decimal, error) {
					return d.Ledger.Refund(ctx, s.UserID, s.Amount)
				})
				if err != nil {
					return err
				}
				s.Balance = bal
				return nil
			},
			Compensate: func(ctx context.Context, sc StepContext, s *RefundState) error {
				if !s.Amount.IsPositive() {
					return nil
				}
				bal, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (decimal.Decimal, error) {
					return d.Ledger.Deduct(ctx, s.UserID, s.Amount)
				})
				if err != nil {
					return err
				}
				s.Balance = bal
				return nil
			},
		},
		Step[RefundState]{
			Name: "revoke-ticket",
			Action: func(ctx context.Context, sc StepContext, s *RefundState) error {
				return d.Tickets.Revoke(ctx, s.OrderID)
			},
			Compensate: func(ctx context.Context, sc StepContext, s *RefundState) error {
				return d.Tickets.Reinstate(ctx, s.OrderID)
			},
		},
		Step[RefundState]{
			Name: "mark-order-refunded",
			Action: func(ctx context.Context, sc StepContext, s *RefundState) error {
				return settleOrder(ctx, d, s.OrderID, model.OrderRefunded)
			},
		},
	)
}
