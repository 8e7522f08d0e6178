package saga

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/ticket-saga/internal/idempotency"
	"github.com/iliyamo/ticket-saga/internal/ledger"
	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/orders"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

// ReversalState is the payload of a transfer reversal saga.  The first
// block is copied from the completed transfer.
type ReversalState struct {
	TransferID    string          `json:"transfer_id"`
	SellerID      string          `json:"seller_id"`
	BuyerID       string          `json:"buyer_id"`
	EventID       string          `json:"event_id"`
	SeatID        string          `json:"seat_id"`
	Price         decimal.Decimal `json:"price"`
	SellerOrderID string          `json:"seller_order_id"`
	BuyerOrderID  string          `json:"buyer_order_id"`
	Reason        string          `json:"reason,omitempty"`

	SellerPaid      decimal.Decimal `json:"seller_paid"`
	RestoredOrderID string          `json:"restored_order_id,omitempty"`
	Ticket          string          `json:"ticket,omitempty"`
}

// ReversalOf prepares the reversal of a completed transfer.
func ReversalOf(transfer model.SagaInstance, reason string) (ReversalState, error) {
	if transfer.Type != model.SagaTransfer {
		return ReversalState{}, fmt.Errorf("%w: saga %s is a %s", repository.ErrInvalidInput, transfer.ID, transfer.Type)
	}
	if transfer.Status != model.SagaCompleted {
		return ReversalState{}, fmt.Errorf("%w: transfer %s is %s", repository.ErrInvalidTransition, transfer.ID, transfer.Status)
	}
	t, err := Decode[TransferState](transfer)
	if err != nil {
		return ReversalState{}, fmt.Errorf("%w: %v", repository.ErrInvalidInput, err)
	}
	return ReversalState{
		TransferID:    transfer.ID,
		SellerID:      t.SellerID,
		BuyerID:       t.BuyerID,
		EventID:       t.EventID,
		SeatID:        t.SeatID,
		Price:         t.Price,
		SellerOrderID: t.SellerOrderID,
		BuyerOrderID:  t.BuyerOrderID,
		Reason:        reason,
	}, nil
}

// Reversal undoes a completed transfer after a dispute: the seat and the
// credits go back, the seller gets a fresh confirmed order and ticket, and
// the buyer's order is refunded.  It only runs while the buyer still holds
// the seat under the order the transfer issued.
func Reversal(d Deps) *Definition {
	return NewDefinition(model.SagaReversal,
		Step[ReversalState]{
			Name: "check-buyer-holds-seat",
			Action: func(ctx context.Context, sc StepContext, s *ReversalState) error {
				if s.TransferID == "" || s.BuyerOrderID == "" || s.SellerOrderID == "" {
					return fmt.Errorf("%w: transfer_id, buyer_order_id and seller_order_id are required", repository.ErrInvalidInput)
				}
				bo, err := d.Orders.Get(ctx, s.BuyerOrderID)
				if err != nil {
					return err
				}
				if bo.UserID != s.BuyerID || bo.Status != model.OrderConfirmed {
					return fmt.Errorf("%w: buyer order is %s", repository.ErrInvalidTransition, bo.Status)
				}
				a, err := d.Inventory.Owner(ctx, s.EventID, s.SeatID)
				if err != nil {
					return err
				}
				if a.OwnerID != s.BuyerID {
					return fmt.Errorf("%w: seat has moved on since the transfer", repository.ErrSeatUnavailable)
				}
				so, err := d.Orders.Get(ctx, s.SellerOrderID)
				if err != nil {
					return err
				}
				s.SellerPaid = so.CreditsCharged
				return nil
			},
		},
		Step[ReversalState]{
			Name: "reassign-seat-back",
			Action: func(ctx context.Context, sc StepContext, s *ReversalState) error {
				return d.Inventory.Reassign(ctx, s.EventID, s.SeatID, s.BuyerID, s.SellerID)
			},
			Compensate: func(ctx context.Context, sc StepContext, s *ReversalState) error {
				return d.Inventory.Reassign(ctx, s.EventID, s.SeatID, s.SellerID, s.BuyerID)
			},
		},
		Step[ReversalState]{
			Name: "reverse-credits",
			Action: func(ctx context.Context, sc StepContext, s *ReversalState) error {
				if !s.Price.IsPositive() {
					return nil
				}
				_, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (ledger.TransferResult, error) {
					return d.Ledger.Transfer(ctx, s.SellerID, s.BuyerID, s.Price)
				})
				return err
			},
			Compensate: func(ctx context.Context, sc StepContext, s *ReversalState) error {
				if !s.Price.IsPositive() {
					return nil
				}
				_, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (ledger.TransferResult, error) {
					return d.Ledger.Transfer(ctx, s.BuyerID, s.SellerID, s.Price)
				})
				return err
			},
		},
		Step[ReversalState]{
			Name: "revoke-buyer-ticket",
			Action: func(ctx context.Context, sc StepContext, s *ReversalState) error {
				return d.Tickets.Revoke(ctx, s.BuyerOrderID)
			},
			Compensate: func(ctx context.Context, sc StepContext, s *ReversalState) error {
				return d.Tickets.Reinstate(ctx, s.BuyerOrderID)
			},
		},
		Step[ReversalState]{
			Name: "restore-seller-order",
			Action: func(ctx context.Context, sc StepContext, s *ReversalState) error {
				o, err := createOrder(ctx, d, orders.NewOrder{
					ID:             derivedID(sc.Key),
					UserID:         s.SellerID,
					SeatID:         s.SeatID,
					EventID:        s.EventID,
					CreditsCharged: s.SellerPaid,
					Status:         model.OrderConfirmed,
				})
				if err != nil {
					return err
				}
				s.RestoredOrderID = o.ID
				s.Ticket, err = d.Tickets.Issue(o)
				return err
			},
			Compensate: func(ctx context.Context, sc StepContext, s *ReversalState) error {
				if err := settleOrder(ctx, d, s.RestoredOrderID, model.OrderRefunded); err != nil {
					return err
				}
				return d.Tickets.Revoke(ctx, s.RestoredOrderID)
			},
		},
		// Last, since a refunded order cannot be confirmed again.
		Step[ReversalState]{
			Name: "refund-buyer-order",
			Action: func(ctx context.Context, sc StepContext, s *ReversalState) error {
				return settleOrder(ctx, d, s.BuyerOrderID, model.OrderRefunded)
			},
		},
	)
}
