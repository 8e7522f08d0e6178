// Package orders is the order ledger: purchase records and their status
// state machine.  Status changes are applied under a row lock and only
// along the edges allowed by model.OrderStatus.CanTransitionTo.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

// Store is implemented by repository.OrderRepo and repository.MemoryOrders.
type Store interface {
	Insert(ctx context.Context, o model.Order) error
	Get(ctx context.Context, id string) (model.Order, error)
	LatestBySeat(ctx context.Context, eventID, seatID string) (model.Order, error)
	ListByUser(ctx context.Context, userID string) ([]model.Order, error)
	Update(ctx context.Context, id string, fn func(*model.Order) error) (model.Order, error)
}

// NewOrder is the input of Create.  ID may be left empty to get a random one.
type NewOrder struct {
	ID              string
	UserID          string
	SeatID          string
	EventID         string
	CreditsCharged  decimal.Decimal
	Status          model.OrderStatus
	VerificationSID *string
}

type Service struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewService(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log.Named("orders"), now: func() time.Time { return time.Now().UTC() }}
}

// Create records a new order.  Orders start PENDING unless the caller has
// already settled payment and asks for CONFIRMED, in which case
// confirmed_at is stamped.
func (s *Service) Create(ctx context.Context, in NewOrder) (model.Order, error) {
	if in.UserID == "" || in.SeatID == "" || in.EventID == "" {
		return model.Order{}, fmt.Errorf("%w: user_id, seat_id and event_id are required", repository.ErrInvalidInput)
	}
	if in.CreditsCharged.IsNegative() {
		return model.Order{}, fmt.Errorf("%w: credits_charged must not be negative", repository.ErrInvalidAmount)
	}
	if in.Status == "" {
		in.Status = model.OrderPending
	}
	if in.Status != model.OrderPending && in.Status != model.OrderConfirmed {
		return model.Order{}, fmt.Errorf("%w: orders start PENDING or CONFIRMED, got %q", repository.ErrInvalidInput, in.Status)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := s.now()
	o := model.Order{
		ID:              in.ID,
		UserID:          in.UserID,
		SeatID:          in.SeatID,
		EventID:         in.EventID,
		CreditsCharged:  in.CreditsCharged,
		Status:          in.Status,
		VerificationSID: in.VerificationSID,
		CreatedAt:       now,
	}
	if o.Status == model.OrderConfirmed {
		o.ConfirmedAt = &now
	}
	if err := s.store.Insert(ctx, o); err != nil {
		return model.Order{}, err
	}
	s.log.Info("order created", zap.String("order_id", o.ID), zap.String("user_id", o.UserID), zap.String("status", string(o.Status)))
	return o, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Order, error) {
	return s.store.Get(ctx, id)
}

// BySeat returns the newest PENDING or CONFIRMED order for a seat.
func (s *Service) BySeat(ctx context.Context, eventID, seatID string) (model.Order, error) {
	return s.store.LatestBySeat(ctx, eventID, seatID)
}

func (s *Service) ByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.store.ListByUser(ctx, userID)
}

// UpdateStatus moves an order to next.  Illegal edges fail with
// ErrInvalidTransition and leave the order unchanged.
func (s *Service) UpdateStatus(ctx context.Context, id string, next model.OrderStatus) (model.Order, error) {
	if !next.Valid() {
		return model.Order{}, fmt.Errorf("%w: unknown status %q", repository.ErrInvalidInput, next)
	}
	var from model.OrderStatus
	o, err := s.store.Update(ctx, id, func(o *model.Order) error {
		from = o.Status
		if !o.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, o.Status, next)
		}
		o.Status = next
		if next == model.OrderConfirmed {
			now := s.now()
			o.ConfirmedAt = &now
		}
		return nil
	})
	if err != nil {
		return model.Order{}, err
	}
	s.log.Info("order status changed", zap.String("order_id", id), zap.String("from", string(from)), zap.String("to", string(next)))
	return o, nil
}
