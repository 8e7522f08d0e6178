// Package inventory is the seat reservation store.  A seat can carry at
// most one active hold; a hold blocks other holds until it is confirmed
// into a permanent allocation, released, or expired by the watcher.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

// Store is implemented by repository.SeatHoldRepo and repository.MemoryHolds.
type Store interface {
	InsertHold(ctx context.Context, h model.SeatHold) error
	GetHold(ctx context.Context, holdID string) (model.SeatHold, error)
	ConfirmHold(ctx context.Context, holdID, ownerID string, now time.Time) (model.Allocation, error)
	ReleaseHold(ctx context.Context, holdID string) (model.SeatHold, bool, error)
	ExpireHold(ctx context.Context, holdID string, now time.Time) (model.SeatHold, bool, error)
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]model.SeatHold, error)
	Allocation(ctx context.Context, eventID, seatID string) (model.Allocation, error)
	Reassign(ctx context.Context, eventID, seatID, from, to string) error
	DeleteAllocation(ctx context.Context, eventID, seatID, ownerID string) (model.Allocation, error)
	RestoreAllocation(ctx context.Context, a model.Allocation) error
}

// Scheduler arranges for an expiry notice to be delivered once a hold's
// TTL has passed.  queue.Publisher implements it with a dead-letter queue.
type Scheduler interface {
	ScheduleExpiry(ctx context.Context, h model.SeatHold) error
}

// HoldRequest describes a hold to take.  HoldID may be preset by callers
// that retry, so a repeated request finds the hold it already created.
type HoldRequest struct {
	HoldID  string
	EventID string
	SeatID  string
	SagaID  string
	UserID  string
	TTL     time.Duration
}

type Service struct {
	store Store
	sched Scheduler
	log   *zap.Logger
	now   func() time.Time
}

// NewService builds the inventory.  sched may be nil, in which case
// expiries are only found by polling.
func NewService(store Store, sched Scheduler, log *zap.Logger) *Service {
	return &Service{store: store, sched: sched, log: log.Named("inventory"), now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the clock used for hold timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Reserve places a purchase hold on a free seat.  It fails with
// ErrSeatUnavailable when the seat is held or owned.
func (s *Service) Reserve(ctx context.Context, req HoldRequest) (model.SeatHold, error) {
	return s.hold(ctx, req, model.HoldPurchase)
}

// HoldForTransfer places a transfer hold on a seat owned by req.UserID.
func (s *Service) HoldForTransfer(ctx context.Context, req HoldRequest) (model.SeatHold, error) {
	return s.hold(ctx, req, model.HoldTransfer)
}

func (s *Service) hold(ctx context.Context, req HoldRequest, kind model.HoldKind) (model.SeatHold, error) {
	if req.EventID == "" || req.SeatID == "" || req.UserID == "" {
		return model.SeatHold{}, fmt.Errorf("%w: event_id, seat_id and user_id are required", repository.ErrInvalidInput)
	}
	if req.TTL <= 0 {
		return model.SeatHold{}, fmt.Errorf("%w: hold ttl must be positive", repository.ErrInvalidInput)
	}
	if req.HoldID == "" {
		req.HoldID = uuid.NewString()
	}
	now := s.now()
	h := model.SeatHold{
		ID:        req.HoldID,
		EventID:   req.EventID,
		SeatID:    req.SeatID,
		SagaID:    req.SagaID,
		UserID:    req.UserID,
		Kind:      kind,
		Status:    model.HoldActive,
		HeldAt:    now,
		ExpiresAt: now.Add(req.TTL),
	}
	if err := s.store.InsertHold(ctx, h); err != nil {
		if prev, getErr := s.store.GetHold(ctx, req.HoldID); getErr == nil && prev.SagaID == req.SagaID {
			return prev, nil
		}
		return model.SeatHold{}, err
	}
	s.log.Info("seat held",
		zap.String("hold_id", h.ID), zap.String("event_id", h.EventID), zap.String("seat_id", h.SeatID),
		zap.String("kind", string(kind)), zap.Time("expires_at", h.ExpiresAt))

	if s.sched != nil {
		if err := s.sched.ScheduleExpiry(ctx, h); err != nil {
			s.log.Warn("expiry not scheduled, relying on polling", zap.String("hold_id", h.ID), zap.Error(err))
		}
	}
	return h, nil
}

// Hold returns a hold by id.
func (s *Service) Hold(ctx context.Context, holdID string) (model.SeatHold, error) {
	return s.store.GetHold(ctx, holdID)
}

// Confirm converts an active hold into the seat's allocation owned by
// ownerID.  An expired hold fails with ErrHoldExpired.  A delayed expiry
// notice still in flight is ignored later because the hold is no longer active.
func (s *Service) Confirm(ctx context.Context, holdID, ownerID string) (model.Allocation, error) {
	if ownerID == "" {
		return model.Allocation{}, fmt.Errorf("%w: owner is required", repository.ErrInvalidInput)
	}
	a, err := s.store.ConfirmHold(ctx, holdID, ownerID, s.now())
	if err != nil {
		return model.Allocation{}, err
	}
	s.log.Info("hold confirmed", zap.String("hold_id", holdID), zap.String("owner", ownerID))
	return a, nil
}

// Release gives the seat back.  Releasing an unknown, released or expired
// hold is a no-op so compensations can be repeated.
func (s *Service) Release(ctx context.Context, holdID string) (bool, error) {
	_, released, err := s.store.ReleaseHold(ctx, holdID)
	if errors.Is(err, repository.ErrHoldNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if released {
		s.log.Info("hold released", zap.String("hold_id", holdID))
	}
	return released, nil
}

// Expire marks a lapsed active hold expired, releasing the seat.  expired
// is false when the hold was already settled or is not yet due.
func (s *Service) Expire(ctx context.Context, holdID string) (model.SeatHold, bool, error) {
	h, expired, err := s.store.ExpireHold(ctx, holdID, s.now())
	if err != nil {
		return model.SeatHold{}, false, err
	}
	if expired {
		s.log.Info("hold expired", zap.String("hold_id", h.ID), zap.String("saga_id", h.SagaID))
	}
	return h, expired, nil
}

// Lapsed lists active holds that are past their expiry.
func (s *Service) Lapsed(ctx context.Context, limit int) ([]model.SeatHold, error) {
	return s.store.ListLapsed(ctx, s.now(), limit)
}

// Owner returns the allocation of a seat, or ErrNotAllocated.
func (s *Service) Owner(ctx context.Context, eventID, seatID string) (model.Allocation, error) {
	return s.store.Allocation(ctx, eventID, seatID)
}

// Reassign moves an owned seat between users.
func (s *Service) Reassign(ctx context.Context, eventID, seatID, from, to string) error {
	if err := s.store.Reassign(ctx, eventID, seatID, from, to); err != nil {
		return err
	}
	s.log.Info("seat reassigned", zap.String("event_id", eventID), zap.String("seat_id", seatID), zap.String("from", from), zap.String("to", to))
	return nil
}

// Vacate drops ownerID's allocation of a seat, making it available again.
// The removed allocation is returned so it can be restored.
func (s *Service) Vacate(ctx context.Context, eventID, seatID, ownerID string) (model.Allocation, error) {
	a, err := s.store.DeleteAllocation(ctx, eventID, seatID, ownerID)
	if err != nil {
		return model.Allocation{}, err
	}
	s.log.Info("seat vacated", zap.String("event_id", eventID), zap.String("seat_id", seatID), zap.String("owner", ownerID))
	return a, nil
}

// Restore puts back an allocation removed by Release or Vacate.
func (s *Service) Restore(ctx context.Context, a model.Allocation) error {
	return s.store.RestoreAllocation(ctx, a)
}
