package model

import "time"

// HoldKind tells a purchase hold (free seat, becomes an allocation on
// confirm) apart from a transfer hold (owned seat, reassigned on confirm).
type HoldKind string

const (
	HoldPurchase HoldKind = "purchase"
	HoldTransfer HoldKind = "transfer"
)

// HoldStatus is the lifecycle of a seat hold.
type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldConfirmed HoldStatus = "confirmed"
	HoldReleased  HoldStatus = "released"
	HoldExpired   HoldStatus = "expired"
)

// SeatHold is a temporary claim on one seat of one event, taken by a
// running saga.  At most one active hold exists per (EventID, SeatID).  A
// hold that is not confirmed before ExpiresAt is expired by the watcher.
type SeatHold struct {
	ID        string     `json:"hold_id"`    // seat_holds.hold_id
	EventID   string     `json:"event_id"`   // seat_holds.event_id
	SeatID    string     `json:"seat_id"`    // seat_holds.seat_id
	SagaID    string     `json:"saga_id"`    // seat_holds.holder_saga_id
	UserID    string     `json:"user_id"`    // seat_holds.holder_user_id
	Kind      HoldKind   `json:"kind"`       // seat_holds.kind
	Status    HoldStatus `json:"status"`     // seat_holds.status
	HeldAt    time.Time  `json:"held_at"`    // seat_holds.held_at
	ExpiresAt time.Time  `json:"expires_at"` // seat_holds.expires_at
}

// Lapsed reports whether an active hold has passed its expiry at now.
func (h SeatHold) Lapsed(now time.Time) bool {
	return h.Status == HoldActive && !now.Before(h.ExpiresAt)
}

// Allocation is the permanent owner of a seat, created when a purchase hold
// is confirmed and moved when a transfer hold is confirmed.
type Allocation struct {
	EventID     string    `json:"event_id"`      // seat_allocations.event_id
	SeatID      string    `json:"seat_id"`       // seat_allocations.seat_id
	OwnerID     string    `json:"owner_user_id"` // seat_allocations.owner_user_id
	HoldID      string    `json:"hold_id"`       // seat_allocations.hold_id
	AllocatedAt time.Time `json:"allocated_at"`  // seat_allocations.allocated_at
}
