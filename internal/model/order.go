package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a purchase record.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderFailed    OrderStatus = "FAILED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

// orderTransitions lists every legal edge of the order state machine.
// FAILED and REFUNDED are terminal.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderConfirmed, OrderFailed},
	OrderConfirmed: {OrderRefunded},
	OrderFailed:    nil,
	OrderRefunded:  nil,
}

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(orderTransitions[s]) == 0
}

// CanTransitionTo reports whether s -> next is a legal edge.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, t := range orderTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Order is a purchase record.  VerificationSID carries the OTP session that
// authorised the order when one was required (peer transfers).
type Order struct {
	ID              string          `json:"order_id"`
	UserID          string          `json:"user_id"`
	SeatID          string          `json:"seat_id"`
	EventID         string          `json:"event_id"`
	CreditsCharged  decimal.Decimal `json:"credits_charged"`
	Status          OrderStatus     `json:"status"`
	VerificationSID *string         `json:"verification_sid"`
	CreatedAt       time.Time       `json:"created_at"`
	ConfirmedAt     *time.Time      `json:"confirmed_at"`
}
