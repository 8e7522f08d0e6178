// Package repository holds the data access layer: MySQL-backed stores for
// accounts, seat holds, orders and saga instances, Redis-backed stores for
// short-lived keys, and in-memory twins of each used by tests and by
// single-node deployments without Redis.
//
// The sentinel values below let higher layers such as handlers and the saga
// orchestrator tell failure scenarios apart with errors.Is.
package repository

import "errors"

var (
	// ErrInvalidInput is returned for malformed or missing request fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidAmount is returned when an amount is zero, negative or a
	// transfer names the same account twice.  Checked before any lock.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInsufficientFunds is returned when a debit would make a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAccountNotFound is returned when an account id does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is returned when opening an account that already exists.
	ErrAccountExists = errors.New("account already exists")

	// ErrInvalidTransition is returned for an illegal order status edge.
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrOrderNotFound     = errors.New("order not found")

	// ErrSeatUnavailable is returned when a seat already has an active hold
	// or an owner, or when a transfer hold names the wrong owner.
	ErrSeatUnavailable = errors.New("seat unavailable")
	ErrHoldNotFound    = errors.New("hold not found")
	ErrHoldExpired     = errors.New("hold expired")
	// ErrNotAllocated is returned when a seat has no permanent owner.
	ErrNotAllocated = errors.New("seat not allocated")

	ErrSagaNotFound    = errors.New("saga not found")
	ErrSessionNotFound = errors.New("otp session not found")
	// ErrKeyNotFound is returned by key-value stores for a missing or expired key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrConflict is returned when a write loses against concurrent state,
	// for example a duplicate idempotency key.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable wraps failures of an upstream dependency.
	ErrUnavailable = errors.New("upstream unavailable")
)
