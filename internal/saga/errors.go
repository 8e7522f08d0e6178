package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/iliyamo/ticket-saga/internal/catalog"
	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
	"github.com/iliyamo/ticket-saga/internal/ticket"
)

var (
	// ErrTimedOut is the failure cause of a saga stopped by Timeout, for
	// example because its seat hold expired while it waited for payment.
	ErrTimedOut = errors.New("saga timed out")
	// ErrOTPRejected is returned when either party of a transfer fails
	// passcode verification.
	ErrOTPRejected = errors.New("one-time passcode rejected")
	// ErrNotAwaiting is returned by Resume when the saga is not parked on
	// the given signal.
	ErrNotAwaiting = errors.New("saga is not awaiting this signal")
	// ErrUnknownType is returned by Start for an unregistered saga type.
	ErrUnknownType = errors.New("unknown saga type")
)

// Kind tells the orchestrator whether a failed step may be retried.
type Kind int

const (
	// KindTransient failures are retried with backoff.
	KindTransient Kind = iota
	// KindValidation failures are caused by the request and never retried.
	KindValidation
	// KindConflict failures are caused by current state (no funds, seat
	// taken, wrong status) and never retried.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	default:
		return "transient"
	}
}

var (
	validationErrs = []error{
		repository.ErrInvalidInput, repository.ErrInvalidAmount, repository.ErrAccountNotFound,
		repository.ErrOrderNotFound, repository.ErrHoldNotFound, repository.ErrSagaNotFound,
		catalog.ErrEventNotFound, ticket.ErrRejected, ErrOTPRejected, ErrUnknownType,
	}
	conflictErrs = []error{
		repository.ErrInsufficientFunds, repository.ErrInvalidTransition, repository.ErrSeatUnavailable,
		repository.ErrHoldExpired, repository.ErrNotAllocated, repository.ErrAccountExists,
		repository.ErrConflict, ErrTimedOut, ErrNotAwaiting,
	}
)

// Classify maps an error to its retry class.  Anything not known to be a
// validation or conflict error, including timeouts and unavailable
// dependencies, is transient.
func Classify(err error) Kind {
	for _, target := range validationErrs {
		if errors.Is(err, target) {
			return KindValidation
		}
	}
	for _, target := range conflictErrs {
		if errors.Is(err, target) {
			return KindConflict
		}
	}
	return KindTransient
}

// codes gives every known failure a stable, machine-readable name.  The
// code is persisted with a failed saga so replays of the outcome keep the
// original cause.
var codes = []struct {
	code string
	err  error
}{
	{"INVALID_AMOUNT", repository.ErrInvalidAmount},
	{"INSUFFICIENT_FUNDS", repository.ErrInsufficientFunds},
	{"ACCOUNT_NOT_FOUND", repository.ErrAccountNotFound},
	{"ACCOUNT_EXISTS", repository.ErrAccountExists},
	{"INVALID_TRANSITION", repository.ErrInvalidTransition},
	{"ORDER_NOT_FOUND", repository.ErrOrderNotFound},
	{"SEAT_UNAVAILABLE", repository.ErrSeatUnavailable},
	{"HOLD_NOT_FOUND", repository.ErrHoldNotFound},
	{"HOLD_EXPIRED", repository.ErrHoldExpired},
	{"NOT_ALLOCATED", repository.ErrNotAllocated},
	{"SAGA_NOT_FOUND", repository.ErrSagaNotFound},
	{"SESSION_NOT_FOUND", repository.ErrSessionNotFound},
	{"EVENT_NOT_FOUND", catalog.ErrEventNotFound},
	{"TICKET_REJECTED", ticket.ErrRejected},
	{"OTP_REJECTED", ErrOTPRejected},
	{"SAGA_TIMED_OUT", ErrTimedOut},
	{"NOT_AWAITING", ErrNotAwaiting},
	{"UNKNOWN_SAGA_TYPE", ErrUnknownType},
	{"CONFLICT", repository.ErrConflict},
	{"UPSTREAM_UNAVAILABLE", repository.ErrUnavailable},
	{"INVALID_INPUT", repository.ErrInvalidInput},
	{"UPSTREAM_TIMEOUT", context.DeadlineExceeded},
}

// Code returns the error code of err, or INTERNAL for unknown errors.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// storedError is a failure cause read back from a saga record.
type storedError struct {
	reason string
	cause  error
}

func (e *storedError) Error() string { return e.reason }
func (e *storedError) Unwrap() error { return e.cause }

func errorFor(code, reason string) error {
	for _, c := range codes {
		if c.code == code {
			return &storedError{reason: reason, cause: c.err}
		}
	}
	return errors.New(reason)
}

// FailedError reports a saga that did not complete.  Status is compensated
// when every completed step was undone, or failed when a compensation
// itself failed and RemediationStep needs manual attention.
type FailedError struct {
	SagaID          string
	Status          model.SagaStatus
	Step            string
	RemediationStep string
	Err             error
}

func (e *FailedError) Error() string {
	if e.RemediationStep != "" {
		return fmt.Sprintf("saga %s %s (remediate %s): %v", e.SagaID, e.Status, e.RemediationStep, e.Err)
	}
	return fmt.Sprintf("saga %s %s: %v", e.SagaID, e.Status, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// outcome turns a stored terminal instance back into the error its caller
// originally saw.
func outcome(inst model.SagaInstance) error {
	if inst.Status != model.SagaCompensated && inst.Status != model.SagaFailed {
		return nil
	}
	return &FailedError{
		SagaID:          inst.ID,
		Status:          inst.Status,
		Step:            failedStep(inst),
		RemediationStep: inst.RemediationStep,
		Err:             errorFor(inst.FailureCode, inst.FailureReason),
	}
}

func failedStep(inst model.SagaInstance) string {
	if inst.Current < len(inst.Steps) {
		return inst.Steps[inst.Current].Name
	}
	return ""
}
