package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
	"github.com/iliyamo/ticket-saga/internal/ticket"
)

// VerificationState is the payload of a door check.  The raw token is
// dropped once decoded.
type VerificationState struct {
	Token   string `json:"token,omitempty"`
	StaffID string `json:"staff_id"`

	OrderID   string        `json:"order_id,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	EventID   string        `json:"event_id,omitempty"`
	SeatID    string        `json:"seat_id,omitempty"`
	ExpiresAt time.Time     `json:"expires_at"`
	Checks    []CheckResult `json:"checks,omitempty"`
	Admitted  bool          `json:"admitted"`
}

type CheckResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Verification admits a ticket holder: decode the token, run the order,
// ownership and entry window checks in parallel, then mark the ticket used.
// Nothing in it mutates state before the last step, so it has no
// compensations.
func Verification(d Deps) *Definition {
	return NewDefinition(model.SagaVerification,
		Step[VerificationState]{
			Name: "decrypt-ticket-token",
			Action: func(ctx context.Context, sc StepContext, s *VerificationState) error {
				if s.Token == "" {
					return fmt.Errorf("%w: token is required", repository.ErrInvalidInput)
				}
				c, err := d.Tickets.Parse(ctx, s.Token)
				if err != nil {
					return err
				}
				s.Token = ""
				s.OrderID, s.UserID, s.EventID, s.SeatID = c.OrderID, c.Subject, c.EventID, c.SeatID
				if c.ExpiresAt != nil {
					s.ExpiresAt = c.ExpiresAt.Time
				}
				return nil
			},
		},
		Step[VerificationState]{
			Name: "parallel-check",
			Action: func(ctx context.Context, sc StepContext, s *VerificationState) error {
				return runChecks(ctx, s, []check{
					{"order-status", func(ctx context.Context) (bool, string, error) {
						o, err := d.Orders.Get(ctx, s.OrderID)
						if errors.Is(err, repository.ErrOrderNotFound) {
							return false, "order not found", nil
						}
						if err != nil {
							return false, "", err
						}
						if o.UserID != s.UserID || o.EventID != s.EventID || o.SeatID != s.SeatID {
							return false, "order does not match ticket", nil
						}
						if o.Status != model.OrderConfirmed {
							return false, "order is " + string(o.Status), nil
						}
						return true, "", nil
					}},
					{"seat-ownership", func(ctx context.Context) (bool, string, error) {
						a, err := d.Inventory.Owner(ctx, s.EventID, s.SeatID)
						if errors.Is(err, repository.ErrNotAllocated) {
							return false, "seat is not allocated", nil
						}
						if err != nil {
							return false, "", err
						}
						if a.OwnerID != s.UserID {
							return false, "seat belongs to another user", nil
						}
						return true, "", nil
					}},
					{"event-window", func(ctx context.Context) (bool, string, error) {
						ev, err := d.Catalog.Event(ctx, s.EventID)
						if err != nil {
							return false, "", err
						}
						if !ev.EntryOpen(d.now(), d.Entry) {
							return false, "entry is closed", nil
						}
						return true, "", nil
					}},
				})
			},
		},
		Step[VerificationState]{
			Name: "admit",
			Action: func(ctx context.Context, sc StepContext, s *VerificationState) error {
				c := ticket.Claims{OrderID: s.OrderID, SeatID: s.SeatID, EventID: s.EventID}
				c.ID, c.Subject = s.OrderID, s.UserID
				if !s.ExpiresAt.IsZero() {
					c.ExpiresAt = jwt.NewNumericDate(s.ExpiresAt)
				}
				if err := d.Tickets.Admit(ctx, c); err != nil {
					return err
				}
				s.Admitted = true
				return nil
			},
		},
	)
}

type check struct {
	name string
	fn   func(ctx context.Context) (ok bool, detail string, err error)
}

// runChecks runs every check concurrently.  An infrastructure error fails
// the step so it is retried; any failed check rejects the ticket.
func runChecks(ctx context.Context, s *VerificationState, checks []check) error {
	results := make([]CheckResult, len(checks))
	errs := make([]error, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, detail, err := c.fn(ctx)
			results[i] = CheckResult{Name: c.name, OK: ok, Detail: detail}
			errs[i] = err
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.Checks = results
	var failed []string
	for _, r := range results {
		if !r.OK {
			failed = append(failed, r.Name+": "+r.Detail)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ticket.ErrRejected, strings.Join(failed, "; "))
	}
	return nil
}
