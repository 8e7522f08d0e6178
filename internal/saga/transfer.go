package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/ticket-saga/internal/idempotency"
	"github.com/iliyamo/ticket-saga/internal/inventory"
	"github.com/iliyamo/ticket-saga/internal/ledger"
	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/orders"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

// SignalOTPCodes resumes a transfer parked for both parties' passcodes.
const SignalOTPCodes = "otp-codes"

// TransferState is the payload of a seat transfer saga.
type TransferState struct {
	SellerID string          `json:"seller_id"`
	BuyerID  string          `json:"buyer_id"`
	EventID  string          `json:"event_id"`
	SeatID   string          `json:"seat_id"`
	Price    decimal.Decimal `json:"price"`

	SellerOrderID string `json:"seller_order_id,omitempty"`
	HoldID        string `json:"hold_id,omitempty"`
	SellerSession string `json:"seller_session,omitempty"`
	BuyerSession  string `json:"buyer_session,omitempty"`
	BuyerOrderID  string `json:"buyer_order_id,omitempty"`
	Ticket        string `json:"ticket,omitempty"`
}

// OTPCodes is the input of SignalOTPCodes.
type OTPCodes struct {
	SellerCode string `json:"seller_code"`
	BuyerCode  string `json:"buyer_code"`
}

type otpSessions struct {
	Seller string `json:"seller"`
	Buyer  string `json:"buyer"`
}

// Transfer moves an owned seat from seller to buyer.  Both parties confirm
// with a one-time passcode before any credits or ownership move.
func Transfer(d Deps) *Definition {
	return NewDefinition(model.SagaTransfer,
		Step[TransferState]{
			Name: "hold-seat-for-transfer",
			Action: func(ctx context.Context, sc StepContext, s *TransferState) error {
				switch {
				case s.SellerID == "" || s.BuyerID == "" || s.EventID == "" || s.SeatID == "":
					return fmt.Errorf("%w: seller_id, buyer_id, event_id and seat_id are required", repository.ErrInvalidInput)
				case s.SellerID == s.BuyerID:
					return fmt.Errorf("%w: seller and buyer must differ", repository.ErrInvalidInput)
				case s.Price.IsNegative() || !s.Price.Equal(s.Price.Round(2)):
					return fmt.Errorf("%w: price %s", repository.ErrInvalidAmount, s.Price)
				}
				o, err := d.Orders.BySeat(ctx, s.EventID, s.SeatID)
				if errors.Is(err, repository.ErrOrderNotFound) {
					return fmt.Errorf("%w: seat has no confirmed order", repository.ErrNotAllocated)
				}
				if err != nil {
					return err
				}
				if o.UserID != s.SellerID || o.Status != model.OrderConfirmed {
					return fmt.Errorf("%w: seller does not hold a confirmed order for this seat", repository.ErrSeatUnavailable)
				}
				s.SellerOrderID = o.ID

				h, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (model.SeatHold, error) {
					return d.Inventory.HoldForTransfer(ctx, inventory.HoldRequest{
						HoldID:  derivedID(sc.Key),
						EventID: s.EventID,
						SeatID:  s.SeatID,
						SagaID:  sc.SagaID,
						UserID:  s.SellerID,
						TTL:     d.HoldTTL,
					})
				})
				if err != nil {
					return err
				}
				s.HoldID = h.ID
				return nil
			},
			Compensate: func(ctx context.Context, sc StepContext, s *TransferState) error {
				return release(ctx, d, sc.Key, s.HoldID)
			},
		},
		Step[TransferState]{
			Name: "send-otps",
			Action: func(ctx context.Context, sc StepContext, s *TransferState) error {
				sess, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (otpSessions, error) {
					seller, err := d.OTP.Send(ctx, s.SellerID)
					if err != nil {
						return otpSessions{}, err
					}
					buyer, err := d.OTP.Send(ctx, s.BuyerID)
					if err != nil {
						_ = d.OTP.Discard(ctx, seller)
						return otpSessions{}, err
					}
					return otpSessions{Seller: seller, Buyer: buyer}, nil
				})
				if err != nil {
					return err
				}
				s.SellerSession, s.BuyerSession = sess.Seller, sess.Buyer
				return nil
			},
			Compensate: func(ctx context.Context, sc StepContext, s *TransferState) error {
				return errors.Join(d.OTP.Discard(ctx, s.SellerSession), d.OTP.Discard(ctx, s.BuyerSession))
			},
		},
		Step[TransferState]{
			Name:   "dual-otp-verify",
			Await:  SignalOTPCodes,
			Secret: true,
			Action: func(ctx context.Context, sc StepContext, s *TransferState) error {
				var codes OTPCodes
				if err := sc.Bind(&codes); err != nil {
					return err
				}
				sellerOK, err := idempotency.Do(ctx, d.Guard, sc.Key+":seller", func(ctx context.Context) (bool, error) {
					return d.OTP.Verify(ctx, s.SellerSession, codes.SellerCode)
				})
				if err != nil {
					return err
				}
				buyerOK, err := idempotency.Do(ctx, d.Guard, sc.Key+":buyer", func(ctx context.Context) (bool, error) {
					return d.OTP.Verify(ctx, s.BuyerSession, codes.BuyerCode)
				})
				if err != nil {
					return err
				}
				if !sellerOK || !buyerOK {
					return fmt.Errorf("%w: seller ok=%t, buyer ok=%t", ErrOTPRejected, sellerOK, buyerOK)
				}
				return nil
			},
		},
		Step[TransferState]{
			Name: "transfer-credits",
			Action: func(ctx context.Context, sc StepContext, s *TransferState) error {
				if !s.Price.IsPositive() {
					return nil
				}
				_, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (ledger.TransferResult, error) {
					return d.Ledger.Transfer(ctx, s.BuyerID, s.SellerID, s.Price)
				})
				return err
			},
			Compensate: func(ctx context.Context, sc StepContext, s *TransferState) error {
				if !s.Price.IsPositive() {
					return nil
				}
				_, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (ledger.TransferResult, error) {
					return d.Ledger.Transfer(ctx, s.SellerID, s.BuyerID, s.Price)
				})
				return err
			},
		},
		Step[TransferState]{
			Name: "reassign-seat",
			Action: func(ctx context.Context, sc StepContext, s *TransferState) error {
				_, err := idempotency.Do(ctx, d.Guard, sc.Key, func(ctx context.Context) (model.Allocation, error) {
					return d.Inventory.Confirm(ctx, s.HoldID, s.BuyerID)
				})
				return err
			},
			Compensate: func(ctx context.Context, sc StepContext, s *TransferState) error {
				return d.Inventory.Reassign(ctx, s.EventID, s.SeatID, s.BuyerID, s.SellerID)
			},
		},
		Step[TransferState]{
			Name: "reissue-order",
			Action: func(ctx context.Context, sc StepContext, s *TransferState) error {
				session := s.BuyerSession
				o, err := createOrder(ctx, d, orders.NewOrder{
					ID:              derivedID(sc.Key),
					UserID:          s.BuyerID,
					SeatID:          s.SeatID,
					EventID:         s.EventID,
					CreditsCharged:  s.Price,
					Status:          model.OrderConfirmed,
					VerificationSID: &session,
				})
				if err != nil {
					return err
				}
				s.BuyerOrderID = o.ID
				s.Ticket, err = d.Tickets.Issue(o)
				return err
			},
			Compensate: func(ctx context.Context, sc StepContext, s *TransferState) error {
				if err := settleOrder(ctx, d, s.BuyerOrderID, model.OrderRefunded); err != nil {
					return err
				}
				return d.Tickets.Revoke(ctx, s.BuyerOrderID)
			},
		},
		Step[TransferState]{
			Name: "revoke-seller-ticket",
			Action: func(ctx context.Context, sc StepContext, s *TransferState) error {
				return d.Tickets.Revoke(ctx, s.SellerOrderID)
			},
			Compensate: func(ctx context.Context, sc StepContext, s *TransferState) error {
				return d.Tickets.Reinstate(ctx, s.SellerOrderID)
			},
		},
		// Last, since a refunded order cannot be confirmed again.
		Step[TransferState]{
			Name: "retire-seller-order",
			Action: func(ctx context.Context, sc StepContext, s *TransferState) error {
				return settleOrder(ctx, d, s.SellerOrderID, model.OrderRefunded)
			},
		},
	)
}
