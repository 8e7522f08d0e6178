package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
	"github.com/iliyamo/ticket-saga/internal/ticket"
)

func startTransfer(t *testing.T, w *world, price string) model.SagaInstance {
	t.Helper()
	inst, err := w.orch.Start(context.Background(), model.SagaTransfer, "", TransferState{
		SellerID: "alice", BuyerID: "bob", EventID: "concert", SeatID: "A1",
		Price: decimal.RequireFromString(price),
	})
	require.NoError(t, err)
	require.Equal(t, SignalOTPCodes, inst.Awaiting)
	return inst
}

func TestTransferMovesSeatAndCredits(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.open(t, "alice", "100")
	w.open(t, "bob", "100")
	bought := w.buy(t, "alice", "A1", "standard")

	inst := startTransfer(t, w, "30")
	assert.Equal(t, "100.00", w.balance(t, "bob"), "nothing moves before both parties confirm")

	inst, err := w.orch.Resume(ctx, inst.ID, SignalOTPCodes, OTPCodes{
		SellerCode: w.mail.code("alice"), BuyerCode: w.mail.code("bob"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompleted, inst.Status)
	s, err := Decode[TransferState](inst)
	require.NoError(t, err)

	assert.Equal(t, "90.00", w.balance(t, "alice"))
	assert.Equal(t, "70.00", w.balance(t, "bob"))

	a, err := w.inv.Owner(ctx, "concert", "A1")
	require.NoError(t, err)
	assert.Equal(t, "bob", a.OwnerID)

	buyerOrder, err := w.orders.Get(ctx, s.BuyerOrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderConfirmed, buyerOrder.Status)
	require.NotNil(t, buyerOrder.VerificationSID)
	assert.Equal(t, s.BuyerSession, *buyerOrder.VerificationSID)

	sellerOrder, err := w.orders.Get(ctx, bought.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderRefunded, sellerOrder.Status)

	_, err = w.tickets.Parse(ctx, bought.Ticket)
	assert.ErrorIs(t, err, ticket.ErrRejected, "the seller's ticket is revoked")
	claims, err := w.tickets.Parse(ctx, s.Ticket)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Subject)
}

func TestTransferStepTable(t *testing.T) {
	w := newWorld(t)
	def, ok := w.orch.Definition(model.SagaTransfer)
	require.True(t, ok)
	var names []string
	for _, s := range def.Steps() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"hold-seat-for-transfer", "send-otps", "dual-otp-verify", "transfer-credits",
		"reassign-seat", "reissue-order", "revoke-seller-ticket", "retire-seller-order",
	}, names)
}

func TestTransferKeepsSellerTicketWhenRetireFails(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.open(t, "alice", "100")
	w.open(t, "bob", "100")
	bought := w.buy(t, "alice", "A1", "standard")
	w.faults.failOn(bought.OrderID, model.OrderRefunded, errors.New("orders table locked"))

	inst := startTransfer(t, w, "30")
	inst, err := w.orch.Resume(ctx, inst.ID, SignalOTPCodes, OTPCodes{
		SellerCode: w.mail.code("alice"), BuyerCode: w.mail.code("bob"),
	})
	require.Error(t, err)
	assert.Equal(t, model.SagaCompensated, inst.Status)
	assert.Empty(t, inst.RemediationStep)

	sellerOrder, err := w.orders.Get(ctx, bought.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderConfirmed, sellerOrder.Status)
	claims, err := w.tickets.Parse(ctx, bought.Ticket)
	require.NoError(t, err, "the seller's ticket is reinstated")
	assert.Equal(t, "alice", claims.Subject)

	a, err := w.inv.Owner(ctx, "concert", "A1")
	require.NoError(t, err)
	assert.Equal(t, "alice", a.OwnerID)
	assert.Equal(t, "60.00", w.balance(t, "alice"))
	assert.Equal(t, "100.00", w.balance(t, "bob"))
}

func TestTransferDoesNotKeepPasscodes(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.open(t, "alice", "100")
	w.open(t, "bob", "100")
	w.buy(t, "alice", "A1", "standard")
	w.buy(t, "alice", "A2", "standard")

	codes := func() OTPCodes {
		return OTPCodes{SellerCode: w.mail.code("alice"), BuyerCode: w.mail.code("bob")}
	}

	done := startTransfer(t, w, "10")
	sent := codes()
	_, err := w.orch.Resume(ctx, done.ID, SignalOTPCodes, sent)
	require.NoError(t, err)

	failed, err := w.orch.Start(ctx, model.SagaTransfer, "", TransferState{
		SellerID: "alice", BuyerID: "bob", EventID: "concert", SeatID: "A2", Price: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	_, err = w.orch.Resume(ctx, failed.ID, SignalOTPCodes, OTPCodes{SellerCode: "bad", BuyerCode: "bad"})
	require.ErrorIs(t, err, ErrOTPRejected)

	for _, id := range []string{done.ID, failed.ID} {
		stored, err := w.orch.Get(ctx, id)
		require.NoError(t, err)
		raw, delivered := stored.Signals[SignalOTPCodes]
		assert.True(t, delivered)
		assert.JSONEq(t, "null", string(raw), "saga %s keeps no passcodes", id)
	}

	again, err := w.orch.Resume(ctx, done.ID, SignalOTPCodes, sent)
	assert.NoError(t, err, "a repeated delivery still reports the outcome")
	assert.Equal(t, model.SagaCompleted, again.Status)
}

func TestTransferWithWrongPasscodeRollsBack(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.open(t, "alice", "100")
	w.open(t, "bob", "100")
	w.buy(t, "alice", "A1", "standard")

	inst := startTransfer(t, w, "30")
	inst, err := w.orch.Resume(ctx, inst.ID, SignalOTPCodes, OTPCodes{
		SellerCode: w.mail.code("alice"), BuyerCode: "000000x",
	})
	assert.ErrorIs(t, err, ErrOTPRejected)
	assert.Equal(t, model.SagaCompensated, inst.Status)
	assert.Equal(t, "OTP_REJECTED", inst.FailureCode)

	assert.Equal(t, "60.00", w.balance(t, "alice"))
	assert.Equal(t, "100.00", w.balance(t, "bob"))
	a, err := w.inv.Owner(ctx, "concert", "A1")
	require.NoError(t, err)
	assert.Equal(t, "alice", a.OwnerID)

	startTransfer(t, w, "30")
}

func TestTransferBuyerWithoutFundsRollsBack(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.open(t, "alice", "100")
	w.open(t, "bob", "10")
	w.buy(t, "alice", "A1", "standard")

	inst := startTransfer(t, w, "30")
	inst, err := w.orch.Resume(ctx, inst.ID, SignalOTPCodes, OTPCodes{
		SellerCode: w.mail.code("alice"), BuyerCode: w.mail.code("bob"),
	})
	assert.ErrorIs(t, err, repository.ErrInsufficientFunds)
	assert.Equal(t, model.SagaCompensated, inst.Status)
	assert.Equal(t, "60.00", w.balance(t, "alice"))
	assert.Equal(t, "10.00", w.balance(t, "bob"))

	a, err := w.inv.Owner(ctx, "concert", "A1")
	require.NoError(t, err)
	assert.Equal(t, "alice", a.OwnerID)
}

func TestTransferRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.open(t, "alice", "100")
	w.open(t, "carol", "100")
	w.buy(t, "carol", "A1", "standard")

	_, err := w.orch.Start(ctx, model.SagaTransfer, "", TransferState{
		SellerID: "alice", BuyerID: "bob", EventID: "concert", SeatID: "A1", Price: decimal.NewFromInt(5),
	})
	assert.ErrorIs(t, err, repository.ErrSeatUnavailable)

	_, err = w.orch.Start(ctx, model.SagaTransfer, "", TransferState{
		SellerID: "carol", BuyerID: "carol", EventID: "concert", SeatID: "A1",
	})
	assert.ErrorIs(t, err, repository.ErrInvalidInput)

	_, err = w.orch.Start(ctx, model.SagaTransfer, "", TransferState{
		SellerID: "alice", BuyerID: "bob", EventID: "concert", SeatID: "B9",
	})
	assert.ErrorIs(t, err, repository.ErrNotAllocated)
}

func TestFreeTransferMovesNoCredits(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.open(t, "alice", "100")
	w.buy(t, "alice", "A1", "standard")

	inst := startTransfer(t, w, "0")
	inst, err := w.orch.Resume(ctx, inst.ID, SignalOTPCodes, OTPCodes{
		SellerCode: w.mail.code("alice"), BuyerCode: w.mail.code("bob"),
	})
	require.NoError(t, err, "the buyer needs no account for a gift")
	assert.Equal(t, model.SagaCompleted, inst.Status)
	assert.Equal(t, "60.00", w.balance(t, "alice"))
}
