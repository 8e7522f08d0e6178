package handler

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/ticket-saga/internal/middleware"
	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/saga"
)

// SagaHandler starts, resumes and inspects sagas.
type SagaHandler struct {
	Orch *saga.Orchestrator
}

func NewSagaHandler(o *saga.Orchestrator) *SagaHandler {
	return &SagaHandler{Orch: o}
}

// ----- DTOs -----

type reserveReq struct {
	EventID string `json:"event_id"`
	SeatID  string `json:"seat_id"`
	Tier    string `json:"tier"`
}

type sagaRef struct {
	SagaID string `json:"saga_id"`
}

type initiateReq struct {
	BuyerID string          `json:"buyer_id"`
	EventID string          `json:"event_id"`
	SeatID  string          `json:"seat_id"`
	Price   decimal.Decimal `json:"price"`
}

type confirmTransferReq struct {
	SagaID     string `json:"saga_id"`
	SellerCode string `json:"seller_code"`
	BuyerCode  string `json:"buyer_code"`
}

type verifyReq struct {
	Token string `json:"token"`
}

type refundReq struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
}

type timeoutReq struct {
	Reason string `json:"reason"`
}

type reverseReq struct {
	SagaID string `json:"saga_id"`
	Reason string `json:"reason"`
}

// sagaView is an instance as shown to one caller.  The ticket in the
// payload is only shown to the user it was issued to.
type sagaView struct {
	model.SagaInstance
	Payload json.RawMessage `json:"payload"`
}

// parties returns the users who may read a saga and the user who ends up
// holding its ticket.
func parties(inst model.SagaInstance) (readers []string, holder string) {
	switch inst.Type {
	case model.SagaPurchase:
		s, _ := saga.Decode[saga.PurchaseState](inst)
		return []string{s.UserID}, s.UserID
	case model.SagaTransfer:
		s, _ := saga.Decode[saga.TransferState](inst)
		return []string{s.SellerID, s.BuyerID}, s.BuyerID
	case model.SagaReversal:
		s, _ := saga.Decode[saga.ReversalState](inst)
		return []string{s.SellerID, s.BuyerID}, s.SellerID
	case model.SagaRefund:
		s, _ := saga.Decode[saga.RefundState](inst)
		return []string{s.UserID}, ""
	case model.SagaVerification:
		s, _ := saga.Decode[saga.VerificationState](inst)
		return []string{s.StaffID}, ""
	}
	return nil, ""
}

func view(inst model.SagaInstance, viewer string) sagaView {
	v := sagaView{SagaInstance: inst, Payload: inst.Payload}
	if _, holder := parties(inst); holder == viewer {
		return v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(inst.Payload, &fields); err != nil {
		return v
	}
	if _, has := fields["ticket"]; has {
		delete(fields, "ticket")
		if b, err := json.Marshal(fields); err == nil {
			v.Payload = b
		}
	}
	return v
}

// startKey scopes the client's Idempotency-Key to the saga type and caller.
// Without a header every request starts a new saga.
func startKey(c echo.Context, typ model.SagaType) string {
	k := c.Request().Header.Get(middleware.HeaderIdempotencyKey)
	if k == "" {
		return ""
	}
	return string(typ) + ":" + middleware.UserID(c) + ":" + k
}

// respond writes the instance, or the failure when the saga did not complete.
func respond(c echo.Context, status int, inst model.SagaInstance, err error) error {
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, status, view(inst, middleware.UserID(c)))
}

// load fetches a saga of type typ that the caller takes part in.  Others'
// sagas read as not found.
func (h *SagaHandler) load(c echo.Context, id string, typ model.SagaType) (model.SagaInstance, bool, error) {
	ctx, cancel := withTimeout(c)
	defer cancel()
	inst, err := h.Orch.Get(ctx, id)
	if err != nil {
		return model.SagaInstance{}, false, err
	}
	readers, _ := parties(inst)
	if (typ != "" && inst.Type != typ) || !slices.Contains(readers, middleware.UserID(c)) {
		return inst, false, nil
	}
	return inst, true, nil
}

func sagaNotFound(c echo.Context) error {
	return fail(c, http.StatusNotFound, "SAGA_NOT_FOUND", "saga not found")
}

// Reserve starts a purchase: the seat is held and a PENDING order opened,
// then the saga waits for Pay until the hold expires.
func (h *SagaHandler) Reserve(c echo.Context) error {
	var req reserveReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	inst, err := h.Orch.Start(c.Request().Context(), model.SagaPurchase, startKey(c, model.SagaPurchase), saga.PurchaseState{
		UserID:  middleware.UserID(c),
		EventID: req.EventID,
		SeatID:  req.SeatID,
		Tier:    req.Tier,
	})
	return respond(c, http.StatusCreated, inst, err)
}

// Pay resumes a reserved purchase: credits are deducted, the seat and
// order confirmed and the ticket issued.
func (h *SagaHandler) Pay(c echo.Context) error {
	var req sagaRef
	if err := c.Bind(&req); err != nil || req.SagaID == "" {
		return badRequest(c, "saga_id is required")
	}
	_, mine, err := h.load(c, req.SagaID, model.SagaPurchase)
	if err != nil {
		return writeError(c, err)
	}
	if !mine {
		return sagaNotFound(c)
	}
	inst, err := h.Orch.Resume(c.Request().Context(), req.SagaID, saga.SignalPayment, struct{}{})
	return respond(c, http.StatusOK, inst, err)
}

// InitiateTransfer starts a transfer of the caller's seat to buyer_id.
// Both parties receive a passcode; the saga waits for ConfirmTransfer.
func (h *SagaHandler) InitiateTransfer(c echo.Context) error {
	var req initiateReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	inst, err := h.Orch.Start(c.Request().Context(), model.SagaTransfer, startKey(c, model.SagaTransfer), saga.TransferState{
		SellerID: middleware.UserID(c),
		BuyerID:  req.BuyerID,
		EventID:  req.EventID,
		SeatID:   req.SeatID,
		Price:    req.Price,
	})
	return respond(c, http.StatusCreated, inst, err)
}

// ConfirmTransfer delivers both passcodes.  Either party may submit them.
func (h *SagaHandler) ConfirmTransfer(c echo.Context) error {
	var req confirmTransferReq
	if err := c.Bind(&req); err != nil || req.SagaID == "" {
		return badRequest(c, "saga_id is required")
	}
	if req.SellerCode == "" || req.BuyerCode == "" {
		return badRequest(c, "seller_code and buyer_code are required")
	}
	_, mine, err := h.load(c, req.SagaID, model.SagaTransfer)
	if err != nil {
		return writeError(c, err)
	}
	if !mine {
		return sagaNotFound(c)
	}
	inst, err := h.Orch.Resume(c.Request().Context(), req.SagaID, saga.SignalOTPCodes, saga.OTPCodes{
		SellerCode: req.SellerCode,
		BuyerCode:  req.BuyerCode,
	})
	return respond(c, http.StatusOK, inst, err)
}

// ReverseTransfer undoes a completed transfer after a dispute.  ADMIN only.
func (h *SagaHandler) ReverseTransfer(c echo.Context) error {
	var req reverseReq
	if err := c.Bind(&req); err != nil || req.SagaID == "" {
		return badRequest(c, "saga_id is required")
	}
	ctx, cancel := withTimeout(c)
	transfer, err := h.Orch.Get(ctx, req.SagaID)
	cancel()
	if err != nil {
		return writeError(c, err)
	}
	state, err := saga.ReversalOf(transfer, req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	inst, err := h.Orch.Start(c.Request().Context(), model.SagaReversal, startKey(c, model.SagaReversal), state)
	return respond(c, http.StatusOK, inst, err)
}

// Verify runs the door check of a ticket.  STAFF only.
func (h *SagaHandler) Verify(c echo.Context) error {
	var req verifyReq
	if err := c.Bind(&req); err != nil || req.Token == "" {
		return badRequest(c, "token is required")
	}
	inst, err := h.Orch.Start(c.Request().Context(), model.SagaVerification, startKey(c, model.SagaVerification), saga.VerificationState{
		Token:   req.Token,
		StaffID: middleware.UserID(c),
	})
	return respond(c, http.StatusOK, inst, err)
}

// Refund returns a confirmed order of the caller.  An ADMIN may refund on
// behalf of user_id.
func (h *SagaHandler) Refund(c echo.Context) error {
	var req refundReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.UserID == "" {
		req.UserID = middleware.UserID(c)
	}
	if req.UserID != middleware.UserID(c) && middleware.Role(c) != model.RoleAdmin {
		return forbidden(c)
	}
	inst, err := h.Orch.Start(c.Request().Context(), model.SagaRefund, startKey(c, model.SagaRefund), saga.RefundState{
		OrderID: req.OrderID,
		UserID:  req.UserID,
	})
	return respond(c, http.StatusOK, inst, err)
}

// Get shows a saga to its participants, STAFF and ADMIN.
func (h *SagaHandler) Get(c echo.Context) error {
	inst, mine, err := h.load(c, c.Param("id"), "")
	if err != nil {
		return writeError(c, err)
	}
	if !mine && !privileged(c) {
		return sagaNotFound(c)
	}
	return ok(c, http.StatusOK, view(inst, middleware.UserID(c)))
}

// Steps lists the step table of a saga type.
func (h *SagaHandler) Steps(c echo.Context) error {
	def, found := h.Orch.Definition(model.SagaType(c.Param("type")))
	if !found {
		return fail(c, http.StatusNotFound, "UNKNOWN_SAGA_TYPE", "unknown saga type")
	}
	return ok(c, http.StatusOK, echo.Map{"type": def.Type(), "steps": def.Steps()})
}

// Timeout stops a saga and compensates it.  Used by expiry callbacks from
// other services and by operators.
func (h *SagaHandler) Timeout(c echo.Context) error {
	var req timeoutReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.Reason == "" {
		req.Reason = "timeout"
	}
	inst, err := h.Orch.Timeout(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusOK, view(inst, ""))
}
