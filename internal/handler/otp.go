package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-saga/internal/middleware"
	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/otp"
)

// OTPHandler exposes the passcode issuer on its own, outside any saga.
type OTPHandler struct {
	Issuer *otp.Issuer
}

func NewOTPHandler(i *otp.Issuer) *OTPHandler {
	return &OTPHandler{Issuer: i}
}

type sendReq struct {
	UserID string `json:"user_id"`
}

type verifyOTPReq struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

// Send delivers a code to the caller, or to user_id when an ADMIN asks.
func (h *OTPHandler) Send(c echo.Context) error {
	var req sendReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.UserID == "" {
		req.UserID = middleware.UserID(c)
	}
	if req.UserID != middleware.UserID(c) && middleware.Role(c) != model.RoleAdmin {
		return forbidden(c)
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	id, err := h.Issuer.Send(ctx, req.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusCreated, echo.Map{"session_id": id})
}

// Verify answers whether code matches the session.  A wrong code is a
// normal answer, not an error.
func (h *OTPHandler) Verify(c echo.Context) error {
	var req verifyOTPReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.SessionID == "" || req.Code == "" {
		return badRequest(c, "session_id and code are required")
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	verified, err := h.Issuer.Verify(ctx, req.SessionID, req.Code)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusOK, echo.Map{"verified": verified})
}
