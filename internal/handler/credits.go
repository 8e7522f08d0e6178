package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/ticket-saga/internal/ledger"
	"github.com/iliyamo/ticket-saga/internal/middleware"
	"github.com/iliyamo/ticket-saga/internal/model"
)

// CreditsHandler exposes the credit ledger.
type CreditsHandler struct {
	Ledger *ledger.Service
}

func NewCreditsHandler(l *ledger.Service) *CreditsHandler {
	return &CreditsHandler{Ledger: l}
}

// ----- DTOs -----

type openAccountReq struct {
	AccountID string          `json:"account_id"`
	Initial   decimal.Decimal `json:"initial_balance"`
}

type amountReq struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type transferReq struct {
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
}

type balanceResp struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

// OpenAccount: ADMIN creates an account with an initial balance.
func (h *CreditsHandler) OpenAccount(c echo.Context) error {
	var req openAccountReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		return badRequest(c, "account_id is required")
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	a, err := h.Ledger.Open(ctx, req.AccountID, req.Initial)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusCreated, a)
}

// Balance: a user reads their own balance; ADMIN reads any.
func (h *CreditsHandler) Balance(c echo.Context) error {
	id := c.Param("id")
	if id != middleware.UserID(c) && middleware.Role(c) != model.RoleAdmin {
		return forbidden(c)
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	bal, err := h.Ledger.Balance(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusOK, balanceResp{AccountID: id, Balance: bal})
}

// Deduct, Refund and Topup are ADMIN operations on a single account.

func (h *CreditsHandler) Deduct(c echo.Context) error {
	return h.single(c, h.Ledger.Deduct)
}

func (h *CreditsHandler) Refund(c echo.Context) error {
	return h.single(c, h.Ledger.Refund)
}

// Topup adds purchased credits.  It is the same ledger operation as Refund.
func (h *CreditsHandler) Topup(c echo.Context) error {
	return h.single(c, h.Ledger.Refund)
}

func (h *CreditsHandler) single(c echo.Context, op func(context.Context, string, decimal.Decimal) (decimal.Decimal, error)) error {
	var req amountReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.AccountID == "" {
		return badRequest(c, "account_id is required")
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	bal, err := op(ctx, req.AccountID, req.Amount)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusOK, balanceResp{AccountID: req.AccountID, Balance: bal})
}

// Transfer moves credits between accounts.  Customers may only send from
// their own account; from_account_id defaults to the caller.
func (h *CreditsHandler) Transfer(c echo.Context) error {
	var req transferReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.FromAccountID == "" {
		req.FromAccountID = middleware.UserID(c)
	}
	if req.ToAccountID == "" {
		return badRequest(c, "to_account_id is required")
	}
	if req.FromAccountID != middleware.UserID(c) && middleware.Role(c) != model.RoleAdmin {
		return forbidden(c)
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	res, err := h.Ledger.Transfer(ctx, req.FromAccountID, req.ToAccountID, req.Amount)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusOK, res)
}
