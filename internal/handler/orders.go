package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/ticket-saga/internal/middleware"
	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/orders"
)

// OrdersHandler exposes the order ledger.
type OrdersHandler struct {
	Orders *orders.Service
}

func NewOrdersHandler(o *orders.Service) *OrdersHandler {
	return &OrdersHandler{Orders: o}
}

type createOrderReq struct {
	UserID          string            `json:"user_id"`
	SeatID          string            `json:"seat_id"`
	EventID         string            `json:"event_id"`
	CreditsCharged  decimal.Decimal   `json:"credits_charged"`
	Status          model.OrderStatus `json:"status"`
	VerificationSID *string           `json:"verification_sid"`
}

type statusReq struct {
	Status model.OrderStatus `json:"status"`
}

// privileged reports whether the caller may read other users' records.
func privileged(c echo.Context) bool {
	r := middleware.Role(c)
	return r == model.RoleAdmin || r == model.RoleStaff
}

// Create: ADMIN records an order directly.  Sagas create their own.
func (h *OrdersHandler) Create(c echo.Context) error {
	var req createOrderReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	o, err := h.Orders.Create(ctx, orders.NewOrder{
		UserID:          req.UserID,
		SeatID:          req.SeatID,
		EventID:         req.EventID,
		CreditsCharged:  req.CreditsCharged,
		Status:          req.Status,
		VerificationSID: req.VerificationSID,
	})
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusCreated, o)
}

// Get returns one order.  Customers only see their own; another user's
// order reads as not found.
func (h *OrdersHandler) Get(c echo.Context) error {
	ctx, cancel := withTimeout(c)
	defer cancel()

	o, err := h.Orders.Get(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if o.UserID != middleware.UserID(c) && !privileged(c) {
		return fail(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
	}
	return ok(c, http.StatusOK, o)
}

// List answers ?event_id=&seat_id= with the live order of that seat, or
// ?user_id= with every order of a user.  user_id defaults to the caller.
func (h *OrdersHandler) List(c echo.Context) error {
	eventID, seatID := c.QueryParam("event_id"), c.QueryParam("seat_id")
	ctx, cancel := withTimeout(c)
	defer cancel()

	if seatID != "" || eventID != "" {
		if seatID == "" || eventID == "" {
			return badRequest(c, "event_id and seat_id go together")
		}
		o, err := h.Orders.BySeat(ctx, eventID, seatID)
		if err != nil {
			return writeError(c, err)
		}
		if o.UserID != middleware.UserID(c) && !privileged(c) {
			return fail(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
		}
		return ok(c, http.StatusOK, []model.Order{o})
	}

	userID := c.QueryParam("user_id")
	if userID == "" {
		userID = middleware.UserID(c)
	}
	if userID != middleware.UserID(c) && !privileged(c) {
		return forbidden(c)
	}
	list, err := h.Orders.ByUser(ctx, userID)
	if err != nil {
		return writeError(c, err)
	}
	if list == nil {
		list = []model.Order{}
	}
	return ok(c, http.StatusOK, list)
}

// UpdateStatus: ADMIN moves an order along the status machine.
func (h *OrdersHandler) UpdateStatus(c echo.Context) error {
	var req statusReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	o, err := h.Orders.UpdateStatus(ctx, c.Param("id"), req.Status)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusOK, o)
}
