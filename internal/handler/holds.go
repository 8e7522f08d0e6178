package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-saga/internal/inventory"
	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

// HoldsHandler exposes the seat reservation store.  Holds taken here have
// no saga behind them; the watcher still expires them.
type HoldsHandler struct {
	Inventory  *inventory.Service
	DefaultTTL time.Duration
}

func NewHoldsHandler(inv *inventory.Service, ttl time.Duration) *HoldsHandler {
	return &HoldsHandler{Inventory: inv, DefaultTTL: ttl}
}

type holdReq struct {
	EventID    string         `json:"event_id"`
	SeatID     string         `json:"seat_id"`
	UserID     string         `json:"user_id"`
	Kind       model.HoldKind `json:"kind"`
	TTLSeconds int            `json:"ttl_seconds"`
}

type confirmReq struct {
	OwnerID string `json:"owner_id"`
}

// Create takes a purchase hold, or a transfer hold when kind is transfer.
func (h *HoldsHandler) Create(c echo.Context) error {
	var req holdReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.TTLSeconds < 0 {
		return badRequest(c, "ttl_seconds must not be negative")
	}
	ttl := h.DefaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	hr := inventory.HoldRequest{EventID: req.EventID, SeatID: req.SeatID, UserID: req.UserID, TTL: ttl}
	ctx, cancel := withTimeout(c)
	defer cancel()

	var (
		hold model.SeatHold
		err  error
	)
	switch req.Kind {
	case "", model.HoldPurchase:
		hold, err = h.Inventory.Reserve(ctx, hr)
	case model.HoldTransfer:
		hold, err = h.Inventory.HoldForTransfer(ctx, hr)
	default:
		return badRequest(c, "kind must be purchase or transfer")
	}
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusCreated, hold)
}

func (h *HoldsHandler) Get(c echo.Context) error {
	ctx, cancel := withTimeout(c)
	defer cancel()
	hold, err := h.Inventory.Hold(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusOK, hold)
}

// Confirm turns the hold into an allocation.  owner_id defaults to the
// holder.
func (h *HoldsHandler) Confirm(c echo.Context) error {
	var req confirmReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	if req.OwnerID == "" {
		hold, err := h.Inventory.Hold(ctx, c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		req.OwnerID = hold.UserID
	}
	a, err := h.Inventory.Confirm(ctx, c.Param("id"), req.OwnerID)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusOK, a)
}

// Release is idempotent: releasing twice, or an unknown hold, succeeds with
// released=false.
func (h *HoldsHandler) Release(c echo.Context) error {
	ctx, cancel := withTimeout(c)
	defer cancel()
	released, err := h.Inventory.Release(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusOK, echo.Map{"hold_id": c.Param("id"), "released": released})
}

// Owner returns the allocation of a seat.
func (h *HoldsHandler) Owner(c echo.Context) error {
	ctx, cancel := withTimeout(c)
	defer cancel()
	a, err := h.Inventory.Owner(ctx, c.Param("event_id"), c.Param("seat_id"))
	if errors.Is(err, repository.ErrNotAllocated) {
		return fail(c, http.StatusNotFound, "NOT_ALLOCATED", "seat has no owner")
	}
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, http.StatusOK, a)
}
