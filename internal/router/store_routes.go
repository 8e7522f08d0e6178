package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-saga/internal/handler"
	"github.com/iliyamo/ticket-saga/internal/middleware"
	"github.com/iliyamo/ticket-saga/internal/model"
)

var adminOnly = middleware.RequireRole(model.RoleAdmin)

// registerCredits mounts the credit ledger.  Balance reads and transfers
// are open to account holders; direct debits and credits are ADMIN only.
func registerCredits(g *echo.Group, h *handler.CreditsHandler) {
	g.POST("/accounts", h.OpenAccount, adminOnly)
	g.GET("/credits/:id", h.Balance)
	g.POST("/credits/transfer", h.Transfer)
	g.POST("/credits/deduct", h.Deduct, adminOnly)
	g.POST("/credits/refund", h.Refund, adminOnly)
	g.POST("/credits/topup", h.Topup, adminOnly)
}

// registerOrders mounts the order ledger.  Writes are ADMIN only; sagas
// drive orders through the service directly.
func registerOrders(g *echo.Group, h *handler.OrdersHandler) {
	g.GET("/orders", h.List)
	g.GET("/orders/:id", h.Get)
	g.POST("/orders", h.Create, adminOnly)
	g.PATCH("/orders/:id/status", h.UpdateStatus, adminOnly)
}

func registerHolds(g *echo.Group, h *handler.HoldsHandler) {
	g.GET("/events/:event_id/seats/:seat_id/owner", h.Owner)
	g.POST("/holds", h.Create, adminOnly)
	g.GET("/holds/:id", h.Get, adminOnly)
	g.POST("/holds/:id/confirm", h.Confirm, adminOnly)
	g.DELETE("/holds/:id", h.Release, adminOnly)
}

func registerOTP(g *echo.Group, h *handler.OTPHandler) {
	g.POST("/otp/send", h.Send)
	g.POST("/otp/verify", h.Verify)
}
