package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-saga/internal/handler"
	"github.com/iliyamo/ticket-saga/internal/middleware"
	"github.com/iliyamo/ticket-saga/internal/model"
)

// registerSagas mounts the flows a customer drives (purchase, transfer,
// refund), the STAFF door check and saga lookups.
func registerSagas(g *echo.Group, h *handler.SagaHandler) {
	g.POST("/purchase/reserve", h.Reserve)
	g.POST("/purchase/pay", h.Pay)

	g.POST("/transfer/initiate", h.InitiateTransfer)
	g.POST("/transfer/confirm", h.ConfirmTransfer)
	g.POST("/transfer/reverse", h.ReverseTransfer, middleware.RequireRole(model.RoleAdmin))

	g.POST("/refunds", h.Refund)

	g.POST("/verify", h.Verify, middleware.RequireRole(model.RoleStaff, model.RoleAdmin))

	g.GET("/sagas/:id", h.Get)
	g.GET("/saga-types/:type", h.Steps)
}
