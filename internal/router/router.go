// Package router defines how HTTP routes are registered for the API.
package router

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/config"
	"github.com/iliyamo/ticket-saga/internal/handler"
	"github.com/iliyamo/ticket-saga/internal/middleware"
	"github.com/iliyamo/ticket-saga/internal/model"
)

// Handlers bundles everything mounted under /v1 and /internal.
type Handlers struct {
	Credits *handler.CreditsHandler
	Orders  *handler.OrdersHandler
	Holds   *handler.HoldsHandler
	OTP     *handler.OTPHandler
	Sagas   *handler.SagaHandler
	Session *handler.SessionHandler
}

// Options configures the middleware of the protected groups.
type Options struct {
	JWTSecret string
	Revoked   middleware.Revocations
	RateLimit config.RateLimitConfig
	// Redis backs the rate limiter; nil limits per process.
	Redis     *redis.Client
	Replay    middleware.ReplayStore
	ReplayTTL time.Duration
	Log       *zap.Logger
}

// New returns an Echo instance with the shared middleware and the error
// handler that renders failures in the response envelope.
func New(log *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(log))
	return e
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, msg := http.StatusInternalServerError, "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status, msg = he.Code, fmt.Sprint(he.Message)
	}
	code := strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, echo.Map{"success": false, "error_code": code, "message": msg})
}

// RegisterRoutes registers routes that do not require authentication:
// the liveness and readiness probes.
func RegisterRoutes(e *echo.Echo, ready echo.HandlerFunc) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", ready)
}

// RegisterAPI mounts the authenticated API.  Every /v1 route runs JWTAuth,
// then the rate limiter keyed by the caller, then Idempotency-Key replay.
// /internal is for ADMIN tokens held by other services and operators.
func RegisterAPI(e *echo.Echo, h Handlers, opt Options) {
	auth := middleware.JWTAuth(opt.JWTSecret, opt.Revoked)
	limit := middleware.NewTokenBucket(opt.RateLimit, opt.Redis, opt.Log)
	replay := middleware.IdempotentReplay(opt.Replay, opt.ReplayTTL, opt.Log)

	v1 := e.Group("/v1", auth, limit, replay)
	v1.GET("/me", h.Session.Me)
	v1.POST("/auth/logout", h.Session.Logout)

	registerCredits(v1, h.Credits)
	registerOrders(v1, h.Orders)
	registerHolds(v1, h.Holds)
	registerOTP(v1, h.OTP)
	registerSagas(v1, h.Sagas)

	internal := e.Group("/internal", auth, middleware.RequireRole(model.RoleAdmin), replay)
	internal.POST("/sagas/:id/timeout", h.Sagas.Timeout)
}
