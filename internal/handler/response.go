package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-saga/internal/middleware"
	"github.com/iliyamo/ticket-saga/internal/saga"
)

// requestTimeout bounds the store calls of a single request.  Saga steps
// carry their own per-attempt timeout.
const requestTimeout = 5 * time.Second

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

type failure struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	SagaID    string `json:"saga_id,omitempty"`
}

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, envelope{Success: true, Data: data})
}

func fail(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, failure{ErrorCode: code, Message: msg})
}

func badRequest(c echo.Context, msg string) error {
	return fail(c, http.StatusBadRequest, "INVALID_INPUT", msg)
}

func forbidden(c echo.Context) error {
	return fail(c, http.StatusForbidden, "FORBIDDEN", "forbidden")
}

// statusOf maps an error code to its HTTP status.
func statusOf(code string, err error) int {
	switch code {
	case "INSUFFICIENT_FUNDS":
		return http.StatusPaymentRequired
	case "ACCOUNT_NOT_FOUND", "ORDER_NOT_FOUND", "HOLD_NOT_FOUND", "SAGA_NOT_FOUND",
		"SESSION_NOT_FOUND", "EVENT_NOT_FOUND":
		return http.StatusNotFound
	case "UPSTREAM_UNAVAILABLE", "UPSTREAM_TIMEOUT":
		return http.StatusServiceUnavailable
	case "INTERNAL":
		return http.StatusInternalServerError
	}
	switch saga.Classify(err) {
	case saga.KindValidation:
		return http.StatusBadRequest
	case saga.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError renders err as the failure envelope.  Failed sagas carry
// their id so the client can look the instance up.
func writeError(c echo.Context, err error) error {
	code := saga.Code(err)
	status := statusOf(code, err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		c.Set(middleware.ErrorKey, err)
		msg = "internal error"
	}
	out := failure{ErrorCode: code, Message: msg}
	var failed *saga.FailedError
	if errors.As(err, &failed) {
		out.SagaID = failed.SagaID
		if failed.Err != nil && status != http.StatusInternalServerError {
			out.Message = failed.Err.Error()
		}
	}
	return c.JSON(status, out)
}

func withTimeout(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), requestTimeout)
}
