package middleware

// identity.go holds the context keys set by JWTAuth and the accessors used
// by handlers and other middleware to read them back.

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	ctxUserID      = "user_id"
	ctxRole        = "role"
	ctxTokenID     = "token_id"
	ctxTokenExpiry = "token_expiry"
)

// UserID returns the authenticated subject, or "" for anonymous requests.
func UserID(c echo.Context) string {
	s, _ := c.Get(ctxUserID).(string)
	return s
}

// Role returns the role claim of the access token.
func Role(c echo.Context) string {
	s, _ := c.Get(ctxRole).(string)
	return s
}

// TokenID returns the jti of the access token and when the token expires.
func TokenID(c echo.Context) (string, time.Time) {
	id, _ := c.Get(ctxTokenID).(string)
	exp, _ := c.Get(ctxTokenExpiry).(time.Time)
	return id, exp
}

// subject is the rate limit and replay identity of a request.
func subject(c echo.Context) string {
	if id := UserID(c); id != "" {
		return id
	}
	return "guest"
}

// deny writes the error envelope and stops the chain.
func deny(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, echo.Map{"success": false, "error_code": code, "message": msg})
}

func unauthorized(c echo.Context, msg string) error {
	return deny(c, http.StatusUnauthorized, "UNAUTHORIZED", msg)
}
