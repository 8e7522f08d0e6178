package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-saga/internal/middleware"
)

// Revoker blocks a token id until the token expires.  Implemented by
// ticket.Blocklist.
type Revoker interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
}

// SessionHandler covers the parts of a login session this service owns.
// Tokens are issued by the user service.
type SessionHandler struct {
	Revoked Revoker
}

func NewSessionHandler(r Revoker) *SessionHandler {
	return &SessionHandler{Revoked: r}
}

// Me returns the identity carried by the access token.
func (h *SessionHandler) Me(c echo.Context) error {
	jti, exp := middleware.TokenID(c)
	return ok(c, http.StatusOK, echo.Map{
		"user_id":    middleware.UserID(c),
		"role":       middleware.Role(c),
		"token_id":   jti,
		"expires_at": exp,
	})
}

// Logout revokes the access token used for this request on every replica.
func (h *SessionHandler) Logout(c echo.Context) error {
	jti, exp := middleware.TokenID(c)
	if jti == "" {
		return badRequest(c, "token has no id and cannot be revoked")
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	if err := h.Revoked.Revoke(ctx, jti, exp); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
