package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// AccessClaims are the claims of an access token minted by the user
// service.  Subject is the user id and ID (jti) identifies the token for
// revocation.
type AccessClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Revocations reports whether a token id has been revoked.  Implemented by
// ticket.Blocklist.
type Revocations interface {
	Revoked(ctx context.Context, jti string) (bool, error)
}

// JWTAuth returns an Echo middleware that validates a Bearer access token
// signed with secret and injects the subject, role and token id into the
// context.  Tokens without an expiry are refused.  When revoked is not nil
// a token whose jti is on the list is rejected.
func JWTAuth(secret string, revoked Revocations) echo.MiddlewareFunc {
	key := []byte(secret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return unauthorized(c, "missing bearer token")
			}
			var claims AccessClaims
			tok, err := parser.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &claims, func(*jwt.Token) (interface{}, error) {
				return key, nil
			})
			if err != nil || !tok.Valid || claims.Subject == "" {
				return unauthorized(c, "invalid token")
			}
			if revoked != nil && claims.ID != "" {
				blocked, err := revoked.Revoked(c.Request().Context(), claims.ID)
				if err != nil {
					return deny(c, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "token check failed")
				}
				if blocked {
					return unauthorized(c, "token revoked")
				}
			}

			c.Set(ctxUserID, claims.Subject)
			c.Set(ctxRole, claims.Role)
			c.Set(ctxTokenID, claims.ID)
			c.Set(ctxTokenExpiry, claims.ExpiresAt.Time)
			return next(c)
		}
	}
}
