// Package utils holds token helpers for operators and tests.  Access tokens
// are normally minted by the user service; this service only verifies them.
package utils

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessToken is a signed HS256 access token and its expiry.
type AccessToken struct {
	Token string
	ID    string
	Exp   time.Time
}

// NewAccessToken signs a token for userID with the given role.  The claims
// match what the user service issues: sub, role, jti, iat and exp.
func NewAccessToken(secret, userID, role string, ttl time.Duration) (AccessToken, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	id := uuid.NewString()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"jti":  id,
		"iat":  now.Unix(),
		"exp":  exp.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, ID: id, Exp: exp}, nil
}
