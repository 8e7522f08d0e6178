// Package ticket issues and checks entry tickets.  A ticket is an HS256
// JWT whose jti is the order id, so revoking an order's ticket and checking
// it at the door need nothing but the token and the blocklist.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/model"
)

// ErrRejected is returned for tickets that must not admit anyone: bad
// signature, expired, revoked or already used.
var ErrRejected = errors.New("ticket rejected")

// Claims are the fields carried by a ticket.  Subject is the holder's user
// id and ID (jti) is the order id.
type Claims struct {
	OrderID string `json:"oid"`
	SeatID  string `json:"seat"`
	EventID string `json:"evt"`
	jwt.RegisteredClaims
}

type Service struct {
	secret []byte
	ttl    time.Duration
	list   *Blocklist
	log    *zap.Logger
	now    func() time.Time
}

func NewService(secret string, ttl time.Duration, list *Blocklist, log *zap.Logger) *Service {
	return &Service{secret: []byte(secret), ttl: ttl, list: list, log: log.Named("ticket"), now: time.Now}
}

// Issue signs a ticket for a confirmed order.
func (s *Service) Issue(o model.Order) (string, error) {
	now := s.now()
	claims := Claims{
		OrderID: o.ID,
		SeatID:  o.SeatID,
		EventID: o.EventID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        o.ID,
			Subject:   o.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Parse verifies a ticket's signature and expiry and checks it has not
// been revoked.
func (s *Service) Parse(ctx context.Context, raw string) (Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if c.ID == "" || c.OrderID == "" || c.Subject == "" {
		return Claims{}, fmt.Errorf("%w: incomplete claims", ErrRejected)
	}
	revoked, err := s.list.Revoked(ctx, c.ID)
	if err != nil {
		return Claims{}, err
	}
	if revoked {
		return Claims{}, fmt.Errorf("%w: revoked", ErrRejected)
	}
	return c, nil
}

// Revoke blocks the ticket of an order until it would have expired anyway.
func (s *Service) Revoke(ctx context.Context, orderID string) error {
	if err := s.list.Revoke(ctx, orderID, s.now().Add(s.ttl)); err != nil {
		return err
	}
	s.log.Info("ticket revoked", zap.String("order_id", orderID))
	return nil
}

// Reinstate undoes Revoke for an order whose ticket was blocked by a
// transfer that did not go through.
func (s *Service) Reinstate(ctx context.Context, orderID string) error {
	if err := s.list.Unrevoke(ctx, orderID); err != nil {
		return err
	}
	s.log.Info("ticket reinstated", zap.String("order_id", orderID))
	return nil
}

// Admit records the first use of a ticket.  A second scan is rejected.
func (s *Service) Admit(ctx context.Context, c Claims) error {
	until := s.now().Add(s.ttl)
	if c.ExpiresAt != nil {
		until = c.ExpiresAt.Time
	}
	first, err := s.list.Claim(ctx, c.ID, until)
	if err != nil {
		return err
	}
	if !first {
		return fmt.Errorf("%w: already admitted", ErrRejected)
	}
	return nil
}
