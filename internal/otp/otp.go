// Package otp issues and checks one-time passcodes.  Sessions are kept in a
// TTL key-value store keyed by session id, so any replica can verify a code
// sent by another.  Only a bcrypt hash of each code is stored.
package otp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

// KV is implemented by repository.RedisKV and repository.MemoryKV.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Sender delivers a code to a user.
type Sender interface {
	Send(ctx context.Context, userID, code string) error
}

// Config tunes an Issuer.
type Config struct {
	TTL         time.Duration
	MaxAttempts int
	BcryptCost  int
}

// Issuer sends and verifies codes.
type Issuer struct {
	kv     KV
	sender Sender
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func NewIssuer(kv KV, sender Sender, cfg Config, log *zap.Logger) *Issuer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Issuer{kv: kv, sender: sender, cfg: cfg, log: log.Named("otp"), now: time.Now}
}

// GenerateCode returns a uniformly random six digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func sessionKey(id string) string { return "otp:" + id }

// Send creates a session for userID, delivers a fresh code and returns the
// opaque session id the code must later be verified against.
func (i *Issuer) Send(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user_id is required", repository.ErrInvalidInput)
	}
	code, err := GenerateCode()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), i.cfg.BcryptCost)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	sess := model.OTPSession{UserID: userID, CodeHash: string(hash), ExpiresAt: i.now().Add(i.cfg.TTL)}
	if err := i.put(ctx, id, sess); err != nil {
		return "", err
	}
	if err := i.sender.Send(ctx, userID, code); err != nil {
		_ = i.kv.Del(ctx, sessionKey(id))
		return "", fmt.Errorf("%w: deliver otp: %v", repository.ErrUnavailable, err)
	}
	i.log.Info("otp sent", zap.String("user_id", userID), zap.String("session_id", id))
	return id, nil
}

func (i *Issuer) put(ctx context.Context, id string, sess model.OTPSession) error {
	ttl := sess.ExpiresAt.Sub(i.now())
	if ttl <= 0 {
		return i.kv.Del(ctx, sessionKey(id))
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return i.kv.Set(ctx, sessionKey(id), b, ttl)
}

// Verify checks code against a session.  A matching code consumes the
// session.  A wrong code counts an attempt and the session is dropped once
// the attempts are used up.  Unknown and expired sessions verify false.
func (i *Issuer) Verify(ctx context.Context, sessionID, code string) (bool, error) {
	raw, err := i.kv.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, repository.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var sess model.OTPSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return false, fmt.Errorf("decode otp session: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(sess.CodeHash), []byte(code)) == nil {
		if err := i.kv.Del(ctx, sessionKey(sessionID)); err != nil {
			return false, err
		}
		i.log.Info("otp verified", zap.String("session_id", sessionID), zap.String("user_id", sess.UserID))
		return true, nil
	}
	sess.Attempts++
	if sess.Attempts >= i.cfg.MaxAttempts {
		i.log.Warn("otp attempts exhausted", zap.String("session_id", sessionID), zap.String("user_id", sess.UserID))
		return false, i.kv.Del(ctx, sessionKey(sessionID))
	}
	return false, i.put(ctx, sessionID, sess)
}

// Discard drops a session that is no longer needed.
func (i *Issuer) Discard(ctx context.Context, sessionID string) error {
	return i.kv.Del(ctx, sessionKey(sessionID))
}

// LogSender writes codes to the log instead of an SMS or mail gateway.
// Reveal controls whether the code itself is logged; keep it off in production.
type LogSender struct {
	Log    *zap.Logger
	Reveal bool
}

func (s LogSender) Send(_ context.Context, userID, code string) error {
	fields := []zap.Field{zap.String("user_id", userID)}
	if s.Reveal {
		fields = append(fields, zap.String("code", code))
	}
	s.Log.Info("otp delivery", fields...)
	return nil
}
