package otp

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/ticket-saga/internal/repository"
)

type inbox struct {
	codes map[string]string
	err   error
}

func (b *inbox) Send(_ context.Context, userID, code string) error {
	if b.err != nil {
		return b.err
	}
	b.codes[userID] = code
	return nil
}

func newIssuer(kv *repository.MemoryKV) (*Issuer, *inbox) {
	box := &inbox{codes: map[string]string{}}
	cfg := Config{TTL: 5 * time.Minute, MaxAttempts: 3, BcryptCost: bcrypt.MinCost}
	return NewIssuer(kv, box, cfg, zap.NewNop()), box
}

func TestGenerateCode(t *testing.T) {
	re := regexp.MustCompile(`^\d{6}$`)
	for i := 0; i < 50; i++ {
		c, err := GenerateCode()
		require.NoError(t, err)
		assert.Regexp(t, re, c)
	}
}

func TestSendAndVerify(t *testing.T) {
	ctx := context.Background()
	iss, box := newIssuer(repository.NewMemoryKV())

	sid, err := iss.Send(ctx, "alice")
	require.NoError(t, err)
	code := box.codes["alice"]
	require.Len(t, code, 6)

	ok, err := iss.Verify(ctx, sid, code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = iss.Verify(ctx, sid, code)
	require.NoError(t, err)
	assert.False(t, ok, "a session verifies once")
}

func TestWrongCodesExhaustSession(t *testing.T) {
	ctx := context.Background()
	iss, box := newIssuer(repository.NewMemoryKV())
	sid, err := iss.Send(ctx, "bob")
	require.NoError(t, err)
	wrong := "000000"
	if box.codes["bob"] == wrong {
		wrong = "111111"
	}

	for i := 0; i < 3; i++ {
		ok, err := iss.Verify(ctx, sid, wrong)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	ok, err := iss.Verify(ctx, sid, box.codes["bob"])
	require.NoError(t, err)
	assert.False(t, ok, "session is gone after max attempts")
}

func TestSessionExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	kv := repository.NewMemoryKV().WithClock(func() time.Time { return now })
	iss, box := newIssuer(kv)
	iss.now = func() time.Time { return now }

	sid, err := iss.Send(ctx, "carol")
	require.NoError(t, err)
	now = now.Add(5 * time.Minute)
	ok, err := iss.Verify(ctx, sid, box.codes["carol"])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendFailureDropsSession(t *testing.T) {
	iss, box := newIssuer(repository.NewMemoryKV())
	box.err = errors.New("gateway down")
	_, err := iss.Send(context.Background(), "dave")
	assert.ErrorIs(t, err, repository.ErrUnavailable)

	_, err = iss.Send(context.Background(), "")
	assert.ErrorIs(t, err, repository.ErrInvalidInput)
}
