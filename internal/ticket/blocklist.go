package ticket

import (
	"context"
	"errors"
	"time"

	"github.com/iliyamo/ticket-saga/internal/repository"
)

// KV is implemented by repository.RedisKV and repository.MemoryKV.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// Blocklist tracks revoked token ids (jti) and tickets that have already
// admitted someone.  Entries live only as long as the token they describe,
// so the list never outgrows the set of unexpired tokens.
type Blocklist struct {
	kv  KV
	now func() time.Time
}

func NewBlocklist(kv KV) *Blocklist {
	return &Blocklist{kv: kv, now: time.Now}
}

// Revoke blocks jti until the token's own expiry.  Tokens that are already
// expired need no entry.
func (b *Blocklist) Revoke(ctx context.Context, jti string, until time.Time) error {
	ttl := until.Sub(b.now())
	if ttl <= 0 {
		return nil
	}
	return b.kv.Set(ctx, "revoked:"+jti, []byte("1"), ttl)
}

// Unrevoke lifts a revocation.  Unknown ids are fine.
func (b *Blocklist) Unrevoke(ctx context.Context, jti string) error {
	return b.kv.Del(ctx, "revoked:"+jti)
}

// Revoked reports whether jti has been revoked.
func (b *Blocklist) Revoked(ctx context.Context, jti string) (bool, error) {
	_, err := b.kv.Get(ctx, "revoked:"+jti)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repository.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Claim marks jti as used and reports whether this was the first use.
func (b *Blocklist) Claim(ctx context.Context, jti string, until time.Time) (bool, error) {
	ttl := until.Sub(b.now())
	if ttl <= 0 {
		ttl = time.Minute
	}
	return b.kv.SetNX(ctx, "admitted:"+jti, []byte("1"), ttl)
}
