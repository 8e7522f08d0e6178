package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV stores short-lived values (OTP sessions, revoked token ids,
// idempotency records) in Redis under a common prefix.  Connection
// failures are reported as ErrUnavailable.
type RedisKV struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisKV returns a RedisKV.  prefix is joined to every key with ":".
func NewRedisKV(rdb *redis.Client, prefix string) *RedisKV {
	return &RedisKV{rdb: rdb, prefix: prefix}
}

func (r *RedisKV) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: redis: %v", ErrUnavailable, err)
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return b, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return unavailable(r.rdb.Set(ctx, r.key(key), val, ttl).Err())
}

// SetNX stores val only when key is absent and reports whether it did.
func (r *RedisKV) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.key(key), val, ttl).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	return unavailable(r.rdb.Del(ctx, r.key(key)).Err())
}
