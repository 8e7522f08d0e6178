// Package idempotency records the result of a side-effecting call under a
// caller-chosen key, so a retried call with the same key returns the
// recorded result instead of running again.  Saga steps use the key
// "<saga_id>:<step_index>".
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/repository"
)

// KV is implemented by repository.RedisKV and repository.MemoryKV.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// Guard stores results for ttl.  A nil *Guard runs every call.
type Guard struct {
	kv  KV
	ttl time.Duration
	log *zap.Logger
}

func NewGuard(kv KV, ttl time.Duration, log *zap.Logger) *Guard {
	return &Guard{kv: kv, ttl: ttl, log: log.Named("idempotency")}
}

func recordKey(key string) string { return "idem:" + key }

// Do runs fn once per key.  Only successful results are recorded: a failed
// call leaves nothing behind and the next call with the key runs fn again.
// When the record cannot be read the call is not attempted.
func Do[T any](ctx context.Context, g *Guard, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if g == nil || key == "" {
		return fn(ctx)
	}
	raw, err := g.kv.Get(ctx, recordKey(key))
	switch {
	case err == nil:
		var prior T
		if err := json.Unmarshal(raw, &prior); err != nil {
			return zero, fmt.Errorf("decode idempotency record %s: %w", key, err)
		}
		g.log.Debug("replayed recorded result", zap.String("key", key))
		return prior, nil
	case !errors.Is(err, repository.ErrKeyNotFound):
		return zero, err
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return out, fmt.Errorf("encode idempotency record %s: %w", key, err)
	}
	if err := g.kv.Set(ctx, recordKey(key), b, g.ttl); err != nil {
		g.log.Warn("result not recorded", zap.String("key", key), zap.Error(err))
	}
	return out, nil
}
