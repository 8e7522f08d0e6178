package repository

import (
	"context"
	"slices"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// KV is the key-value store shared by passcodes, tickets, idempotency
// records and request replay.  Get returns ErrKeyNotFound for a missing key.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

var (
	_ KV = (*MemoryKV)(nil)
	_ KV = (*RedisKV)(nil)
)

type kvEntry struct {
	val []byte
	exp time.Time
}

// MemoryKV is the in-process twin of RedisKV.  Expired entries are dropped
// lazily on access.
type MemoryKV struct {
	entries *xsync.MapOf[string, kvEntry]
	now     func() time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: xsync.NewMapOf[string, kvEntry](), now: time.Now}
}

// WithClock replaces the clock, for tests that need to step past a TTL.
func (m *MemoryKV) WithClock(now func() time.Time) *MemoryKV {
	m.now = now
	return m
}

func (m *MemoryKV) live(e kvEntry) bool {
	return e.exp.IsZero() || m.now().Before(e.exp)
}

func (m *MemoryKV) entry(val []byte, ttl time.Duration) kvEntry {
	e := kvEntry{val: slices.Clone(val)}
	if ttl > 0 {
		e.exp = m.now().Add(ttl)
	}
	return e
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := m.entries.Load(key)
	if !ok || !m.live(e) {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(e.val), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.entries.Store(key, m.entry(val, ttl))
	return nil
}

func (m *MemoryKV) SetNX(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	stored := false
	m.entries.Compute(key, func(old kvEntry, loaded bool) (kvEntry, bool) {
		if loaded && m.live(old) {
			return old, false
		}
		stored = true
		return m.entry(val, ttl), false
	})
	return stored, nil
}

func (m *MemoryKV) Del(_ context.Context, key string) error {
	m.entries.Delete(key)
	return nil
}
