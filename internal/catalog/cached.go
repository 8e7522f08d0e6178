package catalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// KV is implemented by repository.RedisKV and repository.MemoryKV.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// Cached keeps event records in a shared cache for ttl.  Cache errors are
// logged and fall through to the source.
type Cached struct {
	src Source
	kv  KV
	ttl time.Duration
	log *zap.Logger
}

func NewCached(src Source, kv KV, ttl time.Duration, log *zap.Logger) *Cached {
	return &Cached{src: src, kv: kv, ttl: ttl, log: log.Named("catalog")}
}

func (c *Cached) Event(ctx context.Context, id string) (Event, error) {
	key := "event:" + id
	if raw, err := c.kv.Get(ctx, key); err == nil {
		var e Event
		if err := json.Unmarshal(raw, &e); err == nil {
			return e, nil
		}
	}
	e, err := c.src.Event(ctx, id)
	if err != nil {
		return Event{}, err
	}
	if b, err := json.Marshal(e); err == nil {
		if err := c.kv.Set(ctx, key, b, c.ttl); err != nil {
			c.log.Warn("event not cached", zap.String("event_id", id), zap.Error(err))
		}
	}
	return e, nil
}

// Memory is a fixed in-process catalog, used by tests and local runs.
type Memory struct {
	events *xsync.MapOf[string, Event]
}

func NewMemory(events ...Event) *Memory {
	m := &Memory{events: xsync.NewMapOf[string, Event]()}
	for _, e := range events {
		m.Put(e)
	}
	return m
}

func (m *Memory) Put(e Event) { m.events.Store(e.ID, e) }

func (m *Memory) Event(_ context.Context, id string) (Event, error) {
	e, ok := m.events.Load(id)
	if !ok {
		return Event{}, ErrEventNotFound
	}
	return e, nil
}
