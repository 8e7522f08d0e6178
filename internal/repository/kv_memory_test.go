package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKVExpiry(t *testing.T) {
	ctx := context.Background()
	now := t0
	kv := NewMemoryKV().WithClock(func() time.Time { return now })

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	now = now.Add(time.Minute)
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryKVSetNX(t *testing.T) {
	ctx := context.Background()
	now := t0
	kv := NewMemoryKV().WithClock(func() time.Time { return now })

	ok, err := kv.SetNX(ctx, "k", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = kv.SetNX(ctx, "k", []byte("2"), time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = kv.SetNX(ctx, "k", []byte("3"), time.Minute)
	assert.True(t, ok, "expired key can be claimed again")

	require.NoError(t, kv.Del(ctx, "k"))
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
