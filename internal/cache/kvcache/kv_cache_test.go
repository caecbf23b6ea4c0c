package kvcache

import (
	"context"
	"testing"
	"time"

	"github.com/iTrooz/urlcache/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestCache(t *testing.T) (*Cache, *cache.DiskStore, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store, err := cache.Open(t.TempDir(), cache.Options{Now: clk.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, clk.Now), store, clk
}

func TestStoreAndData(t *testing.T) {
	kv, store, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, kv.Store(ctx, "avatar/42", []byte("png"), 0))

	data, err := kv.Data(ctx, "avatar/42")
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
	assert.Equal(t, int64(3), store.Size())

	data, err = kv.Data(ctx, "avatar/43")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestExpiry(t *testing.T) {
	kv, store, clk := newTestCache(t)
	ctx := context.Background()
	start := clk.now

	require.NoError(t, kv.Store(ctx, "k", []byte("v"), 10*time.Second))

	clk.now = start.Add(9 * time.Second)
	data, err := kv.Data(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(data))

	clk.now = start.Add(10 * time.Second)
	data, err = kv.Data(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, data)

	// Expired entries still count until trimmed.
	assert.Equal(t, int64(1), store.Len())
}

func TestNonPositiveTTLNeverExpires(t *testing.T) {
	kv, _, clk := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, kv.Store(ctx, "forever", []byte("v"), -time.Second))

	clk.now = clk.now.Add(24 * 365 * time.Hour)
	data, err := kv.Data(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, "v", string(data))
}

func TestRemove(t *testing.T) {
	kv, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, kv.Store(ctx, "k", []byte("v"), 0))
	require.NoError(t, kv.Remove(ctx, "k"))
	require.NoError(t, kv.Remove(ctx, "k"))

	data, err := kv.Data(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestEmptyKey(t *testing.T) {
	kv, _, _ := newTestCache(t)
	ctx := context.Background()

	assert.ErrorIs(t, kv.Store(ctx, "", []byte("v"), 0), cache.ErrInvalidIdentity)
	_, err := kv.Data(ctx, "")
	assert.ErrorIs(t, err, cache.ErrInvalidIdentity)
	assert.ErrorIs(t, kv.Remove(ctx, ""), cache.ErrInvalidIdentity)
}

func TestKeysDoNotCollide(t *testing.T) {
	keys := []string{"a/b", "a%2Fb", "a?b", "a#b", "A/b", "a b"}
	seen := make(map[cache.Identity]string)
	for _, k := range keys {
		id, err := Identity(k)
		require.NoError(t, err)
		prev, dup := seen[id]
		assert.False(t, dup, "%q collides with %q", k, prev)
		seen[id] = k
	}
}
