// Package kvcache is a keyed blob cache with per-entry expiry, layered on the
// response cache. Keys map to identities of kv://local/<escaped key>, so keyed
// entries share sizing and trimming with every other entry.
package kvcache

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/iTrooz/urlcache/internal/cache"
)

const prefix = "kv://local/"

// Cache stores byte slices under string keys.
type Cache struct {
	store cache.Cache
	now   func() time.Time
}

// New returns a Cache backed by store. now may be nil.
func New(store cache.Cache, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{store: store, now: now}
}

// Identity returns the store identity a key maps to.
func Identity(key string) (cache.Identity, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", cache.ErrInvalidIdentity)
	}
	return cache.IdentityForURL(prefix + url.PathEscape(key))
}

// Store saves data under key. It expires ttl from now; ttl <= 0 means never.
func (c *Cache) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	id, err := Identity(key)
	if err != nil {
		return err
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	return c.store.StoreWithExpiry(ctx, id, cache.Metadata{}, data, expiresAt)
}

// Data returns the bytes stored under key, or nil if missing or expired.
func (c *Cache) Data(ctx context.Context, key string) ([]byte, error) {
	id, err := Identity(key)
	if err != nil {
		return nil, err
	}
	return c.store.CachedData(ctx, id)
}

// Remove deletes key. Removing a missing key is not an error.
func (c *Cache) Remove(ctx context.Context, key string) error {
	id, err := Identity(key)
	if err != nil {
		return err
	}
	return c.store.Delete(ctx, id)
}
