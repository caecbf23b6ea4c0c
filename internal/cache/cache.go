// Package cache is a durable response cache: it maps request identities to
// response metadata and body bytes, tracks the aggregate size of what it holds,
// and trims itself to a byte budget or a cutoff date on demand.
//
// Lookups report a miss as a nil result with a nil error; an error always means
// the storage medium failed.
package cache

import (
	"context"
	"time"
)

// Cache is the lookup and mutation surface used by request-level consumers.
type Cache interface {
	// HasCachedResponse reports whether a live, non-expired entry exists.
	HasCachedResponse(ctx context.Context, id Identity) (bool, error)
	// CachedResponse returns the full entry, or nil on a miss.
	CachedResponse(ctx context.Context, id Identity) (*Entry, error)
	// CachedData returns only the body, or nil on a miss.
	CachedData(ctx context.Context, id Identity) ([]byte, error)
	// Store inserts or atomically replaces an entry that never expires logically.
	Store(ctx context.Context, id Identity, meta Metadata, body []byte) error
	// StoreWithExpiry is Store with an explicit expiry; a zero time means none.
	StoreWithExpiry(ctx context.Context, id Identity, meta Metadata, body []byte, expiresAt time.Time) error
	// StoreRaw stores a body-only entry.
	StoreRaw(ctx context.Context, id Identity, body []byte) error
	// Delete removes an entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, id Identity) error
}

// Maintainer is the bulk surface used by housekeeping and admin tooling.
type Maintainer interface {
	// Clear removes every entry, bracketed by clear events.
	Clear(ctx context.Context) (TrimResult, error)
	// TrimToSize evicts entries until the aggregate size is at most target bytes.
	TrimToSize(ctx context.Context, target int64) (TrimResult, error)
	// TrimToDate evicts every entry stored before cutoff.
	TrimToDate(ctx context.Context, cutoff time.Time) (TrimResult, error)
	// Usage reports the current disk usage.
	Usage(ctx context.Context) (Usage, error)
	// DiskUsage computes Usage in the background and delivers it once.
	DiskUsage(ctx context.Context) <-chan UsageReport
	// Entry returns the metadata of an entry without its body.
	Entry(ctx context.Context, id Identity) (*Entry, error)
}
