package cache

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EvictionPolicy orders entries for TrimToSize.
type EvictionPolicy string

const (
	// EvictionLRU removes the least recently accessed entries first.
	EvictionLRU EvictionPolicy = "lru"
	// EvictionFIFO removes the least recently stored entries first.
	EvictionFIFO EvictionPolicy = "fifo"
)

// ParseEvictionPolicy accepts "lru", "fifo" or "" (lru).
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch EvictionPolicy(s) {
	case "", EvictionLRU:
		return EvictionLRU, nil
	case EvictionFIFO:
		return EvictionFIFO, nil
	default:
		return "", fmt.Errorf("unknown eviction policy %q (want lru or fifo)", s)
	}
}

const (
	defaultTrimBatchSize       = 64
	defaultAccessFlushInterval = time.Second
)

// Options configures a DiskStore.
type Options struct {
	// Eviction selects the TrimToSize order. Defaults to EvictionLRU.
	Eviction EvictionPolicy
	// MemoryBytes bounds the in-memory body layer; 0 disables it.
	MemoryBytes uint64
	// TrimBatchSize is the number of candidates loaded per trim round.
	TrimBatchSize int
	// AccessFlushInterval is how often recorded reads are written to the index.
	AccessFlushInterval time.Duration
	// BreakLock removes a stale LOCK file left by a crashed process.
	BreakLock bool
	// Registerer receives the store metrics. Nil means no registration.
	Registerer prometheus.Registerer
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Eviction == "" {
		o.Eviction = EvictionLRU
	}
	if o.TrimBatchSize <= 0 {
		o.TrimBatchSize = defaultTrimBatchSize
	}
	if o.AccessFlushInterval <= 0 {
		o.AccessFlushInterval = defaultAccessFlushInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
