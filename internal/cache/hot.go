package cache

import (
	"bytes"
	"fmt"
	"math"

	"github.com/maypok86/otter/v2"
)

// entryOverhead approximates the bookkeeping cost of a hot entry beyond its body.
const entryOverhead = 256

// hotLayer keeps recently used entries, bodies included, in memory. It is only
// mutated while the entry's stripe lock is held, so it never disagrees with disk.
type hotLayer struct {
	cache *otter.Cache[Identity, *Entry]
}

func newHotLayer(maxBytes uint64) (*hotLayer, error) {
	c, err := otter.New[Identity, *Entry](&otter.Options[Identity, *Entry]{
		MaximumWeight: maxBytes,
		Weigher: func(_ Identity, e *Entry) uint32 {
			w := uint64(len(e.Body)) + entryOverhead
			if w > math.MaxUint32 {
				return math.MaxUint32
			}
			return uint32(w)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create hot cache: %w", err)
	}
	return &hotLayer{cache: c}, nil
}

// get returns a copy of the cached entry so callers cannot alias the cached body.
func (h *hotLayer) get(id Identity) (*Entry, bool) {
	if h == nil {
		return nil, false
	}
	e, ok := h.cache.GetIfPresent(id)
	if !ok {
		return nil, false
	}
	cp := *e
	cp.Body = bytes.Clone(e.Body)
	return &cp, true
}

func (h *hotLayer) put(e *Entry) {
	if h == nil {
		return
	}
	cp := *e
	cp.Body = bytes.Clone(e.Body)
	h.cache.Set(e.Identity, &cp)
}

func (h *hotLayer) invalidate(id Identity) {
	if h == nil {
		return
	}
	h.cache.Invalidate(id)
}

func (h *hotLayer) purge() {
	if h == nil {
		return
	}
	h.cache.InvalidateAll()
}
