package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 256

// stripedLocks maps identities onto a fixed set of RW mutexes. Two identities may
// share a stripe; one identity always maps to the same stripe.
type stripedLocks struct {
	stripes [lockStripes]sync.RWMutex
}

func (l *stripedLocks) forID(id Identity) *sync.RWMutex {
	return &l.stripes[xxhash.Sum64String(string(id))%lockStripes]
}
