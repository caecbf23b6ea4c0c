package cache

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrStorageFailure is returned when the underlying medium rejects a read, write or delete.
var ErrStorageFailure = errors.New("cache storage failure")

// ErrNotFound is returned by operations that must report a missing entry.
// Ordinary lookups report a miss as a nil result instead.
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidIdentity is returned when a key or URL cannot be mapped to an identity.
var ErrInvalidIdentity = errors.New("invalid cache identity")

// ErrLocked is returned when another store already owns the cache root.
var ErrLocked = errors.New("cache root is locked by another store")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("cache store is closed")

// storageErr wraps err so that errors.Is(err, ErrStorageFailure) holds.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
}

// PartialError reports the entries a best-effort operation (trim, clear) failed to remove.
type PartialError struct {
	Op     string
	Failed map[Identity]error
}

func (e *PartialError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id.Short())
	}
	sort.Strings(ids)
	return fmt.Sprintf("%s: failed to remove %d entries (%s)", e.Op, len(e.Failed), strings.Join(ids, ", "))
}

func (e *PartialError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

func (e *PartialError) add(id Identity, err error) {
	if e.Failed == nil {
		e.Failed = make(map[Identity]error)
	}
	e.Failed[id] = err
}

// orNil returns e as an error, or nil when nothing failed.
func (e *PartialError) orNil() error {
	if len(e.Failed) == 0 {
		return nil
	}
	return e
}
