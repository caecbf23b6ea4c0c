package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	indexFileName = "index.db"
	lockFileName  = "LOCK"
)

var tracer = otel.Tracer("github.com/iTrooz/urlcache/internal/cache")

// DiskStore is a Cache persisted under a single root directory: an SQLite index
// for metadata and one file per body. A root is owned by one DiskStore at a time.
type DiskStore struct {
	root    string
	opts    Options
	index   *index
	objects *objectStore
	locks   stripedLocks
	hot     *hotLayer
	access  *accessRecorder
	metrics *metrics
	events  eventHub

	size   atomic.Int64
	count  atomic.Int64
	seq    atomic.Int64
	closed atomic.Bool
}

var (
	_ Cache      = (*DiskStore)(nil)
	_ Maintainer = (*DiskStore)(nil)
)

// Open opens or creates the store rooted at root.
func Open(root string, opts Options) (*DiskStore, error) {
	opts.setDefaults()
	if _, err := ParseEvictionPolicy(string(opts.Eviction)); err != nil {
		return nil, err
	}
	if root == "" {
		return nil, fmt.Errorf("cache root cannot be empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := acquireLock(root, opts.BreakLock); err != nil {
		return nil, err
	}

	s := &DiskStore{root: root, opts: opts}
	if err := s.init(); err != nil {
		releaseLock(root)
		return nil, err
	}
	s.metrics = newMetrics(opts.Registerer, s)
	s.access = newAccessRecorder(opts.AccessFlushInterval, s.index.touch)
	go s.access.run()

	logrus.Debugf("Opened cache %s: %d entries, %d bytes", root, s.Len(), s.Size())
	return s, nil
}

func (s *DiskStore) init() error {
	ctx := context.Background()

	ix, err := openIndex(filepath.Join(s.root, indexFileName))
	if err != nil {
		return fmt.Errorf("failed to open cache index: %w", err)
	}
	s.index = ix

	objects, err := newObjectStore(s.root)
	if err != nil {
		ix.close()
		return err
	}
	s.objects = objects

	if s.opts.MemoryBytes > 0 {
		hot, err := newHotLayer(s.opts.MemoryBytes)
		if err != nil {
			ix.close()
			return err
		}
		s.hot = hot
	}

	if err := s.sweep(ctx); err != nil {
		ix.close()
		return fmt.Errorf("failed to sweep cache: %w", err)
	}

	totals, err := ix.totals(ctx)
	if err != nil {
		ix.close()
		return fmt.Errorf("failed to read cache totals: %w", err)
	}
	for _, t := range totals {
		s.size.Add(t.Bytes)
		s.count.Add(t.Entries)
	}

	seq, err := ix.maxSeq(ctx)
	if err != nil {
		ix.close()
		return fmt.Errorf("failed to read cache sequence: %w", err)
	}
	s.seq.Store(seq)
	return nil
}

// sweep removes object files with no index row and index rows with no object file.
func (s *DiskStore) sweep(ctx context.Context) error {
	known, err := s.index.objects(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(known))
	err = s.objects.walk(func(rel string) error {
		if _, ok := known[rel]; ok {
			seen[rel] = struct{}{}
			return nil
		}
		logrus.Debugf("Removing orphaned cache object %s", rel)
		if err := s.objects.remove(rel); err != nil {
			logrus.Warnf("Failed to remove orphaned cache object %s: %v", rel, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for rel, id := range known {
		if _, ok := seen[rel]; ok {
			continue
		}
		logrus.Warnf("Cache entry %s lost its body, dropping it", id.Short())
		if err := s.index.delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes pending access times, closes the index and releases the root.
// Closing twice is a no-op.
func (s *DiskStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.access.close()
	err := s.index.close()
	releaseLock(s.root)
	return err
}

// Root returns the directory the store lives in.
func (s *DiskStore) Root() string {
	return s.root
}

// Size returns the aggregate size of live entry bodies in bytes.
func (s *DiskStore) Size() int64 {
	return s.size.Load()
}

// Len returns the number of stored entries, including logically expired ones
// that have not been purged yet.
func (s *DiskStore) Len() int64 {
	return s.count.Load()
}

// OnClear registers fn for clear lifecycle events. Handlers run synchronously on
// the goroutine calling Clear. The returned function unregisters fn.
func (s *DiskStore) OnClear(fn func(Event)) (unsubscribe func()) {
	return s.events.subscribe(fn)
}

// HasCachedResponse implements Cache.
func (s *DiskStore) HasCachedResponse(ctx context.Context, id Identity) (bool, error) {
	e, err := s.lookup(ctx, id, false)
	return e != nil, err
}

// CachedResponse implements Cache.
func (s *DiskStore) CachedResponse(ctx context.Context, id Identity) (*Entry, error) {
	return s.lookup(ctx, id, true)
}

// CachedData implements Cache.
func (s *DiskStore) CachedData(ctx context.Context, id Identity) ([]byte, error) {
	e, err := s.lookup(ctx, id, true)
	if e == nil || err != nil {
		return nil, err
	}
	return e.Body, nil
}

// Entry implements Maintainer. It returns ErrNotFound for missing or expired entries.
func (s *DiskStore) Entry(ctx context.Context, id Identity) (*Entry, error) {
	e, err := s.lookup(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (s *DiskStore) lookup(ctx context.Context, id Identity, withBody bool) (*Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentity, string(id))
	}

	ctx, span := tracer.Start(ctx, "cache.Lookup", trace.WithAttributes(
		attribute.String("cache.identity", id.Short()),
		attribute.Bool("cache.with_body", withBody),
	))
	defer span.End()

	now := s.opts.Now()

	l := s.locks.forID(id)
	l.RLock()
	defer l.RUnlock()

	if e, ok := s.hot.get(id); ok {
		if e.Expired(now) {
			return s.miss(span, id, "expired"), nil
		}
		if !withBody {
			e.Body = nil
		}
		return s.hit(span, id, e, now), nil
	}

	row, err := s.index.get(ctx, id)
	if err != nil {
		return nil, s.fail(span, storageErr("read index", err))
	}
	if row == nil {
		return s.miss(span, id, "absent"), nil
	}

	e := row.entry()
	if e.Expired(now) {
		return s.miss(span, id, "expired"), nil
	}

	if withBody {
		body, err := s.objects.read(row.object)
		if err != nil {
			return nil, s.fail(span, storageErr("read object", err))
		}
		if int64(len(body)) != row.size {
			return nil, s.fail(span, storageErr("read object",
				fmt.Errorf("body of %s has %d bytes, index says %d", id.Short(), len(body), row.size)))
		}
		e.Body = body
		s.hot.put(e)
	}
	return s.hit(span, id, e, now), nil
}

func (s *DiskStore) hit(span trace.Span, id Identity, e *Entry, now time.Time) *Entry {
	span.SetAttributes(attribute.Bool("cache.hit", true))
	s.metrics.hits.Inc()
	s.access.record(id, now)
	logrus.Debugf("Cache hit for %s", id.Short())
	return e
}

func (s *DiskStore) miss(span trace.Span, id Identity, reason string) *Entry {
	span.SetAttributes(attribute.Bool("cache.hit", false))
	s.metrics.misses.Inc()
	logrus.Debugf("Cache miss for %s (%s)", id.Short(), reason)
	return nil
}

func (s *DiskStore) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Store implements Cache.
func (s *DiskStore) Store(ctx context.Context, id Identity, meta Metadata, body []byte) error {
	return s.StoreWithExpiry(ctx, id, meta, body, time.Time{})
}

// StoreRaw implements Cache.
func (s *DiskStore) StoreRaw(ctx context.Context, id Identity, body []byte) error {
	return s.StoreWithExpiry(ctx, id, Metadata{}, body, time.Time{})
}

// StoreWithExpiry implements Cache. On failure the previous entry, if any, is left intact.
// Once the write has started it runs to completion even if ctx is cancelled.
func (s *DiskStore) StoreWithExpiry(ctx context.Context, id Identity, meta Metadata, body []byte, expiresAt time.Time) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !id.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, string(id))
	}
	if meta.Policy == StorageNotAllowed {
		logrus.Debugf("Not storing %s: storage not allowed", id.Short())
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "cache.Store", trace.WithAttributes(
		attribute.String("cache.identity", id.Short()),
		attribute.Int("cache.size", len(body)),
	))
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	l := s.locks.forID(id)
	l.Lock()
	defer l.Unlock()

	now := s.opts.Now()
	rel, err := s.objects.write(id, body)
	if err != nil {
		s.metrics.storeFailures.Inc()
		return s.fail(span, storageErr("write object", err))
	}

	row := &indexRow{
		id:         id,
		object:     rel,
		size:       int64(len(body)),
		meta:       meta,
		category:   meta.Category(),
		storedAt:   now,
		accessedAt: now,
		expiresAt:  expiresAt,
		seq:        s.seq.Add(1),
	}
	old, err := s.index.put(ctx, row)
	if err != nil {
		if rmErr := s.objects.remove(rel); rmErr != nil {
			logrus.Warnf("Failed to remove unused cache object %s: %v", rel, rmErr)
		}
		s.metrics.storeFailures.Inc()
		return s.fail(span, storageErr("update index", err))
	}

	delta := row.size
	if old != nil {
		delta -= old.size
		if err := s.objects.remove(old.object); err != nil {
			logrus.Warnf("Failed to remove replaced cache object %s: %v", old.object, err)
		}
	} else {
		s.count.Add(1)
	}
	s.size.Add(delta)

	e := row.entry()
	e.Body = body
	s.hot.put(e)

	s.metrics.stores.Inc()
	logrus.Debugf("Cached %s (%d bytes)", id.Short(), row.size)
	return nil
}

// Delete implements Cache.
func (s *DiskStore) Delete(ctx context.Context, id Identity) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !id.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, string(id))
	}

	ctx, span := tracer.Start(ctx, "cache.Delete", trace.WithAttributes(
		attribute.String("cache.identity", id.Short()),
	))
	defer span.End()

	removed, _, err := s.remove(context.WithoutCancel(ctx), id, nil)
	if err != nil {
		return s.fail(span, err)
	}
	if removed {
		s.metrics.deletes.Inc()
	}
	return nil
}

// remove deletes id under its stripe lock when keep is nil or returns true for the
// current row. It reports whether a row was removed and how many bytes it freed.
func (s *DiskStore) remove(ctx context.Context, id Identity, keep func(*indexRow) bool) (bool, int64, error) {
	l := s.locks.forID(id)
	l.Lock()
	defer l.Unlock()

	row, err := s.index.get(ctx, id)
	if err != nil {
		return false, 0, storageErr("read index", err)
	}
	if row == nil {
		s.hot.invalidate(id)
		return false, 0, nil
	}
	if keep != nil && !keep(row) {
		return false, 0, nil
	}

	if err := s.index.delete(ctx, id); err != nil {
		return false, 0, storageErr("delete index row", err)
	}
	s.size.Add(-row.size)
	s.count.Add(-1)
	s.hot.invalidate(id)

	// The entry is gone once its row is; a leftover body is swept on next open.
	if err := s.objects.remove(row.object); err != nil {
		logrus.Warnf("Failed to remove cache object %s: %v", row.object, err)
	}
	return true, row.size, nil
}

// acquireLock claims root by creating its LOCK file exclusively.
func acquireLock(root string, breakLock bool) error {
	path := filepath.Join(root, lockFileName)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			cerr := f.Close()
			if err := errors.Join(werr, cerr); err != nil {
				_ = os.Remove(path)
				return fmt.Errorf("failed to write lock file: %w", err)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}
		if !breakLock || attempt > 0 {
			break
		}
		logrus.Warnf("Breaking stale cache lock %s", path)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to break lock file: %w", err)
		}
	}
	return fmt.Errorf("%w: %s", ErrLocked, root)
}

func releaseLock(root string) {
	if err := os.Remove(filepath.Join(root, lockFileName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.Warnf("Failed to release cache lock: %v", err)
	}
}
