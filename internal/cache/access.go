package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// accessRecorder coalesces read timestamps in memory and writes them to the index
// in batches, keeping the read path free of index writes.
type accessRecorder struct {
	mu      sync.Mutex
	pending map[Identity]time.Time
	flushFn func(ctx context.Context, accesses map[Identity]time.Time) error

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func newAccessRecorder(interval time.Duration, flushFn func(context.Context, map[Identity]time.Time) error) *accessRecorder {
	return &accessRecorder{
		pending:  make(map[Identity]time.Time),
		flushFn:  flushFn,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (a *accessRecorder) record(id Identity, at time.Time) {
	a.mu.Lock()
	if prev, ok := a.pending[id]; !ok || at.After(prev) {
		a.pending[id] = at
	}
	a.mu.Unlock()
}

// flush writes every pending access to the index.
func (a *accessRecorder) flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.pending
	if len(batch) == 0 {
		a.mu.Unlock()
		return nil
	}
	a.pending = make(map[Identity]time.Time, len(batch))
	a.mu.Unlock()

	if err := a.flushFn(ctx, batch); err != nil {
		// Put the batch back so a later flush can retry it.
		a.mu.Lock()
		for id, at := range batch {
			if prev, ok := a.pending[id]; !ok || at.After(prev) {
				a.pending[id] = at
			}
		}
		a.mu.Unlock()
		return err
	}
	return nil
}

func (a *accessRecorder) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.flush(context.Background()); err != nil {
				logrus.Warnf("Failed to record cache accesses: %v", err)
			}
		case <-a.stop:
			if err := a.flush(context.Background()); err != nil {
				logrus.Warnf("Failed to record cache accesses on close: %v", err)
			}
			return
		}
	}
}

func (a *accessRecorder) close() {
	a.once.Do(func() {
		close(a.stop)
	})
	<-a.done
}
