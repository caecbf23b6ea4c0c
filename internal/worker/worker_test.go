package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/urlcache/internal/cache"
)

type funcWorker func(ctx context.Context) error

func (f funcWorker) Run(ctx context.Context) error { return f(ctx) }

func TestRunnerCancelsOnFirstError(t *testing.T) {
	boom := errors.New("boom")
	stopped := make(chan struct{})

	r := NewRunner(
		funcWorker(func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		}),
		funcWorker(func(ctx context.Context) error { return boom }),
	)

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("sibling worker was not cancelled")
	}
}

func TestRunnerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(funcWorker(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

type fakeTrimmer struct {
	mu      sync.Mutex
	sizes   []int64
	cutoffs []time.Time
}

func (f *fakeTrimmer) TrimToSize(_ context.Context, target int64) (cache.TrimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes = append(f.sizes, target)
	return cache.TrimResult{Removed: 1, FreedBytes: 10}, nil
}

func (f *fakeTrimmer) TrimToDate(_ context.Context, cutoff time.Time) (cache.TrimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return cache.TrimResult{}, nil
}

func TestJanitorRunOnce(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trimmer := &fakeTrimmer{}
	j := NewJanitor(trimmer, JanitorConfig{
		Interval: time.Minute,
		MaxAge:   time.Hour,
		MaxSize:  1000,
		Now:      func() time.Time { return now },
	})

	j.RunOnce(context.Background())

	assert.Equal(t, []time.Time{now.Add(-time.Hour)}, trimmer.cutoffs)
	assert.Equal(t, []int64{1000}, trimmer.sizes)
}

func TestJanitorSkipsDisabledBounds(t *testing.T) {
	trimmer := &fakeTrimmer{}
	j := NewJanitor(trimmer, JanitorConfig{Interval: time.Minute, MaxSize: 10})

	j.RunOnce(context.Background())

	assert.Empty(t, trimmer.cutoffs)
	assert.Equal(t, []int64{10}, trimmer.sizes)
}

func TestJanitorRunsOnStartAndStops(t *testing.T) {
	trimmer := &fakeTrimmer{}
	j := NewJanitor(trimmer, JanitorConfig{Interval: time.Hour, MaxSize: 10})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	require.Eventually(t, func() bool {
		trimmer.mu.Lock()
		defer trimmer.mu.Unlock()
		return len(trimmer.sizes) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestJanitorAgainstStore(t *testing.T) {
	store, err := cache.Open(t.TempDir(), cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		id, err := cache.IdentityForURL("https://example.com/" + name)
		require.NoError(t, err)
		require.NoError(t, store.StoreRaw(ctx, id, make([]byte, 100)))
	}

	NewJanitor(store, JanitorConfig{Interval: time.Minute, MaxSize: 150}).RunOnce(ctx)
	assert.LessOrEqual(t, store.Size(), int64(150))
}
