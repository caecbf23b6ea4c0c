package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/urlcache/internal/cache"
	"github.com/iTrooz/urlcache/internal/cache/kvcache"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := "cache:\n  folder: " + filepath.Join(dir, "cache") + "\n  max_size: 10MB\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestMaintenanceCommands(t *testing.T) {
	dir := t.TempDir()
	opts := options{configPath: writeConfig(t, dir)}

	payload := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(payload, []byte("hello"), 0644))

	require.NoError(t, run(opts, []string{"kv-put", "greeting", payload}))
	require.NoError(t, run(opts, []string{"kv-get", "greeting"}))
	require.NoError(t, run(opts, []string{"usage"}))
	require.NoError(t, run(opts, []string{"reconcile"}))
	require.NoError(t, run(opts, []string{"trim-size", "1MB"}))

	// Still there: 5 bytes fit in 1MB.
	store, err := cache.Open(filepath.Join(dir, "cache"), cache.Options{})
	require.NoError(t, err)
	data, err := kvcache.New(store, nil).Data(context.Background(), "greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	require.NoError(t, store.Close())

	require.NoError(t, run(opts, []string{"clear"}))
	err = run(opts, []string{"kv-get", "greeting"})
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestKVPutTTLFlag(t *testing.T) {
	dir := t.TempDir()
	opts := options{configPath: writeConfig(t, dir)}
	payload := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(payload, []byte("hello"), 0644))

	tests := []struct {
		name string
		key  string
		args []string
	}{
		{"after positionals", "after", []string{"kv-put", "after", payload, "-ttl", "1h"}},
		{"before positionals", "before", []string{"kv-put", "-ttl=1h", "before", payload}},
		{"between positionals", "between", []string{"kv-put", "between", "-ttl", "1h", payload}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, run(opts, tt.args))

			store, err := cache.Open(filepath.Join(dir, "cache"), cache.Options{})
			require.NoError(t, err)
			defer store.Close()

			id, err := kvcache.Identity(tt.key)
			require.NoError(t, err)
			entry, err := store.Entry(context.Background(), id)
			require.NoError(t, err)
			assert.False(t, entry.ExpiresAt.IsZero())
			assert.Equal(t, int64(len("hello")), entry.Size)
		})
	}

	assert.ErrorIs(t, run(opts, []string{"kv-put", "k", payload, "-ttl", "soon"}), errUsage)
	assert.ErrorIs(t, run(opts, []string{"kv-put", "k", payload, "extra"}), errUsage)
}

func TestRunRejectsBadArguments(t *testing.T) {
	dir := t.TempDir()
	opts := options{configPath: writeConfig(t, dir)}

	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"frobnicate"}},
		{"trim-size without size", []string{"trim-size"}},
		{"kv-put without file", []string{"kv-put", "key"}},
		{"fetch without url", []string{"fetch"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, run(opts, tt.args), errUsage)
		})
	}

	assert.Error(t, run(opts, []string{"trim-size", "lots"}))
	assert.Error(t, run(opts, []string{"trim-age", "-1h"}))
}

func TestRunMissingConfig(t *testing.T) {
	err := run(options{configPath: filepath.Join(t.TempDir(), "absent.yaml")}, []string{"usage"})
	assert.Error(t, err)
}
