package tests

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iTrooz/urlcache/internal/admin"
	"github.com/iTrooz/urlcache/internal/cache"
	"github.com/iTrooz/urlcache/internal/cache/httpcache"
	"github.com/iTrooz/urlcache/internal/config"
	"github.com/iTrooz/urlcache/internal/proxy"
)

// fixture_upstream creates a test upstream server counting the requests it answers
func fixture_upstream(hits *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		hits.Add(1)
		if requ.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message": "Hello from upstream", "path": "` + requ.URL.Path + `"}`))
	}))
}

// fixture_config creates a test config with optional rules
func fixture_config(tempDir string, rules *config.RulesConfig) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0 // Will be set by test server
	cfg.Cache.Folder = tempDir
	cfg.Rules.Mode = "blacklist"

	if rules != nil {
		cfg.Rules = *rules
	}

	return &cfg
}

// fixture_store opens the cache described by cfg
func fixture_store(t *testing.T, cfg *config.Config) *cache.DiskStore {
	t.Helper()
	opts, err := cfg.CacheOptions()
	if err != nil {
		t.Fatalf("Invalid cache options: %v", err)
	}
	store, err := cache.Open(cfg.Cache.Folder, opts)
	if err != nil {
		t.Fatalf("Failed to open cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fixture_proxy creates a proxy server with the given config and returns the server, test server, and HTTP client
func fixture_proxy(cfg *config.Config, store cache.Cache) (*proxy.Server, *httptest.Server, *http.Client, error) {
	ttl, err := cfg.GetCacheTTL()
	if err != nil {
		return nil, nil, nil, err
	}
	proxyServer, err := proxy.New(cfg, httpcache.New(store, httpcache.Options{TTL: ttl, RespectHeaders: cfg.Cache.RespectHeaders}))
	if err != nil {
		return nil, nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, proxyTestServer, client, nil
}

// fixture_admin serves the admin API of store
func fixture_admin(store admin.Store) *httptest.Server {
	return httptest.NewServer(admin.NewRouter(store, nil))
}
