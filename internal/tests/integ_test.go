package tests

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/iTrooz/urlcache/internal/cache"
	"github.com/iTrooz/urlcache/internal/config"
)

func get(t *testing.T, client *http.Client, target string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(target)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestProxyIntegration(t *testing.T) {
	// Create a test upstream server
	var hits atomic.Int32
	upstream := fixture_upstream(&hits)
	defer upstream.Close()

	cfg := fixture_config(t.TempDir(), nil)
	store := fixture_store(t, cfg)

	_, proxyTestServer, client, err := fixture_proxy(cfg, store)
	if err != nil {
		t.Fatalf("Failed to create proxy server: %v", err)
	}
	defer proxyTestServer.Close()

	// Test first request (should hit upstream and cache)
	t.Run("first request - cache miss", func(t *testing.T) {
		resp, body := get(t, client, upstream.URL+"/test")

		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", resp.StatusCode)
		}
		if resp.Header.Get("X-Cache") != "MISS" {
			t.Errorf("Expected X-Cache: MISS, got %s", resp.Header.Get("X-Cache"))
		}
		if !strings.Contains(body, "Hello from upstream") {
			t.Errorf("Unexpected response body: %s", body)
		}
	})

	// Test second request (should hit cache)
	t.Run("second request - cache hit", func(t *testing.T) {
		resp, body := get(t, client, upstream.URL+"/test")

		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", resp.StatusCode)
		}
		if resp.Header.Get("X-Cache") != "HIT" {
			t.Errorf("Expected X-Cache: HIT, got %s", resp.Header.Get("X-Cache"))
		}
		if resp.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected cached Content-Type, got %s", resp.Header.Get("Content-Type"))
		}
		if !strings.Contains(body, "Hello from upstream") {
			t.Errorf("Unexpected response body: %s", body)
		}
		if hits.Load() != 1 {
			t.Errorf("Expected 1 upstream request, got %d", hits.Load())
		}
	})

	// Verify the entry was accounted for
	t.Run("verify cache entry exists", func(t *testing.T) {
		if store.Len() != 1 {
			t.Errorf("Expected 1 cache entry, got %d", store.Len())
		}
		if store.Size() == 0 {
			t.Errorf("Expected non-zero cache size")
		}
	})
}

func TestProxyIntegrationWithCustomRules(t *testing.T) {
	var hits atomic.Int32
	upstream := fixture_upstream(&hits)
	defer upstream.Close()

	// Create custom rules (blacklist mode)
	customRules := &config.RulesConfig{
		Mode: "blacklist",
		Rules: []config.CacheRule{
			{
				BaseURI: "https://example.com",
				Methods: []string{"GET"},
			},
			{
				BaseURI: upstream.URL + "/nocache",
				Methods: []string{"GET"},
			},
		},
	}

	cfg := fixture_config(t.TempDir(), customRules)
	store := fixture_store(t, cfg)

	_, proxyTestServer, client, err := fixture_proxy(cfg, store)
	if err != nil {
		t.Fatalf("Failed to create proxy server: %v", err)
	}
	defer proxyTestServer.Close()

	// Requests are cached since the upstream URL is not in the blacklist
	t.Run("request should be cached with blacklist rules", func(t *testing.T) {
		resp, _ := get(t, client, upstream.URL+"/test")
		if resp.Header.Get("X-Cache") != "MISS" {
			t.Errorf("Expected X-Cache: MISS, got %s", resp.Header.Get("X-Cache"))
		}

		// Second request should hit cache
		resp2, _ := get(t, client, upstream.URL+"/test")
		if resp2.Header.Get("X-Cache") != "HIT" {
			t.Errorf("Expected X-Cache: HIT, got %s", resp2.Header.Get("X-Cache"))
		}
	})

	t.Run("blacklisted request is never cached", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			resp, _ := get(t, client, upstream.URL+"/nocache")
			if resp.Header.Get("X-Cache") != "MISS" {
				t.Errorf("Expected X-Cache: MISS, got %s", resp.Header.Get("X-Cache"))
			}
		}
	})
}

func TestProxyIntegrationWhitelistStatusCodes(t *testing.T) {
	var hits atomic.Int32
	upstream := fixture_upstream(&hits)
	defer upstream.Close()

	cfg := fixture_config(t.TempDir(), &config.RulesConfig{
		Mode: "whitelist",
		Rules: []config.CacheRule{
			{BaseURI: upstream.URL, Methods: []string{"GET"}, StatusCodes: []string{"2xx"}},
		},
	})
	store := fixture_store(t, cfg)

	_, proxyTestServer, client, err := fixture_proxy(cfg, store)
	if err != nil {
		t.Fatalf("Failed to create proxy server: %v", err)
	}
	defer proxyTestServer.Close()

	for i := 0; i < 2; i++ {
		resp, _ := get(t, client, upstream.URL+"/missing")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", resp.StatusCode)
		}
		if resp.Header.Get("X-Cache") != "MISS" {
			t.Errorf("Expected X-Cache: MISS for 404, got %s", resp.Header.Get("X-Cache"))
		}
	}
	if store.Len() != 0 {
		t.Errorf("Expected no cached entries, got %d", store.Len())
	}
}

func TestAdminClearThroughProxy(t *testing.T) {
	var hits atomic.Int32
	upstream := fixture_upstream(&hits)
	defer upstream.Close()

	cfg := fixture_config(t.TempDir(), nil)
	store := fixture_store(t, cfg)

	_, proxyTestServer, client, err := fixture_proxy(cfg, store)
	if err != nil {
		t.Fatalf("Failed to create proxy server: %v", err)
	}
	defer proxyTestServer.Close()

	adminServer := fixture_admin(store)
	defer adminServer.Close()

	get(t, client, upstream.URL+"/a")
	get(t, client, upstream.URL+"/b")

	req, _ := http.NewRequest(http.MethodDelete, adminServer.URL+"/entries", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Clear request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 from clear, got %d", resp.StatusCode)
	}

	resp, err = http.Get(adminServer.URL + "/usage")
	if err != nil {
		t.Fatalf("Usage request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var usage cache.Usage
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		t.Fatalf("Failed to decode usage: %v", err)
	}
	if usage.Entries != 0 || usage.Bytes != 0 {
		t.Errorf("Expected empty cache after clear, got %s", usage)
	}

	again, _ := get(t, client, upstream.URL+"/a")
	if again.Header.Get("X-Cache") != "MISS" {
		t.Errorf("Expected X-Cache: MISS after clear, got %s", again.Header.Get("X-Cache"))
	}
}
