package proxy

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/iTrooz/urlcache/internal/cache"
	"github.com/iTrooz/urlcache/internal/cache/httpcache"
	"github.com/iTrooz/urlcache/internal/config"
)

func newTestServer(t *testing.T, rules config.RulesConfig) *Server {
	t.Helper()
	store, err := cache.Open(t.TempDir(), cache.Options{})
	if err != nil {
		t.Fatalf("cache.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Cache: config.CacheConfig{TTL: "1h", Folder: t.TempDir()},
		Rules: rules,
	}
	s, err := New(cfg, httpcache.New(store, httpcache.Options{TTL: time.Hour}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestNew(t *testing.T) {
	s := newTestServer(t, config.RulesConfig{Mode: "whitelist"})
	if s.GetProxy() == nil {
		t.Fatal("GetProxy() returned nil")
	}
}

func TestNewRequiresCache(t *testing.T) {
	if _, err := New(&config.Config{}, nil); err == nil {
		t.Fatal("New() without cache should fail")
	}
}

func TestConfigRuleMatchWithStatusCodes(t *testing.T) {
	rule := &ConfigRule{
		CacheRule: config.CacheRule{
			BaseURI:     "https://api.example.com",
			Methods:     []string{"GET", "POST"},
			StatusCodes: []string{"200", "4xx"},
		},
	}

	tests := []struct {
		name       string
		targetURL  string
		method     string
		statusCode int
		want       bool
	}{
		{
			name:       "matching URL, method, and status code",
			targetURL:  "https://api.example.com/users",
			method:     "GET",
			statusCode: 200,
			want:       true,
		},
		{
			name:       "matching URL, method, and status pattern",
			targetURL:  "https://api.example.com/users",
			method:     "GET",
			statusCode: 404,
			want:       true,
		},
		{
			name:       "matching URL and method, non-matching status",
			targetURL:  "https://api.example.com/users",
			method:     "GET",
			statusCode: 500,
			want:       false,
		},
		{
			name:       "non-matching method",
			targetURL:  "https://api.example.com/users",
			method:     "DELETE",
			statusCode: 200,
			want:       false,
		},
		{
			name:       "non-matching base URI",
			targetURL:  "https://other.example.com/users",
			method:     "GET",
			statusCode: 200,
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.targetURL)
			if err != nil {
				t.Fatalf("Failed to parse URL %s: %v", tt.targetURL, err)
			}

			requ := &http.Request{
				URL:    u,
				Method: tt.method,
			}
			resp := &http.Response{
				StatusCode: tt.statusCode,
			}

			got := rule.Match(requ, resp)
			if got != tt.want {
				t.Errorf("ConfigRule.Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldBeCached(t *testing.T) {
	rules := []config.CacheRule{
		{BaseURI: "https://api.example.com", Methods: []string{"GET"}},
		{BaseURI: "https://cdn.example.com", Methods: []string{"GET"}, StatusCodes: []string{"5xx"}},
	}

	tests := []struct {
		name   string
		mode   string
		target string
		status int // 0 means request phase
		want   bool
	}{
		{"whitelist match", "whitelist", "https://api.example.com/a", 200, true},
		{"whitelist no match", "whitelist", "https://other.example.com/a", 200, false},
		{"whitelist request phase", "whitelist", "https://cdn.example.com/a", 0, true},
		{"blacklist match", "blacklist", "https://api.example.com/a", 200, false},
		{"blacklist no match", "blacklist", "https://other.example.com/a", 200, true},
		{"blacklist status excluded", "blacklist", "https://cdn.example.com/a", 503, false},
		{"blacklist status allowed", "blacklist", "https://cdn.example.com/a", 200, true},
		{"blacklist lookup not excluded by status rule", "blacklist", "https://cdn.example.com/a", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, config.RulesConfig{Mode: tt.mode, Rules: rules})
			u, _ := url.Parse(tt.target)
			requ := &http.Request{URL: u, Method: http.MethodGet}

			var resp *http.Response
			if tt.status != 0 {
				resp = &http.Response{StatusCode: tt.status}
			}
			if got := s.shouldBeCached(requ, resp); got != tt.want {
				t.Errorf("shouldBeCached() = %v, want %v", got, tt.want)
			}
		})
	}
}
