package cache

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityNormalization(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"scheme and host case", "HTTPS://Example.COM/path", "https://example.com/path"},
		{"default https port", "https://example.com:443/path", "https://example.com/path"},
		{"default http port", "http://example.com:80/", "http://example.com/"},
		{"empty path", "https://example.com", "https://example.com/"},
		{"query order", "https://example.com/?b=2&a=1", "https://example.com/?a=1&b=2"},
		{"fragment", "https://example.com/page#top", "https://example.com/page"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := IdentityForURL(tt.a)
			require.NoError(t, err)
			b, err := IdentityForURL(tt.b)
			require.NoError(t, err)
			assert.Equal(t, a, b)
		})
	}
}

func TestIdentityDistinguishesRequests(t *testing.T) {
	base, err := NewIdentity(http.MethodGet, "https://example.com/api", nil, nil)
	require.NoError(t, err)

	others := map[string]func() (Identity, error){
		"method": func() (Identity, error) {
			return NewIdentity(http.MethodPost, "https://example.com/api", nil, nil)
		},
		"path case": func() (Identity, error) {
			return NewIdentity(http.MethodGet, "https://example.com/API", nil, nil)
		},
		"non-default port": func() (Identity, error) {
			return NewIdentity(http.MethodGet, "https://example.com:8443/api", nil, nil)
		},
		"accept header": func() (Identity, error) {
			return NewIdentity(http.MethodGet, "https://example.com/api", http.Header{"Accept": {"text/html"}}, nil)
		},
		"body": func() (Identity, error) {
			return NewIdentity(http.MethodGet, "https://example.com/api", nil, []byte(`{"q":1}`))
		},
		"semicolon query": func() (Identity, error) {
			return IdentityForURL("https://example.com/api?a=1;b=2")
		},
		"bad query escape": func() (Identity, error) {
			return IdentityForURL("https://example.com/api?q=%zz")
		},
	}
	for name, fn := range others {
		t.Run(name, func(t *testing.T) {
			id, err := fn()
			require.NoError(t, err)
			assert.NotEqual(t, base, id)
		})
	}
}

func TestIdentityKeepsUnparsableQueries(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"semicolon", "http://example.com/p?a=1;b=2", "http://example.com/p?a=1;b=3"},
		{"bad escape", "http://example.com/p?q=%zz", "http://example.com/p?q=%zy"},
		{"bad escape against empty", "http://example.com/p?q=%zz", "http://example.com/p"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := IdentityForURL(tt.a)
			require.NoError(t, err)
			b, err := IdentityForURL(tt.b)
			require.NoError(t, err)
			assert.NotEqual(t, a, b)
		})
	}
}

func TestIdentityIgnoresOtherHeaders(t *testing.T) {
	a, err := NewIdentity(http.MethodGet, "https://example.com/", http.Header{"X-Request-Id": {"1"}}, nil)
	require.NoError(t, err)
	b, err := NewIdentity("get", "https://example.com/", http.Header{"X-Request-Id": {"2"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestIdentityRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"", "   ", "/relative/path", "https://", "http://%zz"} {
		t.Run(raw, func(t *testing.T) {
			_, err := IdentityForURL(raw)
			assert.ErrorIs(t, err, ErrInvalidIdentity)
		})
	}
}

func TestParseIdentity(t *testing.T) {
	id, err := IdentityForURL("https://example.com/")
	require.NoError(t, err)
	assert.True(t, id.Valid())
	assert.Len(t, id.Short(), 12)

	parsed, err := ParseIdentity(strings.ToUpper(id.String()))
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseIdentity("xyz")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}
