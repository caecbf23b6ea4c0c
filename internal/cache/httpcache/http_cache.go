// Package httpcache stores *http.Response values in a cache.Cache, keyed by the
// identity of the request that produced them.
package httpcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iTrooz/urlcache/internal/cache"
	"github.com/sirupsen/logrus"
)

// Options configures an HTTPCache.
type Options struct {
	// TTL is the lifetime of a stored response when headers give none. Zero means forever.
	TTL time.Duration
	// RespectHeaders honours Cache-Control and Expires on responses.
	RespectHeaders bool
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

type HTTPCache struct {
	cache cache.Cache
	opts  Options
}

func New(c cache.Cache, opts Options) *HTTPCache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &HTTPCache{
		cache: c,
		opts:  opts,
	}
}

// GenerateKey returns the identity of a request, based on URL, method, selected headers, and body.
// The request body is read and restored.
func (d *HTTPCache) GenerateKey(request *http.Request) (cache.Identity, error) {
	var body []byte
	if request.Body != nil && request.Body != http.NoBody {
		b, err := io.ReadAll(request.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read request body: %w", err)
		}
		if err := request.Body.Close(); err != nil {
			return "", fmt.Errorf("failed to close request body: %w", err)
		}
		request.Body = io.NopCloser(bytes.NewReader(b)) // restore
		body = b
	}

	header := request.Header
	if request.Host != "" && header.Get("Host") == "" {
		// net/http moves Host out of the header map.
		header = header.Clone()
		if header == nil {
			header = make(http.Header)
		}
		header.Set("Host", strings.ToLower(strings.TrimSuffix(strings.TrimSuffix(request.Host, ":80"), ":443")))
	}

	return cache.NewIdentity(request.Method, TargetURL(request), header, body)
}

// Set stores resp as the cached response to request. The response body is
// consumed and replaced with an in-memory copy, so resp stays readable.
func (d *HTTPCache) Set(ctx context.Context, request *http.Request, resp *http.Response) error {
	id, err := d.GenerateKey(request)
	if err != nil {
		return fmt.Errorf("failed to generate cache key: %w", err)
	}

	return d.SetKey(ctx, id, resp)
}

// SetKey is Set for a request whose identity was computed earlier, e.g. before
// its body was sent upstream.
func (d *HTTPCache) SetKey(ctx context.Context, id cache.Identity, resp *http.Response) error {
	body, err := readBody(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	meta, expiresAt := d.metadataFor(resp)
	if meta.Policy == cache.StorageNotAllowed {
		logrus.Debugf("Response for %s forbids storage", id.Short())
	}

	if err := d.cache.StoreWithExpiry(ctx, id, meta, body, expiresAt); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Get returns the cached response to request, or nil on a miss.
func (d *HTTPCache) Get(ctx context.Context, request *http.Request) (*http.Response, error) {
	id, err := d.GenerateKey(request)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cache key: %w", err)
	}

	return d.GetKey(ctx, id, request)
}

// GetKey returns the response cached under id, or nil on a miss. The response
// is associated with request, which may be nil.
func (d *HTTPCache) GetKey(ctx context.Context, id cache.Identity, request *http.Request) (*http.Response, error) {
	entry, err := d.cache.CachedResponse(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	// Handle no cache hit
	if entry == nil {
		return nil, nil
	}

	return d.responseFor(entry, request), nil
}

// Has reports whether a live response to request is cached.
func (d *HTTPCache) Has(ctx context.Context, request *http.Request) (bool, error) {
	id, err := d.GenerateKey(request)
	if err != nil {
		return false, fmt.Errorf("failed to generate cache key: %w", err)
	}
	return d.cache.HasCachedResponse(ctx, id)
}

// Delete removes the cached response to request, if any.
func (d *HTTPCache) Delete(ctx context.Context, request *http.Request) error {
	id, err := d.GenerateKey(request)
	if err != nil {
		return fmt.Errorf("failed to generate cache key: %w", err)
	}
	return d.cache.Delete(ctx, id)
}

// TargetURL returns the absolute URL of a request, whether it came in proxy or origin form.
func TargetURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}

	// Reconstruct URL from Host header
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u := *r.URL
	u.Scheme = scheme
	u.Host = r.Host
	return u.String()
}

func readBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return b, nil
}
