// Package fetch is a cache-then-network HTTP client: lookups are answered from
// the response cache when possible, and fetched responses are stored in it.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/iTrooz/urlcache/internal/cache"
	"github.com/iTrooz/urlcache/internal/cache/httpcache"
)

// ErrStatus is wrapped by *StatusError.
var ErrStatus = errors.New("unexpected HTTP status")

// StatusError is returned for non-2xx responses when Options.RequireOK is set.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Options configures a Client.
type Options struct {
	// UserAgent is sent with every request when non-empty.
	UserAgent string
	// RequireOK turns non-2xx responses into a *StatusError and keeps them out of the cache.
	RequireOK bool
	// CanCache enables cache lookups and stores.
	CanCache bool
	// Timeout bounds a single upstream round trip. Zero means no limit.
	Timeout time.Duration
	// Resolver caches DNS lookups when non-nil.
	Resolver *dnscache.Resolver
	// Transport overrides the default transport.
	Transport http.RoundTripper
}

// Response is a fully read upstream or cached response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
}

// Client fetches through a response cache.
type Client struct {
	http  *http.Client
	cache *httpcache.HTTPCache
	opts  Options
	group singleflight.Group
}

// New returns a Client storing responses in hc. hc may be nil to disable caching.
func New(hc *httpcache.HTTPCache, opts Options) *Client {
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport(opts.Resolver)
	}
	return &Client{
		http:  &http.Client{Transport: transport, Timeout: opts.Timeout},
		cache: hc,
		opts:  opts,
	}
}

// Get fetches rawURL with a GET request.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.Do(ctx, req)
}

// Do answers req from the cache, or fetches it and stores the response.
// Concurrent fetches of the same request share one upstream round trip.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	if c.opts.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if !c.caching() {
		return c.fetch(ctx, req, "")
	}

	key, err := c.cache.GenerateKey(req)
	if err != nil {
		return nil, err
	}

	if resp, err := c.cache.GetKey(ctx, key, req); err != nil {
		logrus.Warnf("Cache lookup failed for %s, fetching: %v", req.URL, err)
	} else if resp != nil {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read cached body: %w", err)
		}
		logrus.Debugf("Served %s from cache", req.URL)
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body, FromCache: true}, nil
	}

	v, err, shared := c.group.Do(string(key), func() (any, error) {
		return c.fetch(ctx, req, key)
	})
	if err != nil {
		return nil, err
	}
	resp := v.(*Response)
	if shared {
		cp := *resp
		cp.Header = resp.Header.Clone()
		cp.Body = bytes.Clone(resp.Body)
		resp = &cp
	}
	return resp, nil
}

func (c *Client) caching() bool {
	return c.opts.CanCache && c.cache != nil
}

// fetch performs req upstream and, when key is set, stores the response under it.
// The key is computed by the caller because the transport consumes the request body.
func (c *Client) fetch(ctx context.Context, req *http.Request, key cache.Identity) (*Response, error) {
	upstream, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", req.URL, err)
	}
	defer upstream.Body.Close()

	body, err := io.ReadAll(upstream.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	ok := upstream.StatusCode >= 200 && upstream.StatusCode < 300
	if c.opts.RequireOK && !ok {
		return nil, &StatusError{URL: req.URL.String(), StatusCode: upstream.StatusCode}
	}

	if key != "" {
		upstream.Body = io.NopCloser(bytes.NewReader(body))
		// The fetch already happened; keep it even if the caller gave up.
		if err := c.cache.SetKey(context.WithoutCancel(ctx), key, upstream); err != nil {
			logrus.Errorf("Failed to cache response for %s: %v", req.URL, err)
		}
	}

	logrus.Debugf("Fetched %s -> %d (%d bytes)", req.URL, upstream.StatusCode, len(body))
	return &Response{StatusCode: upstream.StatusCode, Header: upstream.Header, Body: body}, nil
}
