package proxy

import (
	"context"
	"net/http"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/urlcache/internal/cache"
)

const (
	headerCache = "X-Cache"
	cacheHit    = "HIT"
	cacheMiss   = "MISS"
)

// requestState is carried from the request to the response handler in ProxyCtx.UserData.
type requestState struct {
	key       cache.Identity
	cacheable bool
}

// onRequest serves cached responses and remembers the request identity, which
// can no longer be computed once the body has been sent upstream.
func (s *Server) onRequest(requ *http.Request, pctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	state := &requestState{cacheable: s.shouldBeCached(requ, nil)}
	pctx.UserData = state
	if !state.cacheable {
		logrus.Debugf("Not caching %s %s (disabled by rules)", requ.Method, requ.URL)
		return requ, nil
	}

	key, err := s.cacheManager.GenerateKey(requ)
	if err != nil {
		logrus.Warnf("Failed to generate cache key for %s: %v", requ.URL, err)
		state.cacheable = false
		return requ, nil
	}
	state.key = key

	if resp := s.getCachedResponse(requ.Context(), key, requ); resp != nil {
		logrus.Infof("Serving from cache: %s %s", requ.Method, requ.URL)
		return requ, resp
	}
	return requ, nil
}

func (s *Server) onResponse(resp *http.Response, pctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil || resp.Header.Get(headerCache) == cacheHit {
		return resp
	}
	resp.Header.Set(headerCache, cacheMiss)

	state, ok := pctx.UserData.(*requestState)
	if !ok || !state.cacheable || state.key == "" {
		return resp
	}
	if s.shouldBeCached(pctx.Req, resp) {
		s.cacheResponse(pctx.Req, state.key, resp)
	}
	logrus.Infof("Forwarded request: %s %s -> %d", pctx.Req.Method, pctx.Req.URL, resp.StatusCode)
	return resp
}

// getCachedResponse returns a cached HTTP response if available
func (s *Server) getCachedResponse(ctx context.Context, key cache.Identity, requ *http.Request) *http.Response {
	resp, err := s.cacheManager.GetKey(ctx, key, requ)
	if err != nil {
		logrus.Errorf("Failed to get cached data for %s: %v", requ.URL, err)
		return nil
	}
	if resp == nil {
		logrus.Debugf("No cached data found for %s", requ.URL)
		return nil
	}

	resp.Header.Set(headerCache, cacheHit)

	return resp
}

// shouldBeCached determines if a response should be cached based on rules.
// With a nil resp it answers whether a cached response may be served.
func (s *Server) shouldBeCached(requ *http.Request, resp *http.Response) bool {
	matched := false
	for _, rule := range s.rules {
		// A status-restricted blacklist rule cannot exclude a lookup: only
		// allowed statuses were ever stored.
		if resp == nil && rule.NeedsStatus() && s.config.Rules.Mode != "whitelist" {
			continue
		}
		if rule.Match(requ, resp) {
			matched = true
			break
		}
	}

	if s.config.Rules.Mode == "whitelist" {
		return matched
	}
	return !matched
}

// cacheResponse stores a response in the cache
func (s *Server) cacheResponse(requ *http.Request, key cache.Identity, resp *http.Response) {
	if err := s.cacheManager.SetKey(context.WithoutCancel(requ.Context()), key, resp); err != nil {
		logrus.Errorf("Failed to cache response for %s: %v", requ.URL.String(), err)
	}
}
