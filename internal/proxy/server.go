package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iTrooz/urlcache/internal/cache/httpcache"
	"github.com/iTrooz/urlcache/internal/config"
)

const shutdownTimeout = 5 * time.Second

// Server represents the caching proxy server
type Server struct {
	config       *config.Config
	cacheManager *httpcache.HTTPCache
	rules        []Rule
	proxy        *goproxy.ProxyHttpServer
}

// New creates a new proxy server caching through cacheManager.
func New(cfg *config.Config, cacheManager *httpcache.HTTPCache) (*Server, error) {
	if cacheManager == nil {
		return nil, fmt.Errorf("proxy needs a cache")
	}

	s := &Server{
		config:       cfg,
		cacheManager: cacheManager,
		rules:        NewRules(cfg.Rules.Rules),
		proxy:        goproxy.NewProxyHttpServer(),
	}
	s.proxy.Logger = logrus.StandardLogger()
	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.TraceLevel)

	if cfg.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			return nil, err
		}
	}

	s.proxy.OnRequest().DoFunc(s.onRequest)
	s.proxy.OnResponse().DoFunc(s.onResponse)

	return s, nil
}

// GetProxy returns the underlying handler, e.g. to mount it in a test server.
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// Name identifies the server among background workers.
func (s *Server) Name() string { return "proxy" }

// Run serves the proxy, and the transparent HTTPS listener when configured,
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	logrus.Infof("Starting caching proxy on %s", ln.Addr())
	logrus.Infof("Cache directory: %s", s.config.Cache.Folder)
	logrus.Infof("Cache TTL: %s", s.config.Cache.TTL)
	logrus.Infof("Rules mode: %s", s.config.Rules.Mode)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(ctx, &http.Server{Handler: s.proxy, ReadHeaderTimeout: 30 * time.Second}, ln)
	})
	if addr := s.config.Server.HTTPS.TransparentAddr; s.config.Server.HTTPS.Enabled && addr != "" {
		g.Go(func() error {
			return s.StartTransparentHTTPS(ctx, addr)
		})
	}
	return g.Wait()
}

// serve runs srv on ln and shuts it down gracefully once ctx is done.
func serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("Proxy shutdown: %v", err)
		}
		return nil
	}
}
