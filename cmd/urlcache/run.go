package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/dnscache"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/urlcache/internal/admin"
	"github.com/iTrooz/urlcache/internal/cache"
	"github.com/iTrooz/urlcache/internal/cache/httpcache"
	"github.com/iTrooz/urlcache/internal/config"
	"github.com/iTrooz/urlcache/internal/fetch"
	"github.com/iTrooz/urlcache/internal/logging"
	"github.com/iTrooz/urlcache/internal/proxy"
	"github.com/iTrooz/urlcache/internal/telemetry"
	"github.com/iTrooz/urlcache/internal/worker"
)

const resolverRefreshInterval = 5 * time.Minute

type options struct {
	configPath string
	breakLock  bool
}

var errUsage = errors.New("invalid arguments, see -help")

func run(opts options, args []string) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "serve":
		return serve(ctx, cfg, opts)
	case "config":
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	default:
		return maintain(ctx, cfg, opts, command, args)
	}
}

func openStore(cfg *config.Config, opts options, reg prometheus.Registerer) (*cache.DiskStore, error) {
	cacheOpts, err := cfg.CacheOptions()
	if err != nil {
		return nil, err
	}
	cacheOpts.BreakLock = opts.breakLock
	cacheOpts.Registerer = reg
	return cache.Open(cfg.Cache.Folder, cacheOpts)
}

func newHTTPCache(cfg *config.Config, store cache.Cache) (*httpcache.HTTPCache, error) {
	ttl, err := cfg.GetCacheTTL()
	if err != nil {
		return nil, err
	}
	return httpcache.New(store, httpcache.Options{TTL: ttl, RespectHeaders: cfg.Cache.RespectHeaders}), nil
}

func serve(ctx context.Context, cfg *config.Config, opts options) error {
	logrus.Infof("Starting urlcache %s", version)

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.SampleRate)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logrus.Warnf("Failed to flush traces: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := openStore(cfg, opts, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.Errorf("Failed to close cache: %v", err)
		}
	}()
	store.OnClear(func(ev cache.Event) {
		logrus.WithField("event", ev.Kind.String()).Infof("Cache %s", store.Root())
	})

	hc, err := newHTTPCache(cfg, store)
	if err != nil {
		return err
	}
	proxyServer, err := proxy.New(cfg, hc)
	if err != nil {
		return fmt.Errorf("failed to create proxy server: %w", err)
	}

	resolver := &dnscache.Resolver{}
	proxyServer.GetProxy().Tr = fetch.NewTransport(resolver)

	workers := []worker.Worker{proxyServer, resolverRefresher{resolver}}
	if cfg.Admin.Addr != "" {
		workers = append(workers, admin.NewServer(cfg.Admin.Addr, admin.NewRouter(store, reg)))
	}

	maxSize, err := cfg.GetMaxSize()
	if err != nil {
		return err
	}
	maxAge, err := cfg.GetMaxAge()
	if err != nil {
		return err
	}
	interval, err := cfg.GetTrimInterval()
	if err != nil {
		return err
	}
	workers = append(workers, worker.NewJanitor(store, worker.JanitorConfig{
		Interval: interval,
		MaxAge:   maxAge,
		MaxSize:  maxSize,
	}))

	err = worker.NewRunner(workers...).Run(ctx)
	logrus.Infof("urlcache stopped")
	return err
}

// resolverRefresher keeps the DNS cache of upstream hosts fresh.
type resolverRefresher struct {
	resolver *dnscache.Resolver
}

func (r resolverRefresher) Name() string { return "dns_refresh" }

func (r resolverRefresher) Run(ctx context.Context) error {
	fetch.RefreshResolver(ctx, r.resolver, resolverRefreshInterval)
	return nil
}
