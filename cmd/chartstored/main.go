package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/efbtools/chartstore/internal/catalog"
	"github.com/efbtools/chartstore/internal/config"
	"github.com/efbtools/chartstore/internal/logger"
	"github.com/efbtools/chartstore/internal/mbtiles"
	"github.com/efbtools/chartstore/internal/observability"
	"github.com/efbtools/chartstore/internal/resolver"
	"github.com/efbtools/chartstore/internal/revocation"
	"github.com/efbtools/chartstore/internal/server"
	"github.com/efbtools/chartstore/internal/store"
	_ "github.com/efbtools/chartstore/internal/store/fsstore"
	_ "github.com/efbtools/chartstore/internal/store/redisstore"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = logger.RotatingFile(cfg.LogFile)
	}
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "chartstored",
	}, out)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting chartstored",
		"addr", cfg.Addr,
		"version", Version,
		"backend", cfg.StoreBackend,
		"strict_bounds", cfg.StrictBounds)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		appLog.Error("store open failed", "err", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	cat := catalog.New(st, zl, cfg.CatalogRefresh)
	cache, err := mbtiles.NewCache(mbtiles.CacheConfig{
		Size:         cfg.HandleCacheSize,
		PinThreshold: cfg.HandlePinThreshold,
		HotHalfLife:  cfg.HandleHotHalfLife,
		RetryDelay:   cfg.LookupRetryDelay,
	}, st.Get, zl)
	if err != nil {
		appLog.Error("tile cache setup failed", "err", err)
		return 1
	}
	defer cache.Close()
	cat.SetEvictor(cache)

	res := resolver.New(cat, cache, resolver.Options{
		StrictBounds: cfg.StrictBounds,
		Tolerance:    cfg.BoundsTolerance,
		MinOverlap:   cfg.MinOverlapRatio,
		MinMargin:    cfg.MinMarginDeg,
	}, zl)

	// reclaim transfers that died before completing
	if purged, err := cat.PurgeStalled(ctx, 24*time.Hour); err != nil {
		appLog.Warn("stalled package purge failed", "err", err)
	} else if len(purged) > 0 {
		appLog.Info("purged stalled packages", "packages", purged)
	}

	if cfg.MetricsEnabled {
		p := observability.NewProvider(observability.ProviderConfig{
			Addr:  cfg.MetricsAddr,
			Path:  "/metrics",
			Build: observability.BuildInfo{Version: Version},
		})
		observability.Init(p.Registerer(), true)

		// scrapes stay off the tile listener
		mux := http.NewServeMux()
		mux.Handle("/metrics", p.Handler())
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			log.Printf("metrics: listening on %s/metrics", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server exited: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("metrics: shutdown error: %v", err)
			}
		}()
	} else {
		observability.Init(nil, false)
	}

	if cfg.Revocation.Enabled {
		applier := revocation.NewApplier(cat, zl)
		consumer := revocation.New(revocation.FromApp(cfg.Revocation), appLog, applier)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("revocation consumer exited", "err", err)
			}
		}()
	}

	deps := server.Deps{Catalog: cat, Resolver: res, CoverageRes: cfg.CoverageCellRes}
	if err := server.Run(ctx, cfg, appLog, deps); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
