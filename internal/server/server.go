// Package server exposes the daemon's HTTP surface: tile serving,
// package management, coverage summaries and health probes.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efbtools/chartstore/internal/catalog"
	"github.com/efbtools/chartstore/internal/config"
	"github.com/efbtools/chartstore/internal/health"
	"github.com/efbtools/chartstore/internal/middleware"
	"github.com/efbtools/chartstore/internal/resolver"
)

// Deps is everything the handlers reach into.
type Deps struct {
	Catalog     *catalog.Catalog
	Resolver    *resolver.Resolver
	CoverageRes int
	// Metrics, when non-nil, is mounted at /metrics on the main listener.
	Metrics http.Handler
}

// Routes assembles the router. Split from Run so tests can drive the
// full surface through httptest.
func Routes(logger *slog.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(catalogReadiness{cat: deps.Catalog}))
	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.ServeHTTP)
	}

	r.Get("/tiles/{chart}/{z}/{x}/{y}", handleTile(logger, deps))
	r.Get("/debug/resolve/{chart}/{z}/{x}/{y}", handleExplain(logger, deps))
	r.Get("/packages", handlePackages(logger, deps))
	r.Delete("/packages/{id}", handleDeletePackage(logger, deps))
	r.Get("/coverage/{chart}", handleCoverage(logger, deps))

	return r
}

// Run starts the HTTP server and blocks until the context ends or the
// listener fails.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Routes(logger, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type catalogReadiness struct {
	cat *catalog.Catalog
}

func (cr catalogReadiness) Readiness() (ready bool, packages int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entries, err := cr.cat.List(ctx)
	if err != nil {
		return false, 0
	}
	n := 0
	for _, e := range entries {
		if e.Usable() {
			n++
		}
	}
	return true, n
}
