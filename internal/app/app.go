// Package app wires all Vintner subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// There is no global state: every request gets its own [httpapi.AgentContext]
// built by [App.NewAgentContext], holding fresh provider adapters, a fresh
// router, and circuit breakers that re-derive their durable state from the
// usage log. Tests inject stores via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/philhumber/vintner/internal/cancel"
	"github.com/philhumber/vintner/internal/clarify"
	"github.com/philhumber/vintner/internal/config"
	"github.com/philhumber/vintner/internal/enrich"
	"github.com/philhumber/vintner/internal/health"
	"github.com/philhumber/vintner/internal/httpapi"
	"github.com/philhumber/vintner/internal/identify"
	"github.com/philhumber/vintner/internal/observe"
	"github.com/philhumber/vintner/internal/resilience"
	"github.com/philhumber/vintner/internal/router"
	"github.com/philhumber/vintner/internal/usage"
	"github.com/philhumber/vintner/internal/version"
	"github.com/philhumber/vintner/pkg/provider/llm"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	pool           *pgxpool.Pool
	usageStore     *usage.Store
	cacheStore     *enrich.CacheStore
	cancels        *cancel.Registry
	metrics        *observe.Metrics
	metricsHandler http.Handler
	server         *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithUsageStore injects a usage store instead of creating one from config.
func WithUsageStore(s *usage.Store) Option {
	return func(a *App) { a.usageStore = s }
}

// WithCacheStore injects an enrichment cache store instead of creating one
// from config.
func WithCacheStore(s *enrich.CacheStore) Option {
	return func(a *App) { a.cacheStore = s }
}

// WithMetrics injects a metrics set instead of building one from the global
// meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler injects the Prometheus scrape handler from the
// telemetry initialisation; nil leaves /metrics on the default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// New creates an App by wiring all subsystems together. The registry comes
// from main (populated with the built-in provider factories).
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, registry: registry}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Database-backed stores ────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 2. Cancellation registry ─────────────────────────────────────────
	cancels, err := cancel.NewRegistry(cfg.Cancel.TokenDir, 0)
	if err != nil {
		return nil, fmt.Errorf("app: init cancel registry: %w", err)
	}
	a.cancels = cancels

	// ── 3. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		m, err := observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("app: init metrics: %w", err)
		}
		a.metrics = m
	}

	// ── 4. HTTP server ───────────────────────────────────────────────────
	api := httpapi.NewServer(a.NewAgentContext, a.cancels, a.metrics, a.healthHandler(), a.metricsHandler)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// initStores connects PostgreSQL and migrates the usage and cache schemas,
// unless test doubles were injected.
func (a *App) initStores(ctx context.Context) error {
	if a.usageStore != nil && a.cacheStore != nil {
		return nil // both injected
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		return fmt.Errorf("database.postgres_dsn is required when stores are not injected")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	if a.usageStore == nil {
		a.usageStore = usage.NewStore(pool)
		if err := a.usageStore.Migrate(ctx); err != nil {
			return err
		}
	}
	if a.cacheStore == nil {
		a.cacheStore = enrich.NewCacheStore(pool)
		if err := a.cacheStore.Migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// healthHandler assembles the liveness/readiness probes: the database is
// critical, each enabled provider contributes a non-critical probe.
func (a *App) healthHandler() *health.Handler {
	var probes []health.Probe
	if a.pool != nil {
		probes = append(probes, health.DatabaseProbe(a.pool.Ping))
	}
	for name, entry := range a.cfg.Providers {
		if !entry.Enabled {
			continue
		}
		p, err := a.registry.CreateLLM(name, entry)
		if err != nil {
			continue
		}
		probes = append(probes, health.ProviderProbe(name, p.IsHealthy))
	}
	return health.NewHandler(version.Version, probes...)
}

// ─── AgentContext ─────────────────────────────────────────────────────────────

// NewAgentContext builds the request-scoped service bundle: fresh provider
// adapters, per-provider breakers derived from the usage log, a tracker, a
// router, and the three services. Nothing in it is shared across requests.
func (a *App) NewAgentContext(ctx context.Context) (*httpapi.AgentContext, error) {
	providers := make(map[string]llm.Provider)
	for name, entry := range a.cfg.Providers {
		if !entry.Enabled {
			continue
		}
		p, err := a.registry.CreateLLM(name, entry)
		if err != nil {
			if errors.Is(err, config.ErrProviderNotRegistered) {
				slog.Debug("provider not registered — skipping", "name", name)
				continue
			}
			return nil, fmt.Errorf("app: create provider %q: %w", name, err)
		}
		providers[name] = p
	}

	breakerCfg := resilience.Config{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(a.cfg.CircuitBreaker.RecoveryTimeoutSeconds) * time.Second,
		SuccessThreshold: a.cfg.CircuitBreaker.SuccessThreshold,
		SampleWindow:     time.Duration(a.cfg.CircuitBreaker.SampleWindowSeconds) * time.Second,
	}
	breakers := make(map[string]*resilience.CircuitBreaker, len(providers))
	for name := range providers {
		breakers[name] = resilience.New(name, breakerCfg, a.usageStore)
	}

	tracker := usage.NewTracker(a.usageStore, usage.Limits{
		DailyRequests: a.cfg.Limits.DailyRequests,
		DailyCostUSD:  a.cfg.Limits.DailyCostUSD,
	})

	rt := router.New(providers, a.cfg.TaskRouting, tracker, breakers, a.cfg.Retry, a.metrics)

	return &httpapi.AgentContext{
		Identify: identify.NewService(rt, tracker, a.cfg.Identification, a.cfg.Streaming, a.metrics),
		Enrich:   enrich.NewService(rt, a.cacheStore, a.cfg.Enrichment, a.metrics),
		Clarify:  clarify.NewService(rt),
		Usage:    tracker,
	}, nil
}

// ─── Run / Shutdown ───────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains the HTTP server and tears down all subsystems in order.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
