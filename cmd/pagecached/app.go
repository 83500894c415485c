package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonwraymond/pagecache/cache"
	"github.com/jonwraymond/pagecache/cachekey"
	"github.com/jonwraymond/pagecache/config"
	"github.com/jonwraymond/pagecache/health"
	"github.com/jonwraymond/pagecache/httpcache"
	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/security"
)

type appDeps struct {
	Logger   observe.Logger
	Metrics  observe.CacheMetrics
	Tracer   observe.Tracer
	Registry *prometheus.Registry
}

type app struct {
	engine  *cache.Engine
	health  *health.Aggregator
	handler http.Handler
}

func newStorage(cfg *config.Config, logger observe.Logger) (cache.Storage, error) {
	var inner cache.Storage
	switch cfg.Cache.Backend {
	case config.BackendSQLite:
		s, err := cache.NewSQLiteStore(cache.SQLiteConfig{DSN: cfg.Cache.SQLiteDSN})
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		inner = s
	default:
		inner = cache.NewMemoryStore(cache.MemoryConfig{MaxBytes: cfg.Cache.MaxBytes})
	}
	breaker := cfg.CircuitBreakerConfig()
	breaker.Logger = logger
	return cache.NewGuardedStore(inner, breaker), nil
}

func newApp(cfg *config.Config, deps appDeps) (*app, error) {
	if deps.Logger == nil {
		deps.Logger = observe.NopLogger()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	if err := deps.Registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	audit := observe.NewLogAuditSink(deps.Logger)

	storage, err := newStorage(cfg, deps.Logger)
	if err != nil {
		return nil, err
	}

	html := cfg.HTMLConfig()
	html.Audit = audit
	html.Logger = deps.Logger

	engine, err := cache.New(cache.Config{
		Storage: storage,
		Keyer:   cachekey.NewKeyer(cfg.KeyerConfig()),
		Validator: security.Chain{
			security.SizeValidator{MaxBytes: int(cfg.Cache.MaxEntryBytes), Audit: audit},
			security.NewHTMLValidator(html),
		},
		LockTimeout: cfg.Cache.LockTimeout,
		MaxDuration: cfg.Cache.MaxDuration,
		Logger:      deps.Logger,
		Audit:       audit,
		Metrics:     deps.Metrics,
		Tracer:      deps.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("cache engine: %w", err)
	}

	agg := health.NewAggregator(health.AggregatorConfig{
		Timeout:      5 * time.Second,
		CheckTimeout: 2 * time.Second,
		Logger:       deps.Logger,
	})
	agg.Register("cache", engine.Checker())
	agg.Register("", health.NewBudgetChecker("cache_bytes", health.BudgetConfig{
		Limit: cfg.Cache.MaxBytes,
		Usage: func() int64 { return engine.GetStatistics().SizeBytes },
	}))

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.GetHead,
		httpcache.Correlate,
		httpcache.Authenticate(cfg.Authenticators(), deps.Logger),
	)

	health.RegisterHandlers(r, agg)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	r.Mount("/admin/cache", httpcache.AdminRoutes(engine, httpcache.AdminOptions{
		Role:   cfg.Auth.AdminRole,
		Limit:  httpcache.RateLimit{Max: cfg.RateLimit.Admin.Max, Window: cfg.RateLimit.Admin.Window},
		Logger: deps.Logger,
		Audit:  audit,
	}))

	pages := r.With(httpcache.Middleware(engine, httpcache.Options{
		Policies:      cfg.Policies(),
		PopulateLimit: httpcache.RateLimit{Max: cfg.RateLimit.Populate.Max, Window: cfg.RateLimit.Populate.Window},
		Logger:        deps.Logger,
		Audit:         audit,
	}))
	mountPages(pages, newCatalog())

	return &app{engine: engine, health: agg, handler: r}, nil
}

func (a *app) close(ctx context.Context) error {
	return a.engine.Close(ctx)
}
