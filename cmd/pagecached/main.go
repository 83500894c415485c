// Command pagecached serves a small demo site behind the page cache.
//
// Usage:
//
//	pagecached -config pagecache.yaml -addr :8080
//
// Without -config the built-in defaults and demo routes are used.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/pagecache/config"
	"github.com/jonwraymond/pagecache/observe"
)

// version is set at build time.
var version = "dev"

var (
	configPath string
	listenAddr string
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flag.StringVar(&listenAddr, "addr", "", "listen address, overrides server.addr")
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "pagecached:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(ctx, configPath); err != nil {
			return err
		}
	}
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}
	if len(cfg.Routes) == 0 {
		cfg.Routes = demoRoutes()
	}

	registry := prometheus.NewRegistry()

	oc := cfg.ObserveConfig()
	oc.Version = version
	oc.Metrics.Registerer = registry
	obs, err := observe.NewObserver(ctx, oc)
	if err != nil {
		return fmt.Errorf("observer: %w", err)
	}
	logger := obs.Logger()

	a, err := newApp(cfg, appDeps{
		Logger:   logger,
		Metrics:  obs.Metrics(),
		Tracer:   observe.NewTracer(obs.Tracer()),
		Registry: registry,
	})
	if err != nil {
		_ = obs.Shutdown(context.Background())
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(ctx, "listening",
			observe.Field{Key: "addr", Value: srv.Addr},
			observe.Field{Key: "backend", Value: cfg.Cache.Backend},
			observe.Field{Key: "version", Value: version},
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		logger.Info(sctx, "shutting down")
		return errors.Join(
			srv.Shutdown(sctx),
			a.close(sctx),
			obs.Shutdown(sctx),
		)
	})
	return g.Wait()
}
