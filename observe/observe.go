package observe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/jonwraymond/pagecache/observe/exporters"
)

// Config selects the telemetry a pagecached process emits.
type Config struct {
	// ServiceName is the otel service.name and the "service" log field.
	// Required.
	ServiceName string

	// Version is the otel service.version and the "version" log field.
	Version string

	Tracing     TracingConfig
	Metrics     MetricsConfig
	Logging     LoggingConfig
}

// TracingConfig selects the span exporter and sampling ratio.
type TracingConfig struct {
	Enabled   bool
	Exporter  string  // one of ValidTracingExporters
	SamplePct float64 // root span ratio within [0, 1]
}

// MetricsConfig selects the metrics reader.
type MetricsConfig struct {
	Enabled  bool
	Exporter string // one of ValidMetricsExporters

	// Registerer receives the collectors of the prometheus exporter.
	// Default: prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// LoggingConfig selects the zerolog level and encoding.
type LoggingConfig struct {
	Enabled bool
	Level   string // one of ValidLogLevels
	Format  string // one of ValidLogFormats

	// Output is where log records are written.
	// Default: os.Stderr
	Output io.Writer
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, err error, value any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %v", err, value))
		}
	}

	if c.ServiceName == "" {
		errs = append(errs, ErrMissingServiceName)
	}
	if c.Tracing.Enabled {
		check(slices.Contains(ValidTracingExporters, c.Tracing.Exporter), ErrInvalidTracingExporter, c.Tracing.Exporter)
		check(c.Tracing.SamplePct >= MinSamplePct && c.Tracing.SamplePct <= MaxSamplePct, ErrInvalidSamplePct, c.Tracing.SamplePct)
	}
	if c.Metrics.Enabled {
		check(slices.Contains(ValidMetricsExporters, c.Metrics.Exporter), ErrInvalidMetricsExporter, c.Metrics.Exporter)
	}
	if c.Logging.Enabled {
		check(slices.Contains(ValidLogLevels, c.Logging.Level), ErrInvalidLogLevel, c.Logging.Level)
		check(slices.Contains(ValidLogFormats, c.Logging.Format), ErrInvalidLogFormat, c.Logging.Format)
	}
	return errors.Join(errs...)
}

// Observer hands out the process-wide telemetry handles.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Context: Shutdown stops flushing when ctx is done.
//   - Errors: Shutdown runs once. Later calls return the first result.
type Observer interface {
	Tracer() trace.Tracer
	Meter() metric.Meter

	// Metrics returns the cache instruments registered on Meter.
	Metrics() CacheMetrics

	Logger() Logger

	// Shutdown flushes pending spans and metrics.
	Shutdown(ctx context.Context) error
}

// Logger writes structured records.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Context: the correlation id carried by ctx is attached to every record.
//   - Errors: best-effort. A failing sink never panics or blocks the caller.
type Logger interface {
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)

	// With returns a logger that adds fields to every record.
	With(fields ...Field) Logger
}

// Field is one key/value pair of a log record.
type Field struct {
	Key   string
	Value any
}

// instrumentationName scopes the tracer and meter.
const instrumentationName = "github.com/jonwraymond/pagecache"

type observer struct {
	tracer  trace.Tracer
	meter   metric.Meter
	metrics CacheMetrics
	logger  Logger

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewObserver builds the logger, tracer and meter described by cfg.
// Disabled subsystems get no-op implementations. Tracing and metrics
// providers are installed as the otel globals.
func NewObserver(ctx context.Context, cfg Config) (Observer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	obs := &observer{
		tracer:  tracenoop.NewTracerProvider().Tracer(instrumentationName),
		meter:   noop.NewMeterProvider().Meter(instrumentationName),
		metrics: NopCacheMetrics(),
		logger:  newServiceLogger(cfg),
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	if cfg.Tracing.Enabled {
		if obs.tp, err = newTracerProvider(ctx, cfg.Tracing, res); err != nil {
			return nil, err
		}
		otel.SetTracerProvider(obs.tp)
		obs.tracer = obs.tp.Tracer(instrumentationName)
	}

	if cfg.Metrics.Enabled {
		if obs.mp, err = newMeterProvider(ctx, cfg.Metrics, res); err != nil {
			return nil, errors.Join(err, obs.Shutdown(ctx))
		}
		otel.SetMeterProvider(obs.mp)
		obs.meter = obs.mp.Meter(instrumentationName)
		if obs.metrics, err = NewCacheMetrics(obs.meter); err != nil {
			return nil, errors.Join(fmt.Errorf("observe: cache metrics: %w", err), obs.Shutdown(ctx))
		}
	}

	obs.logger.Debug(ctx, "telemetry ready",
		Field{Key: "tracing", Value: cfg.Tracing.Exporter},
		Field{Key: "metrics", Value: cfg.Metrics.Exporter})
	return obs, nil
}

func newServiceLogger(cfg Config) Logger {
	if !cfg.Logging.Enabled {
		return NopLogger()
	}
	out := cfg.Logging.Output
	if out == nil {
		out = os.Stderr
	}
	var l Logger
	if cfg.Logging.Format == "console" {
		l = NewConsoleLogger(cfg.Logging.Level, out)
	} else {
		l = NewLoggerWithWriter(cfg.Logging.Level, out)
	}
	fields := []Field{{Key: "service", Value: cfg.ServiceName}}
	if cfg.Version != "" {
		fields = append(fields, Field{Key: "version", Value: cfg.Version})
	}
	return l.With(fields...)
}

func newTracerProvider(ctx context.Context, cfg TracingConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := exporters.NewTracingExporter(ctx, cfg.Exporter, exporters.Options{})
	if err != nil {
		return nil, fmt.Errorf("observe: trace exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(cfg.SamplePct)
	switch {
	case cfg.SamplePct >= MaxSamplePct:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplePct <= MinSamplePct:
		sampler = sdktrace.NeverSample()
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func newMeterProvider(ctx context.Context, cfg MetricsConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	reader, err := exporters.NewMetricsReader(ctx, cfg.Exporter, exporters.Options{Registerer: cfg.Registerer})
	if err != nil {
		return nil, fmt.Errorf("observe: metrics reader: %w", err)
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader != nil {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

func (o *observer) Tracer() trace.Tracer   { return o.tracer }
func (o *observer) Meter() metric.Meter    { return o.meter }
func (o *observer) Metrics() CacheMetrics  { return o.metrics }
func (o *observer) Logger() Logger         { return o.logger }

// Shutdown flushes and stops the providers. Later calls return the first
// result.
func (o *observer) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		var errs []error
		if o.tp != nil {
			if err := o.tp.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("observe: tracer shutdown: %w", err))
			}
		}
		if o.mp != nil {
			if err := o.mp.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("observe: meter shutdown: %w", err))
			}
		}
		o.shutdownErr = errors.Join(errs...)
	})
	return o.shutdownErr
}
