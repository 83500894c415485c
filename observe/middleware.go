package observe

import (
	"context"
	"time"
)

// PopulateFunc renders the page for op.
type PopulateFunc func(ctx context.Context, op Operation) ([]byte, error)

// Middleware wraps page population with tracing, metrics, and logging.
//
// Contract:
//   - Concurrency: Wrap() returns a thread-safe PopulateFunc.
//   - Context: Propagates context through tracing spans.
//   - Errors: Errors from wrapped function are recorded and propagated unchanged.
//   - Ownership: rendered bytes are passed through without modification.
type Middleware struct {
	tracer  Tracer
	metrics CacheMetrics
	logger  Logger
}

// NewMiddleware creates a new Middleware. Nil components are replaced by no-ops.
func NewMiddleware(tracer Tracer, metrics CacheMetrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = NewNoopTracer()
	}
	if metrics == nil {
		metrics = NopCacheMetrics()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Middleware{tracer: tracer, metrics: metrics, logger: logger}
}

// Wrap wraps fn with tracing, metrics, and logging.
func (m *Middleware) Wrap(fn PopulateFunc) PopulateFunc {
	return func(ctx context.Context, op Operation) ([]byte, error) {
		ctx, span := m.tracer.StartSpan(ctx, op)
		start := time.Now()

		body, err := fn(ctx, op)

		duration := time.Since(start)
		m.tracer.EndSpan(span, err)
		m.metrics.RecordPopulate(ctx, op, duration, err)

		fields := []Field{
			{Key: "operation", Value: op.Name},
			{Key: "key", Value: op.Key},
			{Key: "duration_ms", Value: float64(duration.Milliseconds())},
		}
		if op.Route != "" {
			fields = append(fields, Field{Key: "route", Value: op.Route})
		}
		if err != nil {
			fields = append(fields, Field{Key: "error", Value: err})
			m.logger.Error(ctx, "page population failed", fields...)
		} else {
			fields = append(fields, Field{Key: "size", Value: len(body)})
			m.logger.Debug(ctx, "page populated", fields...)
		}

		return body, err
	}
}

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) *Middleware {
	return NewMiddleware(NewTracer(obs.Tracer()), obs.Metrics(), obs.Logger())
}
