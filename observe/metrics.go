package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CacheMetrics records page cache activity.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must honor cancellation/deadlines and return quickly.
// - Errors: implementations must not panic.
type CacheMetrics interface {
	// RecordLookup records a cache read.
	RecordLookup(ctx context.Context, hit bool)

	// RecordWrite records a stored entry of the given size.
	RecordWrite(ctx context.Context, bytes int64)

	// RecordEviction records an entry leaving storage for reason.
	RecordEviction(ctx context.Context, reason string, bytes int64)

	// RecordInvalidation records an invalidation of kind (tag|route|pattern)
	// that removed keys entries.
	RecordInvalidation(ctx context.Context, kind string, keys int)

	// RecordRejection records a refusal at stage (key|content|rate).
	RecordRejection(ctx context.Context, stage string)

	// RecordLockWait records how long a population waited for its key lock.
	RecordLockWait(ctx context.Context, wait time.Duration, acquired bool)

	// RecordPopulate records a render of a missing page.
	RecordPopulate(ctx context.Context, op Operation, duration time.Duration, err error)
}

type cacheMetrics struct {
	lookups       metric.Int64Counter
	writes        metric.Int64Counter
	bytes         metric.Int64UpDownCounter
	evictions     metric.Int64Counter
	invalidations metric.Int64Counter
	invalidated   metric.Int64Counter
	rejections    metric.Int64Counter
	lockWait      metric.Float64Histogram
	populates     metric.Int64Counter
	populateErrs  metric.Int64Counter
	populateDur   metric.Float64Histogram
}

var _ CacheMetrics = (*cacheMetrics)(nil)

// NewCacheMetrics registers the cache instruments on meter.
func NewCacheMetrics(meter metric.Meter) (CacheMetrics, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	m := &cacheMetrics{}
	var err error

	if m.lookups, err = meter.Int64Counter("pagecache.lookups",
		metric.WithDescription("Cache lookups by result"),
		metric.WithUnit("{lookup}")); err != nil {
		return nil, err
	}
	if m.writes, err = meter.Int64Counter("pagecache.writes",
		metric.WithDescription("Entries written to storage"),
		metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	if m.bytes, err = meter.Int64UpDownCounter("pagecache.bytes",
		metric.WithDescription("Approximate bytes held in storage"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.evictions, err = meter.Int64Counter("pagecache.evictions",
		metric.WithDescription("Entries removed from storage by reason"),
		metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	if m.invalidations, err = meter.Int64Counter("pagecache.invalidations",
		metric.WithDescription("Invalidation requests by kind"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.invalidated, err = meter.Int64Counter("pagecache.invalidated_keys",
		metric.WithDescription("Keys removed by invalidation"),
		metric.WithUnit("{key}")); err != nil {
		return nil, err
	}
	if m.rejections, err = meter.Int64Counter("pagecache.rejections",
		metric.WithDescription("Requests or pages refused by stage"),
		metric.WithUnit("{rejection}")); err != nil {
		return nil, err
	}
	if m.lockWait, err = meter.Float64Histogram("pagecache.lock.wait_ms",
		metric.WithDescription("Time spent waiting for a per-key population lock"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.populates, err = meter.Int64Counter("pagecache.populate.total",
		metric.WithDescription("Page renders on cache miss"),
		metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if m.populateErrs, err = meter.Int64Counter("pagecache.populate.errors",
		metric.WithDescription("Failed page renders"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if m.populateDur, err = meter.Float64Histogram("pagecache.populate.duration_ms",
		metric.WithDescription("Page render duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) RecordLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *cacheMetrics) RecordWrite(ctx context.Context, bytes int64) {
	m.writes.Add(ctx, 1)
	m.bytes.Add(ctx, bytes)
}

func (m *cacheMetrics) RecordEviction(ctx context.Context, reason string, bytes int64) {
	m.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.bytes.Add(ctx, -bytes)
}

func (m *cacheMetrics) RecordInvalidation(ctx context.Context, kind string, keys int) {
	opt := metric.WithAttributes(attribute.String("kind", kind))
	m.invalidations.Add(ctx, 1, opt)
	m.invalidated.Add(ctx, int64(keys), opt)
}

func (m *cacheMetrics) RecordRejection(ctx context.Context, stage string) {
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *cacheMetrics) RecordLockWait(ctx context.Context, wait time.Duration, acquired bool) {
	m.lockWait.Record(ctx, float64(wait.Microseconds())/1000,
		metric.WithAttributes(attribute.Bool("acquired", acquired)))
}

func (m *cacheMetrics) RecordPopulate(ctx context.Context, op Operation, duration time.Duration, err error) {
	opt := metric.WithAttributes(op.attributes()...)
	m.populates.Add(ctx, 1, opt)
	if err != nil {
		m.populateErrs.Add(ctx, 1, opt)
	}
	m.populateDur.Record(ctx, float64(duration.Milliseconds()), opt)
}

type nopCacheMetrics struct{}

// NopCacheMetrics returns a CacheMetrics that records nothing.
func NopCacheMetrics() CacheMetrics { return nopCacheMetrics{} }

func (nopCacheMetrics) RecordLookup(context.Context, bool)                            {}
func (nopCacheMetrics) RecordWrite(context.Context, int64)                            {}
func (nopCacheMetrics) RecordEviction(context.Context, string, int64)                 {}
func (nopCacheMetrics) RecordInvalidation(context.Context, string, int)               {}
func (nopCacheMetrics) RecordRejection(context.Context, string)                       {}
func (nopCacheMetrics) RecordLockWait(context.Context, time.Duration, bool)           {}
func (nopCacheMetrics) RecordPopulate(context.Context, Operation, time.Duration, error) {}
