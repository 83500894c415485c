package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonwraymond/pagecache/cachekey"
	"github.com/jonwraymond/pagecache/health"
	"github.com/jonwraymond/pagecache/keylock"
	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/resilience"
	"github.com/jonwraymond/pagecache/security"
)

// DefaultMaxEntryBytes is the body cap of the default content validator.
const DefaultMaxEntryBytes = 4 << 20

const healthKeySuffix = "#health"

// Config configures an Engine.
type Config struct {
	// Storage is the physical page store. Required.
	Storage Storage

	// Keyer derives keys from requests. Its validator also checks keys
	// passed to Get, Set and Remove.
	// Default: cachekey.NewKeyer(cachekey.KeyerConfig{})
	Keyer *cachekey.Keyer

	// Validator screens content before it is stored.
	// Default: security.Chain{SizeValidator{DefaultMaxEntryBytes}, HTMLValidator}
	Validator security.Validator

	// Locks serializes population per key. The engine shuts it down on Close.
	// Default: keylock.New with Logger and Audit
	Locks *keylock.Manager

	// Limiter is exposed to the transport for admission control. The engine
	// closes it on Close.
	// Default: resilience.NewSlidingWindowLimiter with Logger
	Limiter *resilience.SlidingWindowLimiter

	// Stats configures the counters. OnWarning defaults to an audit event.
	Stats StatsConfig

	// LockTimeout bounds the wait for a population lock.
	// Default: 5s
	LockTimeout time.Duration

	// MaxDuration caps every policy duration.
	// Default: 24h
	MaxDuration time.Duration

	// Logger receives engine diagnostics.
	// Default: no-op logger
	Logger observe.Logger

	// Audit receives security relevant events.
	// Default: observe.NewLogAuditSink(Logger)
	Audit observe.AuditSink

	// Metrics receives cache metrics.
	// Default: no-op metrics
	Metrics observe.CacheMetrics

	// Tracer traces page population.
	// Default: no-op tracer
	Tracer observe.Tracer
}

// SetResult is the outcome of Set. A rejected page is a normal result,
// not an error.
type SetResult struct {
	Stored  bool
	Verdict security.Verdict
}

// Engine is the page cache: key derivation, content screening, stampede
// protection, invalidation and statistics over a Storage.
//
// Contract:
//   - Concurrency: safe for concurrent use. Population is serialized per key.
//   - Errors: invalid keys and storage write failures are returned; content
//     rejections are reported in SetResult; lookups degrade to a miss when
//     storage fails.
//   - Ownership: values passed to Set must not be modified afterwards.
type Engine struct {
	config    Config
	storage   Storage
	keyer     *cachekey.Keyer
	keys      *cachekey.Validator
	validator security.Validator
	locks     *keylock.Manager
	limiter   *resilience.SlidingWindowLimiter
	stats     *Stats
	index     *Index
	populate  *observe.Middleware
	logger    observe.Logger
	audit     observe.AuditSink
	metrics   observe.CacheMetrics

	closeOnce sync.Once
	closeErr  error
}

// New creates an Engine.
func New(config Config) (*Engine, error) {
	if config.Storage == nil {
		return nil, errors.New("cache: storage is required")
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	if config.Audit == nil {
		config.Audit = observe.NewLogAuditSink(config.Logger)
	}
	if config.Metrics == nil {
		config.Metrics = observe.NopCacheMetrics()
	}
	if config.Keyer == nil {
		config.Keyer = cachekey.NewKeyer(cachekey.KeyerConfig{})
	}
	if config.Validator == nil {
		config.Validator = security.Chain{
			security.SizeValidator{MaxBytes: DefaultMaxEntryBytes, Audit: config.Audit},
			security.NewHTMLValidator(security.HTMLConfig{Audit: config.Audit, Logger: config.Logger}),
		}
	}
	if config.Locks == nil {
		config.Locks = keylock.New(keylock.Config{Logger: config.Logger, Audit: config.Audit})
	}
	if config.Limiter == nil {
		config.Limiter = resilience.NewSlidingWindowLimiter(resilience.SlidingWindowConfig{Logger: config.Logger})
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = 5 * time.Second
	}
	if config.MaxDuration <= 0 {
		config.MaxDuration = 24 * time.Hour
	}

	e := &Engine{
		config:    config,
		storage:   config.Storage,
		keyer:     config.Keyer,
		keys:      config.Keyer.Validator(),
		validator: config.Validator,
		locks:     config.Locks,
		limiter:   config.Limiter,
		populate:  observe.NewMiddleware(config.Tracer, config.Metrics, config.Logger),
		logger:    config.Logger,
		audit:     config.Audit,
		metrics:   config.Metrics,
	}
	if config.Stats.OnWarning == nil {
		config.Stats.OnWarning = e.statsWarning
	}
	e.stats = NewStats(config.Stats)
	e.index = NewIndex(IndexConfig{
		Prefix:  config.Keyer.Prefix(),
		Storage: config.Storage,
		Metrics: config.Metrics,
		Audit:   config.Audit,
	})
	return e, nil
}

// Resolve decides cacheability and derives the key for req. Key errors are
// audited and returned.
func (e *Engine) Resolve(ctx context.Context, req cachekey.Request, vary cachekey.Vary) (cachekey.Decision, error) {
	d, err := e.keyer.Resolve(req, vary)
	if err != nil {
		e.rejectKey(ctx, req.Path, err)
	}
	return d, err
}

// IsCacheable reports whether req may be served from or stored in the cache.
func (e *Engine) IsCacheable(req cachekey.Request, vary cachekey.Vary) bool {
	return e.keyer.IsCacheable(req, vary)
}

// DeriveKey derives the key for req.
func (e *Engine) DeriveKey(ctx context.Context, req cachekey.Request, vary cachekey.Vary) (string, error) {
	key, err := e.keyer.DeriveKey(req, vary)
	if err != nil {
		e.rejectKey(ctx, req.Path, err)
	}
	return key, err
}

// Get returns the page stored under key. A storage failure is logged and
// reported as a miss.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := e.checkKey(ctx, key); err != nil {
		return nil, false, err
	}
	value, ok, err := e.storage.Get(ctx, key)
	if err != nil {
		e.logger.Warn(ctx, "cache lookup failed, treating as miss",
			observe.Field{Key: "key", Value: key},
			observe.Field{Key: "error", Value: err})
		ok = false
	}
	if ok {
		e.stats.Hit()
	} else {
		e.stats.Miss()
	}
	e.metrics.RecordLookup(ctx, ok)
	return value, ok, nil
}

// Set screens value and stores it under key according to policy.
func (e *Engine) Set(ctx context.Context, key string, value []byte, policy Policy) (SetResult, error) {
	if err := e.checkKey(ctx, key); err != nil {
		return SetResult{}, err
	}
	if !policy.ShouldCache() {
		return SetResult{Verdict: security.Verdict{Accept: true}}, nil
	}

	verdict := e.validator.Validate(ctx, value, key)
	if verdict.Blocks(policy.RejectAt) {
		e.stats.Rejection()
		e.metrics.RecordRejection(ctx, "content")
		e.logger.Info(ctx, "page not cached, content rejected",
			observe.Field{Key: "key", Value: key},
			observe.Field{Key: "pattern", Value: verdict.Pattern},
			observe.Field{Key: "severity", Value: verdict.Severity.String()})
		return SetResult{Verdict: verdict}, nil
	}

	size := int64(len(value))
	gen := e.index.Reserve()
	// Index and count the entry before storage can fire its eviction callback.
	e.index.RegisterGeneration(e.keyer.Route(key), key, policy.Tags, gen)
	e.stats.AddBytes(size)

	err := e.storage.Set(ctx, key, value, policy.Expiration(e.config.MaxDuration), e.onEvict(gen))
	if err != nil {
		e.stats.AddBytes(-size)
		e.index.ForgetGeneration(key, gen)
		return SetResult{Verdict: verdict}, fmt.Errorf("cache: store %s: %w", observe.TruncateKey(key), err)
	}
	if e.index.Generation(key) == 0 {
		// Evicted or invalidated while the write was in flight. Withdraw
		// the write so storage never holds an unindexed entry.
		if _, err := e.storage.Remove(ctx, key); err != nil {
			e.logger.Warn(ctx, "withdrawing invalidated write failed",
				observe.Field{Key: "key", Value: key},
				observe.Field{Key: "error", Value: err})
		}
		return SetResult{Verdict: verdict}, nil
	}
	e.stats.Set()
	e.metrics.RecordWrite(ctx, size)
	return SetResult{Stored: true, Verdict: verdict}, nil
}

// Remove deletes key and reports whether it was stored. The eviction
// callback unindexes it.
func (e *Engine) Remove(ctx context.Context, key string) (bool, error) {
	if err := e.checkKey(ctx, key); err != nil {
		return false, err
	}
	return e.storage.Remove(ctx, key)
}

// RemoveByPattern deletes every stored key matching glob ('*' wildcard) and
// returns how many were removed.
func (e *Engine) RemoveByPattern(ctx context.Context, glob string) (int, error) {
	removed, err := e.storage.RemoveWhere(ctx, func(key string) bool {
		return MatchGlob(glob, key)
	})
	return len(removed), err
}

// Clear deletes every stored page.
func (e *Engine) Clear(ctx context.Context) (int, error) {
	return e.storage.Clear(ctx)
}

// AcquireLock takes the population lock of key, waiting at most the
// configured LockTimeout. Errors are keylock.ErrLockTimeout,
// keylock.ErrShutdown or the context error.
func (e *Engine) AcquireLock(ctx context.Context, key string) (*keylock.Handle, error) {
	if err := e.checkKey(ctx, key); err != nil {
		return nil, err
	}
	start := time.Now()
	h, err := e.locks.Acquire(ctx, key, e.config.LockTimeout)
	wait := time.Since(start)
	e.metrics.RecordLockWait(ctx, wait, err == nil)
	if errors.Is(err, keylock.ErrLockTimeout) {
		e.audit.Emit(ctx, observe.AuditEvent{
			Kind:     observe.AuditLockTimeout,
			Severity: "low",
			Key:      key,
			Elapsed:  wait,
		})
	}
	return h, err
}

// InvalidateRoute removes every page stored under route.
func (e *Engine) InvalidateRoute(ctx context.Context, route string) (bool, error) {
	return e.index.InvalidateRoute(ctx, route)
}

// InvalidatePattern removes every page whose route matches glob.
func (e *Engine) InvalidatePattern(ctx context.Context, glob string) (int, error) {
	return e.index.InvalidatePattern(ctx, glob)
}

// InvalidateByTag removes every page labelled tag.
func (e *Engine) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	return e.index.InvalidateByTag(ctx, tag)
}

// ClearAll empties storage and the invalidation index.
func (e *Engine) ClearAll(ctx context.Context) (int, error) {
	return e.index.ClearAll(ctx)
}

// ListRoutes returns the routes with stored pages.
func (e *Engine) ListRoutes() []string { return e.index.ListRoutes() }

// Index returns the invalidation index.
func (e *Engine) Index() *Index { return e.index }

// GetStatistics returns a snapshot of the counters, the index and the locks.
func (e *Engine) GetStatistics() Statistics {
	s := e.stats.Snapshot()
	s.Index = e.index.Stats()
	s.Locks = e.locks.Stats()
	return s
}

// ResetStatistics zeroes the counters.
func (e *Engine) ResetStatistics() { e.stats.Reset() }

// RateLimiter returns the engine's limiter.
func (e *Engine) RateLimiter() *resilience.SlidingWindowLimiter { return e.limiter }

// HealthCheck exercises storage with a write, read and remove of a reserved
// key and reports the lock manager and circuit state.
func (e *Engine) HealthCheck(ctx context.Context) health.Result {
	details := map[string]any{
		"routes":             e.index.Stats().Routes,
		"size_bytes":         e.stats.Snapshot().SizeBytes,
		"active_populations": e.stats.Snapshot().ActivePopulations,
	}
	if e.locks.Stats().Shutdown {
		return health.Unhealthy("cache engine closed", keylock.ErrShutdown).WithDetails(details)
	}
	if g, ok := e.storage.(*GuardedStore); ok {
		details["circuit"] = g.State().String()
		if g.State() == resilience.StateOpen {
			return health.Degraded("storage circuit open").WithDetails(details)
		}
	}

	// Derived keys always continue the prefix with '/', so this one never
	// collides with a cached page.
	key := e.keyer.Prefix() + healthKeySuffix
	err := e.storage.Set(ctx, key, []byte("ok"), Expiration{TTL: time.Minute}, nil)
	if err == nil {
		_, _, err = e.storage.Get(ctx, key)
	}
	if err == nil {
		_, err = e.storage.Remove(ctx, key)
	}
	if err != nil {
		return health.Unhealthy("storage check failed", err).WithDetails(details)
	}
	return health.Healthy("cache engine ready").WithDetails(details)
}

// Checker returns the engine health check as a health.Checker.
func (e *Engine) Checker() health.Checker {
	return health.Named("cache", e.HealthCheck)
}

// Close shuts down the lock manager, the limiter and storage. It is
// idempotent. Renders in flight finish uncached.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		err := e.locks.Shutdown(ctx)
		e.limiter.Close()
		if n := e.stats.Snapshot().ActivePopulations; n > 0 {
			e.logger.Warn(ctx, "closing with populations in flight",
				observe.Field{Key: "active_populations", Value: n})
		}
		e.closeErr = errors.Join(err, e.storage.Close())
	})
	return e.closeErr
}

func (e *Engine) onEvict(gen uint64) EvictionFunc {
	return func(key string, size int64, reason EvictionReason) {
		e.stats.AddBytes(-size)
		e.stats.Eviction()
		e.index.ForgetGeneration(key, gen)
		e.metrics.RecordEviction(context.Background(), reason.String(), size)
	}
}

func (e *Engine) checkKey(ctx context.Context, key string) error {
	err := e.keys.ValidateOrFail(key)
	if err != nil {
		e.rejectKey(ctx, key, err)
	}
	return err
}

func (e *Engine) rejectKey(ctx context.Context, key string, err error) {
	e.metrics.RecordRejection(ctx, "key")
	fields := []observe.Field{{Key: "error", Value: err.Error()}}
	var kerr *cachekey.KeyError
	if errors.As(err, &kerr) {
		fields = append(fields, observe.Field{Key: "reason", Value: kerr.Kind.String()})
	}
	e.audit.Emit(ctx, observe.AuditEvent{
		Kind:     observe.AuditKeyRejected,
		Severity: "medium",
		Key:      key,
		Fields:   fields,
	})
}

func (e *Engine) statsWarning(counter string, value uint64) {
	ctx := context.Background()
	e.audit.Emit(ctx, observe.AuditEvent{
		Kind:     observe.AuditStatsWrapWarning,
		Severity: "low",
		Fields: []observe.Field{
			{Key: "counter", Value: counter},
			{Key: "value", Value: value},
		},
	})
}
