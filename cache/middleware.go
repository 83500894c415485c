package cache

import (
	"context"
	"errors"

	"github.com/jonwraymond/pagecache/cachekey"
	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/security"
)

// Source says where a GetOrPopulate result came from.
type Source string

const (
	SourceHit    Source = "HIT"
	SourceMiss   Source = "MISS"
	SourceBypass Source = "BYPASS"
)

// RenderFunc produces a page on a miss.
type RenderFunc func(ctx context.Context) ([]byte, error)

// Result is the outcome of GetOrPopulate.
type Result struct {
	Value  []byte
	Key    string
	Source Source

	// Stored reports whether a miss was written to storage.
	Stored bool

	// Verdict is the content verdict of a miss.
	Verdict security.Verdict
}

// GetOrPopulate serves req from the cache, rendering and storing the page
// on a miss. Concurrent misses on one key render once; the rest wait and
// read the stored page. When the lock cannot be had in time the page is
// rendered without caching. A render that returns ErrNotCacheable has its
// page served and not stored.
func (e *Engine) GetOrPopulate(ctx context.Context, req cachekey.Request, policy Policy, render RenderFunc) (Result, error) {
	if !policy.ShouldCache() {
		return e.bypass(ctx, "", render)
	}
	d, err := e.Resolve(ctx, req, policy.Vary)
	if err != nil {
		return Result{Source: SourceBypass}, err
	}
	if !d.Cacheable {
		return e.bypass(ctx, "", render)
	}
	key := d.Key

	if value, ok, _ := e.Get(ctx, key); ok {
		return Result{Value: value, Key: key, Source: SourceHit}, nil
	}

	h, err := e.AcquireLock(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Key: key, Source: SourceMiss}, err
		}
		e.logger.Debug(ctx, "population lock unavailable, rendering uncached",
			observe.Field{Key: "key", Value: key},
			observe.Field{Key: "error", Value: err})
		return e.bypass(ctx, key, render)
	}
	defer h.Release()

	if value, ok := e.recheck(ctx, key); ok {
		return Result{Value: value, Key: key, Source: SourceHit}, nil
	}

	value, storable, err := e.render(ctx, key, render)
	if err != nil {
		return Result{Key: key, Source: SourceMiss}, err
	}

	res := Result{Value: value, Key: key, Source: SourceMiss}
	if !storable {
		return res, nil
	}
	sr, err := e.Set(ctx, key, value, policy)
	if err != nil {
		e.logger.Warn(ctx, "cache write failed, serving uncached",
			observe.Field{Key: "key", Value: key},
			observe.Field{Key: "error", Value: err})
	}
	res.Stored, res.Verdict = sr.Stored, sr.Verdict
	return res, nil
}

func (e *Engine) bypass(ctx context.Context, key string, render RenderFunc) (Result, error) {
	value, _, err := e.render(ctx, key, render)
	return Result{Value: value, Key: key, Source: SourceBypass}, err
}

// render runs fn under the populate middleware. storable is false when fn
// reported ErrNotCacheable.
func (e *Engine) render(ctx context.Context, key string, fn RenderFunc) (value []byte, storable bool, err error) {
	e.stats.PopulationStarted()
	defer e.stats.PopulationFinished()

	op := observe.Operation{Name: "populate", Key: key}
	if key != "" {
		op.Route = e.keyer.Route(key)
	}
	storable = true
	value, err = e.populate.Wrap(func(ctx context.Context, _ observe.Operation) ([]byte, error) {
		v, err := fn(ctx)
		if errors.Is(err, ErrNotCacheable) {
			storable = false
			return v, nil
		}
		return v, err
	})(ctx, op)
	return value, storable, err
}

// recheck looks key up again after the lock is held. Only a hit is
// counted; the miss that led here was counted already.
func (e *Engine) recheck(ctx context.Context, key string) ([]byte, bool) {
	value, ok, err := e.storage.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	e.stats.Hit()
	e.metrics.RecordLookup(ctx, true)
	return value, true
}
