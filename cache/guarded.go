package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonwraymond/pagecache/resilience"
)

// GuardedStore puts a circuit breaker in front of another Storage. While the
// circuit is open, calls fail fast with ErrStorageUnavailable and the engine
// serves pages uncached instead of waiting on a failing backend.
type GuardedStore struct {
	inner   Storage
	breaker *resilience.CircuitBreaker
}

var _ Storage = (*GuardedStore)(nil)

// NewGuardedStore wraps inner. The breaker is named "storage" unless
// config.Name says otherwise. Context cancellation does not count as a
// backend failure unless config.IsFailure says otherwise.
func NewGuardedStore(inner Storage, config resilience.CircuitBreakerConfig) *GuardedStore {
	if config.Name == "" {
		config.Name = "storage"
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}
	return &GuardedStore{inner: inner, breaker: resilience.NewCircuitBreaker(config)}
}

// State returns the breaker state.
func (g *GuardedStore) State() resilience.State { return g.breaker.State() }

// Get implements Storage.
func (g *GuardedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		ok    bool
	)
	err := g.execute(ctx, func(ctx context.Context) error {
		var err error
		value, ok, err = g.inner.Get(ctx, key)
		return err
	})
	return value, ok, err
}

// Set implements Storage. ErrEntryTooLarge is a caller problem and does not
// trip the breaker.
func (g *GuardedStore) Set(ctx context.Context, key string, value []byte, exp Expiration, onEvict EvictionFunc) error {
	var tooLarge error
	err := g.execute(ctx, func(ctx context.Context) error {
		err := g.inner.Set(ctx, key, value, exp, onEvict)
		if errors.Is(err, ErrEntryTooLarge) {
			tooLarge = err
			return nil
		}
		return err
	})
	if tooLarge != nil {
		return tooLarge
	}
	return err
}

// Remove implements Storage.
func (g *GuardedStore) Remove(ctx context.Context, key string) (bool, error) {
	var removed bool
	err := g.execute(ctx, func(ctx context.Context) error {
		var err error
		removed, err = g.inner.Remove(ctx, key)
		return err
	})
	return removed, err
}

// RemoveWhere implements Storage.
func (g *GuardedStore) RemoveWhere(ctx context.Context, match func(key string) bool) ([]string, error) {
	var removed []string
	err := g.execute(ctx, func(ctx context.Context) error {
		var err error
		removed, err = g.inner.RemoveWhere(ctx, match)
		return err
	})
	return removed, err
}

// Clear implements Storage.
func (g *GuardedStore) Clear(ctx context.Context) (int, error) {
	var n int
	err := g.execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = g.inner.Clear(ctx)
		return err
	})
	return n, err
}

// Close closes the wrapped store. It bypasses the breaker.
func (g *GuardedStore) Close() error { return g.inner.Close() }

func (g *GuardedStore) execute(ctx context.Context, op func(context.Context) error) error {
	err := g.breaker.Execute(ctx, op)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}
