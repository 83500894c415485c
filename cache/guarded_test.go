package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonwraymond/pagecache/resilience"
)

var errBackend = errors.New("backend down")

func TestGuardedStore_OpensAfterFailures(t *testing.T) {
	inner := newCountingStorage()
	inner.failGet.Store(&errBackend)
	clock := newFakeClock()
	g := NewGuardedStore(inner, resilience.CircuitBreakerConfig{
		MaxFailures:  3,
		ResetTimeout: time.Minute,
		Now:          clock.Now,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := g.Get(ctx, "k"); !errors.Is(err, errBackend) {
			t.Fatalf("Get %d error = %v, want backend error", i, err)
		}
	}
	if g.State() != resilience.StateOpen {
		t.Fatalf("State() = %v, want open", g.State())
	}

	calls := inner.gets.Load()
	_, _, err := g.Get(ctx, "k")
	if !errors.Is(err, ErrStorageUnavailable) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Get on open circuit error = %v", err)
	}
	if inner.gets.Load() != calls {
		t.Error("open circuit must not reach the backend")
	}

	inner.failGet.Store(nil)
	clock.Advance(2 * time.Minute)
	if _, _, err := g.Get(ctx, "k"); err != nil {
		t.Errorf("probe after reset timeout error = %v", err)
	}
	if g.State() != resilience.StateClosed {
		t.Errorf("State() = %v after successful probe, want closed", g.State())
	}
}

func TestGuardedStore_CallerErrorsDoNotTrip(t *testing.T) {
	inner := NewMemoryStore(MemoryConfig{MaxBytes: 2, JanitorInterval: -1})
	g := NewGuardedStore(inner, resilience.CircuitBreakerConfig{MaxFailures: 1})
	defer g.Close()

	err := g.Set(context.Background(), "k", []byte("too big"), Expiration{}, nil)
	if !errors.Is(err, ErrEntryTooLarge) {
		t.Fatalf("Set() error = %v, want ErrEntryTooLarge", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = g.RemoveWhere(ctx, func(string) bool { return true })

	if g.State() != resilience.StateClosed {
		t.Errorf("State() = %v, want closed", g.State())
	}
}

func TestGuardedStore_PassesThrough(t *testing.T) {
	g := NewGuardedStore(NewMemoryStore(MemoryConfig{JanitorInterval: -1}), resilience.CircuitBreakerConfig{})
	defer g.Close()
	ctx := context.Background()
	var log evictionLog

	if err := g.Set(ctx, "a", []byte("1"), Expiration{}, log.fn); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	_ = g.Set(ctx, "b", []byte("2"), Expiration{}, log.fn)
	if v, ok, err := g.Get(ctx, "a"); err != nil || !ok || string(v) != "1" {
		t.Errorf("Get() = %q, %v, %v", v, ok, err)
	}
	if ok, err := g.Remove(ctx, "a"); err != nil || !ok {
		t.Errorf("Remove() = %v, %v", ok, err)
	}
	if n, err := g.Clear(ctx); err != nil || n != 1 {
		t.Errorf("Clear() = %d, %v", n, err)
	}
	if got := len(log.all()); got != 2 {
		t.Errorf("callbacks = %d, want 2", got)
	}
}
