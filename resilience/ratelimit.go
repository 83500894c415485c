package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonwraymond/pagecache/observe"
)

// SlidingWindowConfig configures the sliding window rate limiter.
type SlidingWindowConfig struct {
	// SweepInterval is how often idle keys are swept.
	// Default: 5 minutes. Negative disables the background sweep.
	SweepInterval time.Duration

	// StaleAfter is how long a key may go untouched before the sweep drops it.
	// Default: 1 hour
	StaleAfter time.Duration

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time

	// Logger receives sweep diagnostics.
	// Default: no-op logger
	Logger observe.Logger
}

// RateDecision is the outcome of a single admission check.
type RateDecision struct {
	// Allowed reports whether the attempt was admitted and recorded.
	Allowed bool

	// Remaining is the number of further attempts the window admits.
	Remaining int

	// ResetAt is when the oldest recorded attempt leaves the window.
	ResetAt time.Time
}

// window holds the ordered attempt timestamps for one key.
type window struct {
	mu       sync.Mutex
	hits     []time.Time
	lastSeen time.Time
	removed  bool
}

// SlidingWindowLimiter admits at most maxAttempts per key within a trailing
// window. Denied attempts are not recorded, so a client that keeps hammering
// a full window does not push its own reset time forward.
//
// Contract:
// - Concurrency: safe for concurrent use; unrelated keys do not contend.
// - Housekeeping: the background sweep never blocks or fails callers.
type SlidingWindowLimiter struct {
	config SlidingWindowConfig

	mu      sync.RWMutex
	windows map[string]*window

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	sweeps        atomic.Uint64
	sweepFailures atomic.Uint64

	// sweepHook runs at the start of every sweep; tests use it to inject failures.
	sweepHook func()
}

// NewSlidingWindowLimiter creates a limiter and starts its background sweep.
func NewSlidingWindowLimiter(config SlidingWindowConfig) *SlidingWindowLimiter {
	if config.SweepInterval == 0 {
		config.SweepInterval = 5 * time.Minute
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}

	l := &SlidingWindowLimiter{
		config:  config,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		go l.sweepLoop()
	} else {
		close(l.done)
	}

	return l
}

// Allow records an attempt for key if fewer than maxAttempts attempts fall
// inside the trailing window. A non-positive maxAttempts denies everything;
// a non-positive window disables limiting for the call.
func (l *SlidingWindowLimiter) Allow(key string, maxAttempts int, windowSize time.Duration) RateDecision {
	now := l.config.Now()

	if maxAttempts <= 0 {
		return RateDecision{Allowed: false, Remaining: 0, ResetAt: now}
	}
	if windowSize <= 0 {
		return RateDecision{Allowed: true, Remaining: maxAttempts, ResetAt: now}
	}

	for {
		w := l.window(key)

		w.mu.Lock()
		if w.removed {
			// Swept or reset between lookup and lock; take a fresh window.
			w.mu.Unlock()
			continue
		}

		w.evictLocked(now.Add(-windowSize))
		w.lastSeen = now
		count := len(w.hits)

		if count >= maxAttempts {
			resetAt := w.hits[0].Add(windowSize)
			w.mu.Unlock()
			return RateDecision{Allowed: false, Remaining: 0, ResetAt: resetAt}
		}

		w.hits = append(w.hits, now)
		resetAt := w.hits[0].Add(windowSize)
		w.mu.Unlock()

		return RateDecision{
			Allowed:   true,
			Remaining: max(0, maxAttempts-count-1),
			ResetAt:   resetAt,
		}
	}
}

// Reset forgets every attempt recorded for key.
func (l *SlidingWindowLimiter) Reset(key string) {
	l.mu.Lock()
	w, ok := l.windows[key]
	if ok {
		delete(l.windows, key)
	}
	l.mu.Unlock()

	if ok {
		w.mu.Lock()
		w.removed = true
		w.mu.Unlock()
	}
}

// ClearAll forgets every key.
func (l *SlidingWindowLimiter) ClearAll() {
	l.mu.Lock()
	old := l.windows
	l.windows = make(map[string]*window)
	l.mu.Unlock()

	for _, w := range old {
		w.mu.Lock()
		w.removed = true
		w.mu.Unlock()
	}
}

// Len returns the number of tracked keys.
func (l *SlidingWindowLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// Sweep drops keys untouched for longer than StaleAfter and returns how many
// were removed. Failures are recovered and reported as an error.
func (l *SlidingWindowLimiter) Sweep() (removed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resilience: rate limiter sweep panicked: %v", r)
		}
	}()

	cutoff := l.config.Now().Add(-l.config.StaleAfter)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sweepHook != nil {
		l.sweepHook()
	}

	for key, w := range l.windows {
		w.mu.Lock()
		if w.lastSeen.Before(cutoff) {
			w.removed = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}

	return removed, nil
}

// SweepStats reports how many sweeps ran and how many of them failed.
func (l *SlidingWindowLimiter) SweepStats() (sweeps, failures uint64) {
	return l.sweeps.Load(), l.sweepFailures.Load()
}

// Close stops the background sweep. Allow keeps working after Close.
func (l *SlidingWindowLimiter) Close() {
	l.closeOnce.Do(func() {
		close(l.stop)
	})
	<-l.done
}

func (l *SlidingWindowLimiter) window(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{}
	l.windows[key] = w
	return w
}

func (l *SlidingWindowLimiter) sweepLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweeps.Add(1)
			removed, err := l.Sweep()
			if err != nil {
				l.sweepFailures.Add(1)
				l.config.Logger.Warn(ctx, "rate limiter sweep failed, retrying next cycle",
					observe.Field{Key: "error", Value: err.Error()})
				continue
			}
			if removed > 0 {
				l.config.Logger.Debug(ctx, "rate limiter sweep removed idle keys",
					observe.Field{Key: "removed", Value: removed})
			}
		}
	}
}

// evictLocked drops timestamps at or before cutoff from the front of the queue.
func (w *window) evictLocked(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}
