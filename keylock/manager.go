package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/resilience"
)

// Config configures a Manager.
type Config struct {
	// GracePeriod is how long Shutdown waits for held handles.
	// Default: 2s
	GracePeriod time.Duration

	// RetireAttempts bounds how often a releaser retries retiring an entry
	// that a new waiter adopted concurrently.
	// Default: 3
	RetireAttempts int

	// RetireBackoff is the initial delay between retirement attempts.
	// Default: 1ms
	RetireBackoff time.Duration

	// Logger receives retirement and shutdown diagnostics.
	// Default: no-op logger
	Logger observe.Logger

	// Audit receives lock_drain_incomplete events.
	// Default: no-op sink
	Audit observe.AuditSink
}

// entry is the per-key primitive. refs counts waiters plus the holder;
// -1 marks the entry retired.
type entry struct {
	sem  *semaphore.Weighted
	refs atomic.Int64
}

// Stats is a point-in-time view of a Manager.
type Stats struct {
	Keys             int
	Held             int64
	Waiting          int64
	Retired          uint64
	RetireContention uint64
	Shutdown         bool
}

// Manager provides per-key mutual exclusion.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Lifecycle: after Shutdown, Acquire fails with ErrShutdown; handles
//   acquired earlier still release cleanly.
type Manager struct {
	config Config
	retry  *resilience.Retry

	entries sync.Map // string -> *entry

	closing  atomic.Bool
	base     context.Context
	cancel   context.CancelFunc
	shutOnce sync.Once

	held       atomic.Int64
	waiting    atomic.Int64
	retired    atomic.Uint64
	contention atomic.Uint64
}

// New creates a Manager.
func New(config Config) *Manager {
	if config.GracePeriod <= 0 {
		config.GracePeriod = 2 * time.Second
	}
	if config.RetireAttempts <= 0 {
		config.RetireAttempts = 3
	}
	if config.RetireBackoff <= 0 {
		config.RetireBackoff = time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	if config.Audit == nil {
		config.Audit = observe.NopAuditSink()
	}

	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		retry: resilience.NewRetry(resilience.RetryConfig{
			Attempts:  config.RetireAttempts,
			BaseDelay: config.RetireBackoff,
			Jitter:    true,
			Retryable: func(err error) bool { return errors.Is(err, errRetireRace) },
		}),
		base:   base,
		cancel: cancel,
	}
}

// Acquire blocks until the caller holds key, timeout elapses, ctx is done or
// the manager shuts down. A non-positive timeout waits on ctx alone.
//
// Errors: ErrEmptyKey, ErrLockTimeout, ErrShutdown, or ctx.Err().
func (m *Manager) Acquire(ctx context.Context, key string, timeout time.Duration) (*Handle, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if m.closing.Load() {
		return nil, ErrShutdown
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e := m.ref(key)

	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(m.base, func() { cancel(ErrShutdown) })
	defer stop()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		actx, cancelTimeout = context.WithTimeoutCause(actx, timeout, ErrLockTimeout)
		defer cancelTimeout()
	}

	m.waiting.Add(1)
	err := e.sem.Acquire(actx, 1)
	m.waiting.Add(-1)

	if err != nil {
		m.unref(key, e)
		if cause := context.Cause(actx); errors.Is(cause, ErrLockTimeout) || errors.Is(cause, ErrShutdown) {
			return nil, cause
		}
		return nil, ctx.Err()
	}

	m.held.Add(1)
	return &Handle{m: m, key: key, entry: e}, nil
}

// ref returns the live entry for key with one more reference, creating it if
// needed. A retired entry found in the map is removed and replaced.
func (m *Manager) ref(key string) *entry {
	for {
		v, ok := m.entries.Load(key)
		if !ok {
			v, _ = m.entries.LoadOrStore(key, &entry{sem: semaphore.NewWeighted(1)})
		}
		e := v.(*entry)
		for {
			n := e.refs.Load()
			if n < 0 {
				m.entries.CompareAndDelete(key, e)
				break
			}
			if e.refs.CompareAndSwap(n, n+1) {
				return e
			}
		}
	}
}

// unref drops one reference and retires the entry when none remain. A waiter
// may adopt the entry between the decrement and the retirement; that race is
// retried with backoff and, if it persists, left to the adopter, whose own
// release retires the entry.
func (m *Manager) unref(key string, e *entry) {
	if e.refs.Add(-1) != 0 {
		return
	}

	err := m.retry.Do(context.Background(), func(int) error {
		if e.refs.CompareAndSwap(0, -1) {
			m.entries.CompareAndDelete(key, e)
			m.retired.Add(1)
			return nil
		}
		if e.refs.Load() < 0 {
			return nil
		}
		m.contention.Add(1)
		return errRetireRace
	})
	if err != nil {
		m.config.Logger.Debug(context.Background(), "lock entry retirement deferred to new waiter",
			observe.Field{Key: "cache_key", Value: key},
			observe.Field{Key: "error", Value: err.Error()})
	}
}

// Shutdown stops new acquisitions, wakes every waiter with ErrShutdown and
// waits up to GracePeriod, or until ctx is done, for held handles to be
// released. Remaining primitives are then dropped. An incomplete drain is
// logged and audited, not returned. Calling Shutdown again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutOnce.Do(func() {
		m.closing.Store(true)
		m.cancel()

		drained := m.drain(ctx)

		dropped := 0
		m.entries.Range(func(k, _ any) bool {
			m.entries.Delete(k)
			dropped++
			return true
		})

		if !drained {
			held := m.held.Load()
			m.config.Logger.Warn(ctx, "lock manager shut down with handles still held",
				observe.Field{Key: "held", Value: held},
				observe.Field{Key: "dropped_entries", Value: dropped})
			m.config.Audit.Emit(ctx, observe.AuditEvent{
				Kind:     observe.AuditLockDrainIncomplete,
				Severity: "warning",
				Elapsed:  m.config.GracePeriod,
				Fields:   []observe.Field{{Key: "held", Value: held}},
			})
		}
	})
	return nil
}

func (m *Manager) drain(ctx context.Context) bool {
	if m.held.Load() == 0 {
		return true
	}
	grace := time.NewTimer(m.config.GracePeriod)
	defer grace.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-grace.C:
			return m.held.Load() == 0
		case <-ctx.Done():
			return m.held.Load() == 0
		case <-tick.C:
			if m.held.Load() == 0 {
				return true
			}
		}
	}
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	keys := 0
	m.entries.Range(func(_, _ any) bool {
		keys++
		return true
	})
	return Stats{
		Keys:             keys,
		Held:             m.held.Load(),
		Waiting:          m.waiting.Load(),
		Retired:          m.retired.Load(),
		RetireContention: m.contention.Load(),
		Shutdown:         m.closing.Load(),
	}
}

// Handle is exclusive possession of one key.
type Handle struct {
	m        *Manager
	key      string
	entry    *entry
	released atomic.Bool
}

// Key returns the locked key.
func (h *Handle) Key() string { return h.key }

// Release gives up the key. Only the first call has an effect.
func (h *Handle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.entry.sem.Release(1)
	h.m.held.Add(-1)
	h.m.unref(h.key, h.entry)
}
