package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonwraymond/pagecache/observe"
)

// State is a circuit breaker state.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects every call until ResetTimeout has passed.
	StateOpen
	// StateHalfOpen lets a single probe through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in log records.
	// Default: "circuit"
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// circuit.
	// Default: 5
	MaxFailures int

	// ResetTimeout is how long the circuit stays open before a probe is
	// let through.
	// Default: 30 seconds
	ResetTimeout time.Duration

	// IsFailure reports whether err counts against the backend.
	// Default: every non-nil error
	IsFailure func(err error) bool

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time

	// Logger receives state transitions. Opening is a warning.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

// CircuitSnapshot is a point-in-time view of a breaker.
type CircuitSnapshot struct {
	State    State
	Failures int
	Trips    uint64
	OpenedAt time.Time
}

// CircuitBreaker stops calling a failing dependency. After MaxFailures
// consecutive failures it rejects calls with ErrCircuitOpen for
// ResetTimeout, then lets one probe through: success closes the circuit,
// failure opens it again.
//
// Contract:
//   - Concurrency: safe for concurrent use. At most one probe runs at a time.
//   - Errors: Execute returns op's error unchanged, or ErrCircuitOpen when
//     op was not called.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	probing  bool
	openedAt time.Time
	trips    uint64
}

// NewCircuitBreaker creates a closed CircuitBreaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "circuit"
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	return &CircuitBreaker{config: config}
}

// Execute calls op unless the circuit is open.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(ctx); err != nil {
		return err
	}
	err := op(ctx)
	b.record(ctx, err)
	return err
}

// State returns the current state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	moved := b.refreshLocked()
	state := b.state
	b.mu.Unlock()
	if moved {
		b.logTransition(context.Background(), StateOpen, StateHalfOpen)
	}
	return state
}

// Snapshot returns the current state and counters.
func (b *CircuitBreaker) Snapshot() CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return CircuitSnapshot{
		State:    b.state,
		Failures: b.failures,
		Trips:    b.trips,
		OpenedAt: b.openedAt,
	}
}

// Reset closes the circuit and forgets recent failures.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state, b.failures, b.probing = StateClosed, 0, false
	b.mu.Unlock()
	if from != StateClosed {
		b.logTransition(context.Background(), from, StateClosed)
	}
}

func (b *CircuitBreaker) admit(ctx context.Context) error {
	b.mu.Lock()
	moved := b.refreshLocked()
	var err error
	switch b.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			err = ErrCircuitOpen
		} else {
			b.probing = true
		}
	}
	b.mu.Unlock()

	if moved {
		b.logTransition(ctx, StateOpen, StateHalfOpen)
	}
	return err
}

func (b *CircuitBreaker) record(ctx context.Context, err error) {
	failed := b.config.IsFailure(err)

	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.config.MaxFailures {
			b.tripLocked()
		}
	case StateHalfOpen:
		b.probing = false
		if failed {
			b.failures++
			b.tripLocked()
		} else {
			b.state, b.failures = StateClosed, 0
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.logTransition(ctx, from, to, observe.Field{Key: "error", Value: errString(err)})
	}
}

func (b *CircuitBreaker) tripLocked() {
	b.state = StateOpen
	b.openedAt = b.config.Now()
	b.trips++
}

// refreshLocked moves an open circuit to half-open once ResetTimeout has
// passed and reports whether it did.
func (b *CircuitBreaker) refreshLocked() bool {
	if b.state != StateOpen || b.config.Now().Sub(b.openedAt) < b.config.ResetTimeout {
		return false
	}
	b.state, b.probing = StateHalfOpen, false
	return true
}

func (b *CircuitBreaker) logTransition(ctx context.Context, from, to State, extra ...observe.Field) {
	fields := append([]observe.Field{
		{Key: "circuit", Value: b.config.Name},
		{Key: "from", Value: from.String()},
		{Key: "to", Value: to.String()},
	}, extra...)
	if to == StateOpen {
		b.config.Logger.Warn(ctx, "circuit opened", fields...)
		return
	}
	b.config.Logger.Info(ctx, "circuit state changed", fields...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
