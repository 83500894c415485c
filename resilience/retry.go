package resilience

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jonwraymond/pagecache/observe"
)

// RetryConfig configures Retry. The delay after attempt n is
// BaseDelay * 2^(n-1), capped at MaxDelay, plus up to 25% jitter when
// Jitter is set.
type RetryConfig struct {
	// Attempts bounds the number of calls, the first one included.
	// Default: 3
	Attempts int

	// BaseDelay is the pause after the first failed attempt.
	// Default: 1ms
	BaseDelay time.Duration

	// MaxDelay caps a single pause.
	// Default: 10 * BaseDelay
	MaxDelay time.Duration

	// Jitter spreads pauses so racing callers do not retry in lockstep.
	Jitter bool

	// Retryable reports whether err is worth another attempt. Other errors
	// are returned at once.
	// Default: every non-nil error
	Retryable func(err error) bool

	// Logger receives one debug record per retry.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

// Retry re-runs a short operation that lost a race.
//
// When every attempt fails, Do returns an error matching both
// ErrRetriesExhausted and the last operation error under errors.Is.
type Retry struct {
	config RetryConfig
}

// NewRetry creates a Retry.
func NewRetry(config RetryConfig) *Retry {
	if config.Attempts <= 0 {
		config.Attempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Millisecond
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = 10 * config.BaseDelay
	}
	if config.Retryable == nil {
		config.Retryable = func(err error) bool { return err != nil }
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	return &Retry{config: config}
}

// Do calls op until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. op receives the 1-based attempt number.
func (r *Retry) Do(ctx context.Context, op func(attempt int) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(attempt); err == nil || !r.config.Retryable(err) {
			return err
		}
		if attempt == r.config.Attempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		delay := r.Delay(attempt)
		r.config.Logger.Debug(ctx, "retrying",
			observe.Field{Key: "attempt", Value: attempt},
			observe.Field{Key: "delay", Value: delay.String()},
			observe.Field{Key: "error", Value: err.Error()})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Delay returns the pause that follows the given failed attempt.
func (r *Retry) Delay(attempt int) time.Duration {
	delay := r.config.BaseDelay
	for i := 1; i < attempt && delay < r.config.MaxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, r.config.MaxDelay)
	if r.config.Jitter && delay >= 4 {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		delay += time.Duration(rand.Int64N(int64(delay / 4)))
	}
	return delay
}
