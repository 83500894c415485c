package resilience

import (
	"context"
	"time"
)

// Bounded runs fn and returns its result, unless d elapses or ctx is done
// first. In that case fn keeps running in the background and its result is
// discarded, so fn must terminate on its own and must not share mutable state
// with the caller. A non-positive d runs fn inline.
//
// Bounded is meant for CPU-bound work on untrusted input, such as matching a
// regular expression against request data.
func Bounded[T any](ctx context.Context, d time.Duration, fn func() T) (T, error) {
	var zero T
	if d <= 0 {
		return fn(), nil
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	done := make(chan T, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case v := <-done:
		return v, nil
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
