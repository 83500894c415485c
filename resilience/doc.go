// Package resilience holds the guard rails the page cache leans on.
//
// # Patterns
//
//   - Sliding window rate limiter: per-key admission control over a trailing
//     time window, with a background sweep that drops idle keys.
//
//   - Retry: a few quick attempts with capped exponential backoff. The keyed
//     lock manager uses it to settle reference-count races.
//
//   - Bounded: runs a function against a deadline. Pattern matching on
//     untrusted input goes through it so that a slow match can be abandoned
//     and reported instead of stalling a request.
//
//   - Circuit breaker: stops calling a failing storage backend until it has
//     had time to recover, letting one probe through at a time.
//
// # Usage
//
//	rl := resilience.NewSlidingWindowLimiter(resilience.SlidingWindowConfig{
//	    SweepInterval: 5 * time.Minute,
//	    StaleAfter:    time.Hour,
//	})
//	defer rl.Close()
//
//	d := rl.Allow("client:10.0.0.7", 3, time.Minute)
//	if !d.Allowed {
//	    // retry after d.ResetAt
//	}
package resilience
