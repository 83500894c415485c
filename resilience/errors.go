package resilience

import "errors"

var (
	// ErrCircuitOpen is returned by CircuitBreaker.Execute when the call was
	// not let through.
	ErrCircuitOpen = errors.New("resilience: circuit open")

	// ErrRetriesExhausted wraps the last error once Retry runs out of
	// attempts.
	ErrRetriesExhausted = errors.New("resilience: retries exhausted")

	// ErrTimeout is returned by Bounded when the deadline passes first.
	ErrTimeout = errors.New("resilience: deadline exceeded")
)
