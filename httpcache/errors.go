package httpcache

import (
	"errors"
	"time"
)

// ErrRateLimited indicates a client exceeded its allowance.
var ErrRateLimited = errors.New("httpcache: rate limited")

// limitedError carries when the client may retry.
type limitedError struct {
	resetAt time.Time
}

func (e *limitedError) Error() string { return ErrRateLimited.Error() }

func (e *limitedError) Unwrap() error { return ErrRateLimited }
