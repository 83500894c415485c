package health

import "errors"

var (
	// ErrCheckFailed marks a check that ran and found a problem.
	ErrCheckFailed = errors.New("health: check reported failure")

	// ErrCheckTimeout marks a check that produced no result in time.
	ErrCheckTimeout = errors.New("health: check exceeded its deadline")

	// ErrUnknownCheck is returned by Aggregator.Check for an unregistered name.
	ErrUnknownCheck = errors.New("health: unknown check")
)
