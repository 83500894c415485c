package keylock

import "errors"

var (
	// ErrEmptyKey is returned when Acquire is called without a key.
	ErrEmptyKey = errors.New("keylock: empty key")

	// ErrLockTimeout is returned when the timeout passed to Acquire elapses.
	ErrLockTimeout = errors.New("keylock: lock acquisition timed out")

	// ErrShutdown is returned by Acquire once Shutdown has begun.
	ErrShutdown = errors.New("keylock: manager is shut down")

	errRetireRace = errors.New("keylock: entry adopted during retirement")
)
