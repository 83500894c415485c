package cache

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for cache operations.
var (
	ErrClosed             = errors.New("cache: storage is closed")
	ErrEntryTooLarge      = errors.New("cache: entry exceeds storage capacity")
	ErrStorageUnavailable = errors.New("cache: storage unavailable")

	// ErrNotCacheable is returned by a RenderFunc, together with the page,
	// for a page that must be served but not stored.
	ErrNotCacheable = errors.New("cache: page not cacheable")
)

// EvictionReason says why an entry left storage.
type EvictionReason int

const (
	EvictionRemoved EvictionReason = iota + 1
	EvictionReplaced
	EvictionExpired
	EvictionCapacity
)

// String returns the reason as a metric label.
func (r EvictionReason) String() string {
	switch r {
	case EvictionRemoved:
		return "removed"
	case EvictionReplaced:
		return "replaced"
	case EvictionExpired:
		return "expired"
	case EvictionCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// Expiration controls how long an entry lives.
type Expiration struct {
	// TTL is the lifetime. Non-positive means the entry only leaves on
	// removal or capacity pressure.
	TTL time.Duration

	// Sliding renews the TTL on every read.
	Sliding bool
}

func (e Expiration) deadline(now time.Time) time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return now.Add(e.TTL)
}

// EvictionFunc is called once when a stored entry leaves storage, with the
// size of the value that was stored.
type EvictionFunc func(key string, size int64, reason EvictionReason)

// Storage is the physical page store.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Eviction: the EvictionFunc passed to Set runs exactly once per stored
//   entry, after internal locks are released, whatever the reason the entry
//   leaves (removal, replacement, expiry, capacity, Clear). Set calls that
//   fail store nothing and never invoke it. Close drops entries silently.
// - Errors: Get reports a miss as (nil, false, nil). Remove is idempotent.
type Storage interface {
	// Get returns the value stored under key.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous entry.
	Set(ctx context.Context, key string, value []byte, exp Expiration, onEvict EvictionFunc) error

	// Remove deletes key and reports whether it was present.
	Remove(ctx context.Context, key string) (bool, error)

	// RemoveWhere deletes every key for which match returns true and returns
	// the removed keys.
	RemoveWhere(ctx context.Context, match func(key string) bool) ([]string, error)

	// Clear deletes every entry and returns how many were removed.
	Clear(ctx context.Context) (int, error)

	// Close releases resources. Later writes fail with ErrClosed and
	// later reads miss.
	Close() error
}

// eviction is a pending callback, collected under a lock and fired after.
type eviction struct {
	key    string
	size   int64
	reason EvictionReason
	fn     EvictionFunc
}

func fire(evs []eviction) {
	for _, ev := range evs {
		if ev.fn != nil {
			ev.fn(ev.key, ev.size, ev.reason)
		}
	}
}
