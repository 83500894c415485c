package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type evictionRecord struct {
	key    string
	size   int64
	reason EvictionReason
}

type evictionLog struct {
	mu     sync.Mutex
	events []evictionRecord
}

func (l *evictionLog) fn(key string, size int64, reason EvictionReason) {
	l.mu.Lock()
	l.events = append(l.events, evictionRecord{key, size, reason})
	l.mu.Unlock()
}

func (l *evictionLog) all() []evictionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]evictionRecord(nil), l.events...)
}

// countingStorage wraps a Storage and counts calls.
type countingStorage struct {
	Storage
	gets    atomic.Int64
	sets    atomic.Int64
	failSet atomic.Pointer[error]
	failGet atomic.Pointer[error]
}

func newCountingStorage() *countingStorage {
	return &countingStorage{Storage: NewMemoryStore(MemoryConfig{JanitorInterval: -1})}
}

func (s *countingStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.gets.Add(1)
	if err := s.failGet.Load(); err != nil {
		return nil, false, *err
	}
	return s.Storage.Get(ctx, key)
}

func (s *countingStorage) Set(ctx context.Context, key string, value []byte, exp Expiration, onEvict EvictionFunc) error {
	s.sets.Add(1)
	if err := s.failSet.Load(); err != nil {
		return *err
	}
	return s.Storage.Set(ctx, key, value, exp, onEvict)
}

func TestEvictionReason_String(t *testing.T) {
	tests := []struct {
		reason EvictionReason
		want   string
	}{
		{EvictionRemoved, "removed"},
		{EvictionReplaced, "replaced"},
		{EvictionExpired, "expired"},
		{EvictionCapacity, "capacity"},
		{EvictionReason(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.reason.String(); got != tt.want {
			t.Errorf("EvictionReason(%d).String() = %q, want %q", tt.reason, got, tt.want)
		}
	}
}

func TestExpiration_Deadline(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		exp  Expiration
		want time.Time
	}{
		{"zero ttl never expires", Expiration{}, time.Time{}},
		{"negative ttl never expires", Expiration{TTL: -time.Second}, time.Time{}},
		{"positive ttl", Expiration{TTL: time.Minute}, now.Add(time.Minute)},
		{"sliding", Expiration{TTL: time.Second, Sliding: true}, now.Add(time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.exp.deadline(now); !got.Equal(tt.want) {
				t.Errorf("deadline() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFire_SkipsNilCallbacks(t *testing.T) {
	var log evictionLog
	fire([]eviction{
		{key: "a", size: 1, reason: EvictionRemoved, fn: log.fn},
		{key: "b", size: 2, reason: EvictionExpired},
	})
	got := log.all()
	if len(got) != 1 || got[0].key != "a" {
		t.Errorf("fired = %+v, want only a", got)
	}
}
