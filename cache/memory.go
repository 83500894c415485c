package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// MaxBytes is the hard quota on stored values. Least recently used
	// entries are evicted to stay under it.
	// Default: 64 MiB
	MaxBytes int64

	// JanitorInterval is how often expired entries are swept. Expired
	// entries are also dropped lazily on read.
	// Default: 1 minute. Negative disables the sweep.
	JanitorInterval time.Duration

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

type memoryEntry struct {
	key       string
	value     []byte
	exp       Expiration
	expiresAt time.Time
	onEvict   EvictionFunc
}

func (e *memoryEntry) size() int64 { return int64(len(e.value)) }

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (e *memoryEntry) evicted(reason EvictionReason) eviction {
	return eviction{key: e.key, size: e.size(), reason: reason, fn: e.onEvict}
}

// MemoryStore is an in-process LRU Storage with a byte quota.
type MemoryStore struct {
	config MemoryConfig

	mu     sync.Mutex
	lru    *list.List
	items  map[string]*list.Element
	bytes  int64
	closed bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Storage = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore and starts its janitor.
func NewMemoryStore(config MemoryConfig) *MemoryStore {
	if config.MaxBytes <= 0 {
		config.MaxBytes = 64 << 20
	}
	if config.JanitorInterval == 0 {
		config.JanitorInterval = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &MemoryStore{
		config: config,
		lru:    list.New(),
		items:  make(map[string]*list.Element),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if config.JanitorInterval > 0 {
		go s.janitor()
	} else {
		close(s.done)
	}
	return s
}

// Get returns the value for key, refreshing its LRU position and, for sliding
// entries, its deadline.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := s.config.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, nil
	}
	el, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return nil, false, nil
	}
	e := el.Value.(*memoryEntry)
	if e.expired(now) {
		s.removeLocked(el)
		s.mu.Unlock()
		fire([]eviction{e.evicted(EvictionExpired)})
		return nil, false, nil
	}
	if e.exp.Sliding {
		e.expiresAt = e.exp.deadline(now)
	}
	s.lru.MoveToFront(el)
	value := e.value
	s.mu.Unlock()

	return value, true, nil
}

// Set stores value. A value larger than MaxBytes is refused with
// ErrEntryTooLarge.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, exp Expiration, onEvict EvictionFunc) error {
	e := &memoryEntry{
		key:       key,
		value:     value,
		exp:       exp,
		expiresAt: exp.deadline(s.config.Now()),
		onEvict:   onEvict,
	}
	if e.size() > s.config.MaxBytes {
		return ErrEntryTooLarge
	}

	var evicted []eviction

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if el, ok := s.items[key]; ok {
		old := el.Value.(*memoryEntry)
		s.removeLocked(el)
		evicted = append(evicted, old.evicted(EvictionReplaced))
	}
	s.items[key] = s.lru.PushFront(e)
	s.bytes += e.size()

	for s.bytes > s.config.MaxBytes {
		back := s.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*memoryEntry)
		s.removeLocked(back)
		evicted = append(evicted, victim.evicted(EvictionCapacity))
	}
	s.mu.Unlock()

	fire(evicted)
	return nil
}

// Remove deletes key.
func (s *MemoryStore) Remove(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	el, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	e := el.Value.(*memoryEntry)
	s.removeLocked(el)
	s.mu.Unlock()

	fire([]eviction{e.evicted(EvictionRemoved)})
	return true, nil
}

// RemoveWhere deletes every matching key.
func (s *MemoryStore) RemoveWhere(ctx context.Context, match func(key string) bool) ([]string, error) {
	var (
		removed []string
		evicted []eviction
	)

	s.mu.Lock()
	for key, el := range s.items {
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			fire(evicted)
			return removed, err
		}
		if !match(key) {
			continue
		}
		e := el.Value.(*memoryEntry)
		s.removeLocked(el)
		removed = append(removed, key)
		evicted = append(evicted, e.evicted(EvictionRemoved))
	}
	s.mu.Unlock()

	fire(evicted)
	return removed, nil
}

// Clear deletes every entry.
func (s *MemoryStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	evicted := make([]eviction, 0, len(s.items))
	for el := s.lru.Front(); el != nil; el = el.Next() {
		evicted = append(evicted, el.Value.(*memoryEntry).evicted(EvictionRemoved))
	}
	s.lru.Init()
	s.items = make(map[string]*list.Element)
	s.bytes = 0
	s.mu.Unlock()

	fire(evicted)
	return len(evicted), nil
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.config.Now()
	var evicted []eviction

	s.mu.Lock()
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*memoryEntry); e.expired(now) {
			s.removeLocked(el)
			evicted = append(evicted, e.evicted(EvictionExpired))
		}
		el = prev
	}
	s.mu.Unlock()

	fire(evicted)
	return len(evicted)
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Bytes returns the total size of stored values.
func (s *MemoryStore) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Close stops the janitor. Entries are dropped without callbacks.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.items = make(map[string]*list.Element)
		s.lru.Init()
		s.bytes = 0
		s.mu.Unlock()
		close(s.stop)
	})
	<-s.done
	return nil
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	e := s.lru.Remove(el).(*memoryEntry)
	delete(s.items, e.key)
	s.bytes -= e.size()
}

func (s *MemoryStore) janitor() {
	defer close(s.done)
	ticker := time.NewTicker(s.config.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
