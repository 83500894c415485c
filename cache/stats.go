package cache

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/jonwraymond/pagecache/keylock"
)

// WarnRatio is the fraction of the wrap limit at which a counter warns.
const WarnRatio = 0.9

// StatsConfig configures Stats.
type StatsConfig struct {
	// WrapLimit is the largest value a counter holds before wrapping to zero.
	// Default: math.MaxUint64
	WrapLimit uint64

	// AutoReset resets every counter when any one of them wraps.
	AutoReset bool

	// ResetInterval resets the counters periodically, checked on update.
	// Zero disables it.
	ResetInterval time.Duration

	// OnWarning is called once per counter per reset cycle when the counter
	// passes WarnRatio of WrapLimit. It must not block.
	OnWarning func(counter string, value uint64)

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// Counter names.
const (
	CounterHits       = "hits"
	CounterMisses     = "misses"
	CounterEvictions  = "evictions"
	CounterSets       = "sets"
	CounterRejections = "rejections"
)

type counter struct {
	name   string
	v      atomic.Uint64
	warned atomic.Bool
}

// Stats holds the engine's running statistics. Counters are updated with
// compare-and-swap and may wrap; the byte gauge never drops below zero.
type Stats struct {
	config StatsConfig
	warnAt uint64

	hits, misses, evictions, sets, rejections counter

	sizeBytes atomic.Int64
	active    atomic.Int64
	wraps     atomic.Uint64
	resetAt   atomic.Int64
}

// Statistics is a snapshot of Stats.
type Statistics struct {
	Hits              uint64
	Misses            uint64
	Evictions         uint64
	Sets              uint64
	Rejections        uint64
	SizeBytes         int64
	ActivePopulations int64
	Wraps             uint64
	LastReset         time.Time

	// Index and Locks are filled in by Engine.GetStatistics.
	Index IndexStats
	Locks keylock.Stats
}

// HitRatio returns hits / (hits + misses), or 0 with no lookups.
func (s Statistics) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// NewStats creates Stats.
func NewStats(config StatsConfig) *Stats {
	if config.WrapLimit == 0 {
		config.WrapLimit = math.MaxUint64
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	s := &Stats{
		config: config,
		warnAt: uint64(float64(config.WrapLimit) * WarnRatio),
	}
	s.hits.name = CounterHits
	s.misses.name = CounterMisses
	s.evictions.name = CounterEvictions
	s.sets.name = CounterSets
	s.rejections.name = CounterRejections
	s.resetAt.Store(config.Now().UnixNano())
	return s
}

func (s *Stats) Hit()       { s.incr(&s.hits) }
func (s *Stats) Miss()      { s.incr(&s.misses) }
func (s *Stats) Eviction()  { s.incr(&s.evictions) }
func (s *Stats) Set()       { s.incr(&s.sets) }
func (s *Stats) Rejection() { s.incr(&s.rejections) }

// AddBytes adjusts the cached byte gauge, clamping at zero.
func (s *Stats) AddBytes(delta int64) {
	for {
		old := s.sizeBytes.Load()
		next := old + delta
		if next < 0 {
			next = 0
		}
		if s.sizeBytes.CompareAndSwap(old, next) {
			return
		}
	}
}

// PopulationStarted and PopulationFinished track renders in flight.
func (s *Stats) PopulationStarted()  { s.active.Add(1) }
func (s *Stats) PopulationFinished() { s.active.Add(-1) }

// Snapshot returns the current values.
func (s *Stats) Snapshot() Statistics {
	s.maybePeriodicReset()
	return Statistics{
		Hits:              s.hits.v.Load(),
		Misses:            s.misses.v.Load(),
		Evictions:         s.evictions.v.Load(),
		Sets:              s.sets.v.Load(),
		Rejections:        s.rejections.v.Load(),
		SizeBytes:         s.sizeBytes.Load(),
		ActivePopulations: s.active.Load(),
		Wraps:             s.wraps.Load(),
		LastReset:         time.Unix(0, s.resetAt.Load()),
	}
}

// Reset zeroes the counters. The byte and population gauges track live
// state and are kept.
func (s *Stats) Reset() {
	for _, c := range s.counters() {
		c.v.Store(0)
		c.warned.Store(false)
	}
	s.resetAt.Store(s.config.Now().UnixNano())
}

func (s *Stats) counters() []*counter {
	return []*counter{&s.hits, &s.misses, &s.evictions, &s.sets, &s.rejections}
}

func (s *Stats) incr(c *counter) {
	s.maybePeriodicReset()
	for {
		old := c.v.Load()
		next := old + 1
		wrapped := old >= s.config.WrapLimit
		if wrapped {
			next = 0
		}
		if !c.v.CompareAndSwap(old, next) {
			continue
		}
		if wrapped {
			s.wraps.Add(1)
			c.warned.Store(false)
			if s.config.AutoReset {
				s.Reset()
			}
			return
		}
		if next >= s.warnAt && c.warned.CompareAndSwap(false, true) && s.config.OnWarning != nil {
			s.config.OnWarning(c.name, next)
		}
		return
	}
}

func (s *Stats) maybePeriodicReset() {
	if s.config.ResetInterval <= 0 {
		return
	}
	last := s.resetAt.Load()
	now := s.config.Now().UnixNano()
	if now-last < int64(s.config.ResetInterval) {
		return
	}
	if s.resetAt.CompareAndSwap(last, now) {
		for _, c := range s.counters() {
			c.v.Store(0)
			c.warned.Store(false)
		}
	}
}
