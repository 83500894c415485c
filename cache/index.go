package cache

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonwraymond/pagecache/cachekey"
	"github.com/jonwraymond/pagecache/observe"
)

// MaxGlobSteps bounds the work of one glob match. A match that runs out of
// steps is treated as no match.
const MaxGlobSteps = 100_000

// Invalidation kinds, used as metric and audit labels.
const (
	InvalidateKindRoute   = "route"
	InvalidateKindPattern = "pattern"
	InvalidateKindTag     = "tag"
	InvalidateKindAll     = "all"
)

// IndexConfig configures an Index.
type IndexConfig struct {
	// Prefix is the key prefix, as produced by cachekey.Keyer.Prefix.
	Prefix string

	// Storage is the store invalidations remove entries from. Required.
	Storage Storage

	// Normalize canonicalizes route arguments.
	// Default: cachekey.NormalizePath
	Normalize func(string) string

	// NormalizePattern canonicalizes glob arguments.
	// Default: cachekey.NormalizePattern
	NormalizePattern func(string) string

	// Metrics receives invalidation counts.
	// Default: observe.NopCacheMetrics()
	Metrics observe.CacheMetrics

	// Audit receives one invalidation event per call.
	// Default: observe.NopAuditSink()
	Audit observe.AuditSink

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// IndexStats is a snapshot of the index.
type IndexStats struct {
	Routes               int
	Tags                 int
	Keys                 int
	RouteInvalidations   uint64
	PatternInvalidations uint64
	TagInvalidations     uint64
	EntriesInvalidated   uint64
	LastInvalidation     time.Time
}

// keySet maps member keys to the generation they were registered with.
type keySet struct {
	mu   sync.Mutex
	keys map[string]uint64
	dead bool
}

type keyRecord struct {
	mu    sync.Mutex
	gen   uint64
	route string
	tags  []string
	dead  bool
}

// Index maps routes and tags to the keys stored under them, and each key
// back to its route and tags.
//
// Contract:
//   - Concurrency: safe for concurrent use. Every route set, tag set and key
//     record has its own lock; a key record is always locked before a set.
//   - Consistency: a key listed under a tag always lists that tag, and the
//     reverse. Invalidated keys leave no references behind.
//   - Storage: the index never holds a lock while calling Storage, so
//     eviction callbacks may call Forget.
//   - Generations: every stored entry is registered under a generation from
//     Reserve. ForgetGeneration only drops a registration of that
//     generation, so a late eviction never unindexes a newer entry.
type Index struct {
	config IndexConfig
	gen    atomic.Uint64

	routes sync.Map // route -> *keySet
	tags   sync.Map // tag -> *keySet
	keys   sync.Map // key -> *keyRecord

	routeInvalidations   atomic.Uint64
	patternInvalidations atomic.Uint64
	tagInvalidations     atomic.Uint64
	entriesInvalidated   atomic.Uint64
	lastInvalidation     atomic.Int64
}

// NewIndex creates an Index.
func NewIndex(config IndexConfig) *Index {
	if config.Normalize == nil {
		config.Normalize = cachekey.NormalizePath
	}
	if config.NormalizePattern == nil {
		config.NormalizePattern = cachekey.NormalizePattern
	}
	if config.Metrics == nil {
		config.Metrics = observe.NopCacheMetrics()
	}
	if config.Audit == nil {
		config.Audit = observe.NopAuditSink()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Index{config: config}
}

// Reserve returns a fresh registration generation.
func (x *Index) Reserve() uint64 { return x.gen.Add(1) }

// Register records key under route and tags, replacing any memberships the
// key had before. route must already be normalized.
func (x *Index) Register(route, key string, tags []string) {
	x.RegisterGeneration(route, key, tags, x.Reserve())
}

// RegisterGeneration is Register for an entry stored under gen. A call
// older than the key's current registration is ignored.
func (x *Index) RegisterGeneration(route, key string, tags []string, gen uint64) {
	tags = uniqueTags(tags)
	for {
		v, _ := x.keys.LoadOrStore(key, &keyRecord{})
		rec := v.(*keyRecord)
		rec.mu.Lock()
		if rec.dead {
			rec.mu.Unlock()
			x.keys.CompareAndDelete(key, rec)
			continue
		}
		if gen < rec.gen {
			rec.mu.Unlock()
			return
		}
		if rec.route != "" && rec.route != route {
			removeFromSet(&x.routes, rec.route, key)
		}
		for _, old := range rec.tags {
			if !slices.Contains(tags, old) {
				removeFromSet(&x.tags, old, key)
			}
		}
		rec.gen = gen
		rec.route = route
		rec.tags = tags
		if route != "" {
			addToSet(&x.routes, route, key, gen)
		}
		for _, t := range tags {
			addToSet(&x.tags, t, key, gen)
		}
		rec.mu.Unlock()
		return
	}
}

// Forget drops every membership of key. It is idempotent.
func (x *Index) Forget(key string) { x.forget(key, 0) }

// ForgetGeneration drops the memberships of key if they were registered
// under gen.
func (x *Index) ForgetGeneration(key string, gen uint64) {
	if gen != 0 {
		x.forget(key, gen)
	}
}

// forget drops key's memberships; gen 0 matches any generation.
func (x *Index) forget(key string, gen uint64) {
	v, ok := x.keys.Load(key)
	if !ok {
		return
	}
	rec := v.(*keyRecord)
	rec.mu.Lock()
	if gen != 0 && rec.gen != gen {
		rec.mu.Unlock()
		return
	}
	if !rec.dead {
		rec.dead = true
		if rec.route != "" {
			removeFromSet(&x.routes, rec.route, key)
		}
		for _, t := range rec.tags {
			removeFromSet(&x.tags, t, key)
		}
		rec.route, rec.tags = "", nil
	}
	rec.mu.Unlock()
	x.keys.CompareAndDelete(key, rec)
}

// InvalidateRoute removes every entry stored under route and its subpaths.
// It reports whether anything was registered or removed.
func (x *Index) InvalidateRoute(ctx context.Context, route string) (bool, error) {
	route = x.config.Normalize(route)
	removed, known, err := x.invalidateRoute(ctx, route)
	x.routeInvalidations.Add(1)
	x.finish(ctx, InvalidateKindRoute, route, len(removed), err)
	return known || len(removed) > 0, err
}

// InvalidatePattern invalidates every registered route matching glob and
// returns how many entries were removed. '*' matches any run of characters;
// a glob without '*' must match a route exactly. Literal text is normalized
// the way routes are, so "/café*" matches the route of "/café/menu".
func (x *Index) InvalidatePattern(ctx context.Context, glob string) (int, error) {
	glob = x.config.NormalizePattern(glob)
	var (
		total int
		errs  []error
	)
	for _, route := range x.ListRoutes() {
		if !MatchGlob(glob, route) {
			continue
		}
		removed, _, err := x.invalidateRoute(ctx, route)
		total += len(removed)
		if err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	x.patternInvalidations.Add(1)
	x.finish(ctx, InvalidateKindPattern, glob, total, err)
	return total, err
}

// InvalidateByTag removes every entry labelled tag and returns how many
// entries storage removed. The tag set is cleared before any key is
// touched, so registrations racing with the call land in a fresh set.
func (x *Index) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	var keys map[string]uint64
	if v, ok := x.tags.LoadAndDelete(tag); ok {
		keys = v.(*keySet).retire()
	}

	var (
		n    int
		errs []error
	)
	for key, gen := range keys {
		x.ForgetGeneration(key, gen)
		ok, err := x.config.Storage.Remove(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	err := errors.Join(errs...)
	x.tagInvalidations.Add(1)
	x.finish(ctx, InvalidateKindTag, tag, n, err)
	return n, err
}

// ClearAll empties storage and the index, returning the number of entries
// storage removed.
func (x *Index) ClearAll(ctx context.Context) (int, error) {
	before := x.generations()
	n, err := x.config.Storage.Clear(ctx)
	for key, gen := range before {
		x.ForgetGeneration(key, gen)
	}
	x.finish(ctx, InvalidateKindAll, "*", n, err)
	return n, err
}

// ListRoutes returns the registered routes in sorted order.
func (x *Index) ListRoutes() []string { return sortedNames(&x.routes) }

// TagsFor returns the tags key is registered under.
func (x *Index) TagsFor(key string) []string {
	v, ok := x.keys.Load(key)
	if !ok {
		return nil
	}
	rec := v.(*keyRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.dead || len(rec.tags) == 0 {
		return nil
	}
	out := slices.Clone(rec.tags)
	slices.Sort(out)
	return out
}

// KeysForTag returns the keys registered under tag in sorted order.
func (x *Index) KeysForTag(tag string) []string { return members(&x.tags, tag) }

// KeysForRoute returns the keys registered under route in sorted order.
func (x *Index) KeysForRoute(route string) []string {
	return members(&x.routes, x.config.Normalize(route))
}

// Stats returns a snapshot of the index.
func (x *Index) Stats() IndexStats {
	s := IndexStats{
		Routes:               mapLen(&x.routes),
		Tags:                 mapLen(&x.tags),
		Keys:                 mapLen(&x.keys),
		RouteInvalidations:   x.routeInvalidations.Load(),
		PatternInvalidations: x.patternInvalidations.Load(),
		TagInvalidations:     x.tagInvalidations.Load(),
		EntriesInvalidated:   x.entriesInvalidated.Load(),
	}
	if ns := x.lastInvalidation.Load(); ns != 0 {
		s.LastInvalidation = time.Unix(0, ns)
	}
	return s
}

func (x *Index) invalidateRoute(ctx context.Context, route string) (removed []string, known bool, err error) {
	var snapshot map[string]uint64
	if v, ok := x.routes.LoadAndDelete(route); ok {
		snapshot = v.(*keySet).retire()
		known = true
	}

	base := x.config.Prefix + route
	matched := make(map[string]uint64)
	removed, err = x.config.Storage.RemoveWhere(ctx, func(key string) bool {
		if !routeOwns(base, key) {
			return false
		}
		matched[key] = x.Generation(key)
		return true
	})
	for key, gen := range snapshot {
		x.ForgetGeneration(key, gen)
	}
	for _, key := range removed {
		x.ForgetGeneration(key, matched[key])
	}
	return removed, known, err
}

// Generation returns the generation key is registered under, or 0 when the
// key is not indexed.
func (x *Index) Generation(key string) uint64 {
	v, ok := x.keys.Load(key)
	if !ok {
		return 0
	}
	rec := v.(*keyRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.dead {
		return 0
	}
	return rec.gen
}

func (x *Index) generations() map[string]uint64 {
	out := make(map[string]uint64)
	x.keys.Range(func(k, _ any) bool {
		if gen := x.Generation(k.(string)); gen != 0 {
			out[k.(string)] = gen
		}
		return true
	})
	return out
}

func (x *Index) finish(ctx context.Context, kind, target string, entries int, err error) {
	x.entriesInvalidated.Add(uint64(entries))
	x.lastInvalidation.Store(x.config.Now().UnixNano())
	x.config.Metrics.RecordInvalidation(ctx, kind, entries)

	fields := []observe.Field{
		{Key: "kind", Value: kind},
		{Key: "target", Value: target},
		{Key: "entries", Value: entries},
	}
	if err != nil {
		fields = append(fields, observe.Field{Key: "error", Value: err})
	}
	x.config.Audit.Emit(ctx, observe.AuditEvent{
		Kind:     observe.AuditInvalidation,
		Severity: "info",
		Fields:   fields,
	})
}

// routeOwns reports whether key belongs to the route whose key base is
// base: the key is the base itself, a variant of it (":"), or a subpath.
func routeOwns(base, key string) bool {
	rest, ok := strings.CutPrefix(key, base)
	if !ok {
		return false
	}
	if rest == "" || strings.HasSuffix(base, "/") {
		return true
	}
	return rest[0] == ':' || rest[0] == '/'
}

// retire marks the set dead and returns its members. The caller must have
// removed the set from its map already.
func (s *keySet) retire() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = true
	out := s.keys
	s.keys = nil
	return out
}

func addToSet(m *sync.Map, name, key string, gen uint64) {
	for {
		v, _ := m.LoadOrStore(name, &keySet{keys: make(map[string]uint64)})
		s := v.(*keySet)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			m.CompareAndDelete(name, s)
			continue
		}
		s.keys[key] = gen
		s.mu.Unlock()
		return
	}
}

func removeFromSet(m *sync.Map, name, key string) {
	v, ok := m.Load(name)
	if !ok {
		return
	}
	s := v.(*keySet)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return
	}
	delete(s.keys, key)
	if len(s.keys) == 0 {
		s.dead = true
		m.CompareAndDelete(name, s)
	}
}

func members(m *sync.Map, name string) []string {
	v, ok := m.Load(name)
	if !ok {
		return nil
	}
	s := v.(*keySet)
	s.mu.Lock()
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	s.mu.Unlock()
	slices.Sort(out)
	return out
}

func sortedNames(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	slices.Sort(out)
	return out
}

func mapLen(m *sync.Map) int {
	n := 0
	m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func uniqueTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// MatchGlob reports whether name matches glob, where '*' matches any run of
// characters. Matching stops after MaxGlobSteps and reports false.
func MatchGlob(glob, name string) bool {
	if !strings.Contains(glob, "*") {
		return glob == name
	}
	var (
		g, n         int
		starG, starN = -1, 0
		steps        int
	)
	for n < len(name) {
		steps++
		if steps > MaxGlobSteps {
			return false
		}
		switch {
		case g < len(glob) && glob[g] == '*':
			starG, starN = g, n
			g++
		case g < len(glob) && glob[g] == name[n]:
			g++
			n++
		case starG >= 0:
			starN++
			g, n = starG+1, starN
		default:
			return false
		}
	}
	for g < len(glob) && glob[g] == '*' {
		g++
	}
	return g == len(glob)
}
