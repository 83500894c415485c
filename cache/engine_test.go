package cache

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/jonwraymond/pagecache/cachekey"
	"github.com/jonwraymond/pagecache/health"
	"github.com/jonwraymond/pagecache/keylock"
	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/resilience"
	"github.com/jonwraymond/pagecache/security"
)

const safePage = "<div><p>Hello</p></div>"

func newTestEngine(t *testing.T, storage Storage, mutate ...func(*Config)) (*Engine, *recordingSink) {
	t.Helper()
	audit := &recordingSink{}
	cfg := Config{
		Storage:     storage,
		Keyer:       cachekey.NewKeyer(cachekey.KeyerConfig{Prefix: "P:"}),
		Audit:       audit,
		LockTimeout: time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, audit
}

func TestNew_RequiresStorage(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without storage should fail")
	}
}

func TestEngine_SetGet(t *testing.T) {
	e, _ := newTestEngine(t, NewMemoryStore(MemoryConfig{JanitorInterval: -1}))
	ctx := context.Background()

	if _, ok, err := e.Get(ctx, "P:/home"); ok || err != nil {
		t.Fatalf("Get() on empty cache = %v, %v", ok, err)
	}
	res, err := e.Set(ctx, "P:/home", []byte(safePage), DefaultPolicy())
	if err != nil || !res.Stored || !res.Verdict.Accept {
		t.Fatalf("Set() = %+v, %v", res, err)
	}
	got, ok, err := e.Get(ctx, "P:/home")
	if err != nil || !ok || !bytes.Equal(got, []byte(safePage)) {
		t.Fatalf("Get() = %q, %v, %v", got, ok, err)
	}

	st := e.GetStatistics()
	if st.Hits != 1 || st.Misses != 1 || st.Sets != 1 || st.SizeBytes != int64(len(safePage)) {
		t.Errorf("GetStatistics() = %+v", st)
	}
	if st.Index.Keys != 1 || !slices.Equal(e.ListRoutes(), []string{"/home"}) {
		t.Errorf("index = %+v, routes %v", st.Index, e.ListRoutes())
	}

	e.ResetStatistics()
	if st := e.GetStatistics(); st.Hits != 0 || st.SizeBytes != int64(len(safePage)) {
		t.Errorf("after reset = %+v", st)
	}
}

func TestEngine_InvalidKeys(t *testing.T) {
	e, audit := newTestEngine(t, NewMemoryStore(MemoryConfig{JanitorInterval: -1}))
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
		want error
	}{
		{"empty", "", cachekey.ErrEmptyKey},
		{"traversal", "P:/a/../etc", cachekey.ErrSuspiciousPattern},
		{"control", "P:/a\x00", cachekey.ErrControlCharacters},
		{"too long", "P:/" + strings.Repeat("a", 3000), cachekey.ErrKeyTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := e.Get(ctx, tt.key); !errors.Is(err, tt.want) {
				t.Errorf("Get() error = %v, want %v", err, tt.want)
			}
			if _, err := e.Set(ctx, tt.key, []byte(safePage), DefaultPolicy()); !errors.Is(err, tt.want) {
				t.Errorf("Set() error = %v, want %v", err, tt.want)
			}
			if _, err := e.Remove(ctx, tt.key); !errors.Is(err, tt.want) {
				t.Errorf("Remove() error = %v, want %v", err, tt.want)
			}
			if _, err := e.AcquireLock(ctx, tt.key); !errors.Is(err, tt.want) {
				t.Errorf("AcquireLock() error = %v, want %v", err, tt.want)
			}
		})
	}
	if kinds := audit.kinds(); len(kinds) == 0 || kinds[0] != observe.AuditKeyRejected {
		t.Errorf("audit kinds = %v, want key_rejected", kinds)
	}
}

func TestEngine_ContentRejection(t *testing.T) {
	store := NewMemoryStore(MemoryConfig{JanitorInterval: -1})
	e, _ := newTestEngine(t, store)
	ctx := context.Background()

	for _, page := range []string{
		"<button onclick='alert(1)'>x</button>",
		"<a href='javascript:alert(1)'>x</a>",
	} {
		res, err := e.Set(ctx, "P:/evil", []byte(page), DefaultPolicy())
		if err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if res.Stored || res.Verdict.Accept || res.Verdict.Severity != security.SeverityCritical {
			t.Errorf("Set(%q) = %+v, want critical rejection", page, res)
		}
	}
	if store.Len() != 0 {
		t.Error("rejected content was stored")
	}
	if st := e.GetStatistics(); st.Rejections != 2 || st.SizeBytes != 0 {
		t.Errorf("GetStatistics() = %+v", st)
	}
}

func TestEngine_RejectThreshold(t *testing.T) {
	medium := security.ValidatorFunc(func(context.Context, []byte, string) security.Verdict {
		return security.Verdict{Severity: security.SeverityMedium, Pattern: "test"}
	})
	e, _ := newTestEngine(t, NewMemoryStore(MemoryConfig{JanitorInterval: -1}), func(c *Config) {
		c.Validator = medium
	})
	ctx := context.Background()

	tests := []struct {
		rejectAt   security.Severity
		wantStored bool
	}{
		{security.SeverityNone, false},
		{security.SeverityLow, false},
		{security.SeverityMedium, false},
		{security.SeverityHigh, true},
		{security.SeverityCritical, true},
	}
	for _, tt := range tests {
		p := DefaultPolicy()
		p.RejectAt = tt.rejectAt
		res, err := e.Set(ctx, "P:/t", []byte("x"), p)
		if err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if res.Stored != tt.wantStored {
			t.Errorf("RejectAt %v: Stored = %v, want %v", tt.rejectAt, res.Stored, tt.wantStored)
		}
	}
}

func TestEngine_NoCachePolicy(t *testing.T) {
	store := newCountingStorage()
	e, _ := newTestEngine(t, store)
	res, err := e.Set(context.Background(), "P:/x", []byte(safePage), NoCachePolicy())
	if err != nil || res.Stored {
		t.Errorf("Set() = %+v, %v", res, err)
	}
	if store.sets.Load() != 0 {
		t.Error("no-cache policy reached storage")
	}
}

func TestEngine_StorageFailureRollsBack(t *testing.T) {
	store := newCountingStorage()
	e, _ := newTestEngine(t, store)
	ctx := context.Background()

	store.failSet.Store(&errBackend)
	_, err := e.Set(ctx, "P:/x", []byte(safePage), DefaultPolicy())
	if !errors.Is(err, errBackend) {
		t.Fatalf("Set() error = %v, want backend error", err)
	}
	st := e.GetStatistics()
	if st.SizeBytes != 0 || st.Sets != 0 || st.Index.Keys != 0 {
		t.Errorf("GetStatistics() = %+v, want rolled back", st)
	}

	store.failGet.Store(&errBackend)
	if _, ok, err := e.Get(ctx, "P:/x"); ok || err != nil {
		t.Errorf("Get() with failing storage = %v, %v; want quiet miss", ok, err)
	}
}

// hookStorage runs hooks around the inner Set, standing in for evictions
// and invalidations that land while a write is in flight.
type hookStorage struct {
	Storage
	beforeSet func(ctx context.Context, key string)
	afterSet  func(ctx context.Context, key string)
}

func (s *hookStorage) Set(ctx context.Context, key string, value []byte, exp Expiration, onEvict EvictionFunc) error {
	if s.beforeSet != nil {
		s.beforeSet(ctx, key)
	}
	if err := s.Storage.Set(ctx, key, value, exp, onEvict); err != nil {
		return err
	}
	if s.afterSet != nil {
		s.afterSet(ctx, key)
	}
	return nil
}

func TestEngine_SetRacingRemovalLeavesNoIndex(t *testing.T) {
	tests := []struct {
		name     string
		afterSet bool
	}{
		{name: "evicted after write", afterSet: true},
		{name: "tag invalidated before write"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := NewMemoryStore(MemoryConfig{JanitorInterval: -1})
			store := &hookStorage{Storage: mem}
			e, _ := newTestEngine(t, store)
			if tt.afterSet {
				store.afterSet = func(ctx context.Context, key string) { _, _ = mem.Remove(ctx, key) }
			} else {
				store.beforeSet = func(ctx context.Context, _ string) { _, _ = e.InvalidateByTag(ctx, "t") }
			}
			ctx := context.Background()
			p := DefaultPolicy()
			p.Tags = []string{"t"}

			res, err := e.Set(ctx, "P:/x", []byte(safePage), p)
			if err != nil || res.Stored {
				t.Fatalf("Set() = %+v, %v; want unstored", res, err)
			}
			if got := e.Index().KeysForTag("t"); len(got) != 0 {
				t.Errorf("KeysForTag(t) = %v", got)
			}
			if got := e.Index().TagsFor("P:/x"); got != nil {
				t.Errorf("TagsFor(P:/x) = %v", got)
			}
			if got := e.ListRoutes(); len(got) != 0 {
				t.Errorf("ListRoutes() = %v", got)
			}
			if mem.Len() != 0 {
				t.Errorf("storage holds %d unindexed entries", mem.Len())
			}
			if st := e.GetStatistics(); st.SizeBytes != 0 || st.Sets != 0 || st.Index.Keys != 0 {
				t.Errorf("GetStatistics() = %+v", st)
			}
		})
	}
}

func TestEngine_MixedSeverityPageRejectedAtHigh(t *testing.T) {
	store := NewMemoryStore(MemoryConfig{JanitorInterval: -1})
	e, _ := newTestEngine(t, store)
	p := DefaultPolicy()
	p.RejectAt = security.SeverityHigh
	page := `<p id="location">x</p><a href="&#106;avascript:alert(1)">go</a>`

	res, err := e.Set(context.Background(), "P:/x", []byte(page), p)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if res.Stored || res.Verdict.Severity != security.SeverityHigh || res.Verdict.Pattern != security.DetectEncodedProtocol {
		t.Errorf("Set() = %+v, want high encoded protocol rejection", res)
	}
	if store.Len() != 0 {
		t.Error("page with a high severity vector was stored")
	}
}

func TestEngine_InvalidatePatternNaturalSpelling(t *testing.T) {
	tests := []struct {
		glob string
		want []string
	}{
		{"/café", []string{`/a\ b`, `/docs\:v1`}},
		{"/CAFÉ*", []string{`/a\ b`, `/docs\:v1`}},
		{"/caf%c3%a9", []string{`/a\ b`, `/docs\:v1`}},
		{"/a b", []string{"/caf%C3%A9", `/docs\:v1`}},
		{"/a *", []string{"/caf%C3%A9", `/docs\:v1`}},
		{"/docs:v1", []string{`/a\ b`, "/caf%C3%A9"}},
		{"/Docs:*", []string{`/a\ b`, "/caf%C3%A9"}},
		{"*", nil},
	}
	for _, tt := range tests {
		t.Run(tt.glob, func(t *testing.T) {
			e, _ := newTestEngine(t, NewMemoryStore(MemoryConfig{JanitorInterval: -1}))
			ctx := context.Background()
			for _, path := range []string{"/café", "/a b", "/Docs:v1"} {
				key, err := e.DeriveKey(ctx, cachekey.Request{Method: "GET", Path: path}, cachekey.Vary{})
				if err != nil {
					t.Fatalf("DeriveKey(%q) error = %v", path, err)
				}
				if _, err := e.Set(ctx, key, []byte(safePage), DefaultPolicy()); err != nil {
					t.Fatalf("Set(%q) error = %v", key, err)
				}
			}

			n, err := e.InvalidatePattern(ctx, tt.glob)
			if err != nil {
				t.Fatalf("InvalidatePattern() error = %v", err)
			}
			if n != 3-len(tt.want) {
				t.Errorf("InvalidatePattern(%q) = %d, want %d", tt.glob, n, 3-len(tt.want))
			}
			if got := e.ListRoutes(); !slices.Equal(got, tt.want) {
				t.Errorf("ListRoutes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngine_EvictionAccounting(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(MemoryConfig{MaxBytes: 64, JanitorInterval: -1, Now: clock.Now})
	e, _ := newTestEngine(t, store)
	ctx := context.Background()
	page := []byte(strings.Repeat("a", 30))

	for _, k := range []string{"P:/a", "P:/b", "P:/c"} {
		p := DefaultPolicy()
		p.Tags = []string{"letters"}
		if _, err := e.Set(ctx, k, page, p); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}
	st := e.GetStatistics()
	if st.Evictions != 1 || st.SizeBytes != 60 || st.SizeBytes != store.Bytes() {
		t.Errorf("after capacity eviction = %+v, store %d bytes", st, store.Bytes())
	}
	if got := e.Index().KeysForTag("letters"); !slices.Equal(got, []string{"P:/b", "P:/c"}) {
		t.Errorf("KeysForTag() = %v, evicted key must be unindexed", got)
	}

	_, _ = e.Set(ctx, "P:/b", page[:10], DefaultPolicy())
	if st := e.GetStatistics(); st.SizeBytes != 40 || st.SizeBytes != store.Bytes() {
		t.Errorf("after replace SizeBytes = %d, store %d", st.SizeBytes, store.Bytes())
	}
	if got := e.Index().TagsFor("P:/b"); got != nil {
		t.Errorf("TagsFor(P:/b) = %v, replacement policy has no tags", got)
	}

	if ok, err := e.Remove(ctx, "P:/b"); !ok || err != nil {
		t.Fatalf("Remove() = %v, %v", ok, err)
	}
	if n, err := e.RemoveByPattern(ctx, "P:/c*"); n != 1 || err != nil {
		t.Fatalf("RemoveByPattern() = %d, %v", n, err)
	}
	st = e.GetStatistics()
	if st.SizeBytes != 0 || st.Index.Keys != 0 {
		t.Errorf("after removals = %+v", st)
	}
}

func TestEngine_Invalidation(t *testing.T) {
	e, _ := newTestEngine(t, NewMemoryStore(MemoryConfig{JanitorInterval: -1}))
	ctx := context.Background()
	tagged := DefaultPolicy()
	tagged.Tags = []string{"catalog"}

	_, _ = e.Set(ctx, "P:/products:rv:id:1", []byte(safePage), tagged)
	_, _ = e.Set(ctx, "P:/products:rv:id:2", []byte(safePage), tagged)
	_, _ = e.Set(ctx, "P:/about", []byte(safePage), DefaultPolicy())
	_, _ = e.Set(ctx, "P:/blog/1", []byte(safePage), DefaultPolicy())

	if n, err := e.InvalidateByTag(ctx, "catalog"); n != 2 || err != nil {
		t.Errorf("InvalidateByTag() = %d, %v", n, err)
	}
	if n, err := e.InvalidatePattern(ctx, "/blog/*"); n != 1 || err != nil {
		t.Errorf("InvalidatePattern() = %d, %v", n, err)
	}
	if ok, err := e.InvalidateRoute(ctx, "/about"); !ok || err != nil {
		t.Errorf("InvalidateRoute() = %v, %v", ok, err)
	}
	st := e.GetStatistics()
	if st.SizeBytes != 0 || st.Index.EntriesInvalidated != 4 || len(e.ListRoutes()) != 0 {
		t.Errorf("GetStatistics() = %+v", st)
	}

	_, _ = e.Set(ctx, "P:/a", []byte(safePage), DefaultPolicy())
	if n, err := e.ClearAll(ctx); n != 1 || err != nil {
		t.Errorf("ClearAll() = %d, %v", n, err)
	}
	_, _ = e.Set(ctx, "P:/a", []byte(safePage), DefaultPolicy())
	if n, err := e.Clear(ctx); n != 1 || err != nil {
		t.Errorf("Clear() = %d, %v", n, err)
	}
	if st := e.GetStatistics(); st.Index.Keys != 0 || st.SizeBytes != 0 {
		t.Errorf("after Clear = %+v", st)
	}
}

func TestEngine_AcquireLockTimeout(t *testing.T) {
	e, audit := newTestEngine(t, NewMemoryStore(MemoryConfig{JanitorInterval: -1}), func(c *Config) {
		c.LockTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()

	h, err := e.AcquireLock(ctx, "P:/x")
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	defer h.Release()

	if _, err := e.AcquireLock(ctx, "P:/x"); !errors.Is(err, keylock.ErrLockTimeout) {
		t.Errorf("second AcquireLock() error = %v, want ErrLockTimeout", err)
	}
	if !slices.Contains(audit.kinds(), observe.AuditLockTimeout) {
		t.Errorf("audit kinds = %v, want lock_timeout", audit.kinds())
	}
}

func TestEngine_StatsWrapWarningAudited(t *testing.T) {
	e, audit := newTestEngine(t, NewMemoryStore(MemoryConfig{JanitorInterval: -1}), func(c *Config) {
		c.Stats.WrapLimit = 2
	})
	for i := 0; i < 2; i++ {
		_, _, _ = e.Get(context.Background(), "P:/x")
	}
	if !slices.Contains(audit.kinds(), observe.AuditStatsWrapWarning) {
		t.Errorf("audit kinds = %v, want stats_wrap_warning", audit.kinds())
	}
}

func TestEngine_HealthCheck(t *testing.T) {
	store := newCountingStorage()
	guarded := NewGuardedStore(store, resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	e, _ := newTestEngine(t, guarded)
	ctx := context.Background()

	if r := e.Checker().Check(ctx); r.Status != health.StatusHealthy {
		t.Fatalf("Check() = %+v, want healthy", r)
	}
	if got, _ := store.Storage.(*MemoryStore); got.Len() != 0 {
		t.Error("health check left an entry behind")
	}

	store.failSet.Store(&errBackend)
	if r := e.HealthCheck(ctx); r.Status != health.StatusUnhealthy {
		t.Errorf("HealthCheck() = %v, want unhealthy on failing storage", r.Status)
	}
	if r := e.HealthCheck(ctx); r.Status != health.StatusDegraded {
		t.Errorf("HealthCheck() = %v, want degraded with open circuit", r.Status)
	}

	_ = e.Close(ctx)
	if r := e.HealthCheck(ctx); r.Status != health.StatusUnhealthy {
		t.Errorf("HealthCheck() after Close = %v, want unhealthy", r.Status)
	}
}

func TestEngine_HealthCheckKeepsCachedPages(t *testing.T) {
	store := newCountingStorage()
	e, _ := newTestEngine(t, store)
	ctx := context.Background()

	var keys []string
	for _, route := range []string{"/_health", "/health"} {
		key, err := e.DeriveKey(ctx, cachekey.Request{Method: "GET", Path: route}, cachekey.Vary{})
		if err != nil {
			t.Fatalf("DeriveKey(%q) error = %v", route, err)
		}
		if _, err := e.Set(ctx, key, []byte(safePage), DefaultPolicy()); err != nil {
			t.Fatalf("Set(%q) error = %v", key, err)
		}
		keys = append(keys, key)
	}

	if r := e.HealthCheck(ctx); r.Status != health.StatusHealthy {
		t.Fatalf("HealthCheck() = %+v", r)
	}
	for _, key := range keys {
		if _, ok, _ := e.Get(ctx, key); !ok {
			t.Errorf("HealthCheck() removed cached page %s", key)
		}
	}
	if st := e.GetStatistics(); st.Evictions != 0 || st.Index.Keys != 2 {
		t.Errorf("GetStatistics() = %+v", st)
	}
}

func TestEngine_CloseIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, NewMemoryStore(MemoryConfig{}))
	ctx := context.Background()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := e.AcquireLock(ctx, "P:/x"); !errors.Is(err, keylock.ErrShutdown) {
		t.Errorf("AcquireLock() after Close error = %v, want ErrShutdown", err)
	}
}
