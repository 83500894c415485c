package httpcache

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jonwraymond/pagecache/auth"
	"github.com/jonwraymond/pagecache/cache"
	"github.com/jonwraymond/pagecache/observe"
)

// maxAdminBody bounds admin request bodies.
const maxAdminBody = 4 << 10

// AdminOptions configures AdminRoutes.
type AdminOptions struct {
	// Role is required of every caller.
	// Default: "cache-admin"
	Role string

	// Limit caps calls per principal.
	// Default: 10 per minute
	Limit RateLimit

	// Default: observe.NopLogger()
	Logger observe.Logger

	// Default: observe.NopAuditSink()
	Audit observe.AuditSink
}

// AdminRoutes returns a router exposing invalidation, statistics and route
// listing. Callers must carry an identity with opts.Role, so mount it
// behind Authenticate:
//
//	POST /invalidate/route    {"route": "/products"}
//	POST /invalidate/pattern  {"pattern": "/blog/*"}
//	POST /invalidate/tag      {"tag": "catalog"}
//	POST /clear
//	GET  /stats
//	POST /stats/reset
//	GET  /routes
func AdminRoutes(engine *cache.Engine, opts AdminOptions) chi.Router {
	if opts.Role == "" {
		opts.Role = "cache-admin"
	}
	if opts.Limit.Max <= 0 || opts.Limit.Window <= 0 {
		opts.Limit = RateLimit{Max: 10, Window: time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = observe.NopLogger()
	}
	if opts.Audit == nil {
		opts.Audit = observe.NopAuditSink()
	}
	a := &admin{engine: engine, opts: opts}

	r := chi.NewRouter()
	r.Use(a.authorize, a.rateLimit)
	r.Post("/invalidate/route", a.invalidateRoute)
	r.Post("/invalidate/pattern", a.invalidatePattern)
	r.Post("/invalidate/tag", a.invalidateTag)
	r.Post("/clear", a.clear)
	r.Get("/stats", a.stats)
	r.Post("/stats/reset", a.resetStats)
	r.Get("/routes", a.routes)
	return r
}

type admin struct {
	engine *cache.Engine
	opts   AdminOptions
}

func (a *admin) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := auth.RequireRole(r.Context(), a.opts.Role)
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, auth.ErrForbidden):
			a.opts.Logger.Warn(r.Context(), "admin access denied",
				observe.Field{Key: "principal", Value: auth.PrincipalFromContext(r.Context())},
				observe.Field{Key: "path", Value: r.URL.Path})
			writeError(w, http.StatusForbidden, auth.ErrForbidden)
		default:
			writeError(w, http.StatusUnauthorized, err)
		}
	})
}

func (a *admin) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := a.engine.RateLimiter()
		principal := auth.PrincipalFromContext(r.Context())
		d := limiter.Allow("admin:"+principal, a.opts.Limit.Max, a.opts.Limit.Window)
		if !d.Allowed {
			a.opts.Audit.Emit(r.Context(), observe.AuditEvent{
				Kind:     observe.AuditRateLimited,
				Severity: "medium",
				Fields: []observe.Field{
					{Key: "scope", Value: "admin"},
					{Key: "client", Value: principal},
					{Key: "path", Value: r.URL.Path},
				},
			})
			writeLimited(w, d.ResetAt)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type invalidateRequest struct {
	Route   string `json:"route,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

type invalidateResponse struct {
	Found   *bool `json:"found,omitempty"`
	Removed int   `json:"removed"`
}

func (a *admin) invalidateRoute(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeInvalidate(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Route) == "" {
		writeError(w, http.StatusBadRequest, errors.New("route is required"))
		return
	}
	found, err := a.engine.InvalidateRoute(r.Context(), req.Route)
	if a.failed(w, r, err) {
		return
	}
	a.log(r, "route", req.Route)
	writeJSON(w, http.StatusOK, invalidateResponse{Found: &found})
}

func (a *admin) invalidatePattern(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeInvalidate(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Pattern) == "" {
		writeError(w, http.StatusBadRequest, errors.New("pattern is required"))
		return
	}
	n, err := a.engine.InvalidatePattern(r.Context(), req.Pattern)
	if a.failed(w, r, err) {
		return
	}
	a.log(r, "pattern", req.Pattern)
	writeJSON(w, http.StatusOK, invalidateResponse{Removed: n})
}

func (a *admin) invalidateTag(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeInvalidate(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Tag) == "" {
		writeError(w, http.StatusBadRequest, errors.New("tag is required"))
		return
	}
	n, err := a.engine.InvalidateByTag(r.Context(), req.Tag)
	if a.failed(w, r, err) {
		return
	}
	a.log(r, "tag", req.Tag)
	writeJSON(w, http.StatusOK, invalidateResponse{Removed: n})
}

func (a *admin) clear(w http.ResponseWriter, r *http.Request) {
	n, err := a.engine.ClearAll(r.Context())
	if a.failed(w, r, err) {
		return
	}
	a.log(r, "all", "")
	writeJSON(w, http.StatusOK, invalidateResponse{Removed: n})
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Hits              uint64    `json:"hits"`
	Misses            uint64    `json:"misses"`
	HitRatio          float64   `json:"hit_ratio"`
	Sets              uint64    `json:"sets"`
	Evictions         uint64    `json:"evictions"`
	Rejections        uint64    `json:"rejections"`
	SizeBytes         int64     `json:"size_bytes"`
	ActivePopulations int64     `json:"active_populations"`
	Wraps             uint64    `json:"wraps"`
	LastReset         time.Time `json:"last_reset"`

	Routes             int    `json:"routes"`
	Tags               int    `json:"tags"`
	IndexedKeys        int    `json:"indexed_keys"`
	EntriesInvalidated uint64 `json:"entries_invalidated"`

	LockedKeys  int   `json:"locked_keys"`
	LockWaiters int64 `json:"lock_waiters"`
}

func (a *admin) stats(w http.ResponseWriter, _ *http.Request) {
	s := a.engine.GetStatistics()
	writeJSON(w, http.StatusOK, StatsResponse{
		Hits:               s.Hits,
		Misses:             s.Misses,
		HitRatio:           s.HitRatio(),
		Sets:               s.Sets,
		Evictions:          s.Evictions,
		Rejections:         s.Rejections,
		SizeBytes:          s.SizeBytes,
		ActivePopulations:  s.ActivePopulations,
		Wraps:              s.Wraps,
		LastReset:          s.LastReset,
		Routes:             s.Index.Routes,
		Tags:               s.Index.Tags,
		IndexedKeys:        s.Index.Keys,
		EntriesInvalidated: s.Index.EntriesInvalidated,
		LockedKeys:         s.Locks.Keys,
		LockWaiters:        s.Locks.Waiting,
	})
}

func (a *admin) resetStats(w http.ResponseWriter, r *http.Request) {
	a.engine.ResetStatistics()
	a.log(r, "stats", "")
	w.WriteHeader(http.StatusNoContent)
}

func (a *admin) routes(w http.ResponseWriter, _ *http.Request) {
	routes := a.engine.ListRoutes()
	if routes == nil {
		routes = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"routes": routes})
}

func (a *admin) failed(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return false
	}
	a.opts.Logger.Error(r.Context(), "admin operation failed",
		observe.Field{Key: "path", Value: r.URL.Path},
		observe.Field{Key: "error", Value: err})
	writeError(w, http.StatusInternalServerError, err)
	return true
}

func (a *admin) log(r *http.Request, kind, target string) {
	a.opts.Logger.Info(r.Context(), "admin cache operation",
		observe.Field{Key: "principal", Value: auth.PrincipalFromContext(r.Context())},
		observe.Field{Key: "kind", Value: kind},
		observe.Field{Key: "target", Value: target})
}

func decodeInvalidate(w http.ResponseWriter, r *http.Request) (invalidateRequest, bool) {
	var req invalidateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
