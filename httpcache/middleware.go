package httpcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/language"

	"github.com/jonwraymond/pagecache/auth"
	"github.com/jonwraymond/pagecache/cache"
	"github.com/jonwraymond/pagecache/cachekey"
	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/resilience"
)

// Response headers.
const (
	// HeaderCache reports HIT, MISS or BYPASS.
	HeaderCache = "X-Cache"

	// HeaderRequestID carries the correlation id.
	HeaderRequestID = "X-Request-ID"
)

// PolicyLookup resolves the cache policy of a request from its route
// pattern and path.
type PolicyLookup interface {
	Lookup(pattern, path string) (cache.Policy, bool)
}

// PolicyFunc adapts a function to a PolicyLookup.
type PolicyFunc func(pattern, path string) (cache.Policy, bool)

// Lookup calls f.
func (f PolicyFunc) Lookup(pattern, path string) (cache.Policy, bool) { return f(pattern, path) }

// StaticPolicy applies p to every request.
func StaticPolicy(p cache.Policy) PolicyLookup {
	return PolicyFunc(func(string, string) (cache.Policy, bool) { return p, true })
}

// RateLimit is a sliding window allowance. A zero Max disables the limit.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// Options configures Middleware.
type Options struct {
	// Policies resolves each request's policy.
	// Default: StaticPolicy(cache.DefaultPolicy())
	Policies PolicyLookup

	// PopulateLimit caps the renders one client may trigger.
	// Default: disabled
	PopulateLimit RateLimit

	// ClientKey names the client for rate limiting.
	// Default: ClientKey
	ClientKey func(*http.Request) string

	// Logger receives serving failures.
	// Default: observe.NopLogger()
	Logger observe.Logger

	// Audit receives rate limit events.
	// Default: observe.NopAuditSink()
	Audit observe.AuditSink
}

func (o Options) withDefaults() Options {
	if o.Policies == nil {
		o.Policies = StaticPolicy(cache.DefaultPolicy())
	}
	if o.ClientKey == nil {
		o.ClientKey = ClientKey
	}
	if o.Logger == nil {
		o.Logger = observe.NopLogger()
	}
	if o.Audit == nil {
		o.Audit = observe.NopAuditSink()
	}
	return o
}

// Middleware returns chi middleware that serves GET requests from engine.
// Mount it inline (r.With) so the route pattern is known when it runs.
//
// Only 200 responses without cookies or a private/no-store Cache-Control
// are stored. Pages are kept in HTTP/1.1 wire format so status and headers
// are replayed on a hit.
func Middleware(engine *cache.Engine, opts Options) func(http.Handler) http.Handler {
	opts = opts.withDefaults()
	return func(next http.Handler) http.Handler {
		return &handler{engine: engine, limiter: engine.RateLimiter(), opts: opts, next: next}
	}
}

type handler struct {
	engine  *cache.Engine
	limiter *resilience.SlidingWindowLimiter
	opts    Options
	next    http.Handler
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	policy, _ := h.opts.Policies.Lookup(RoutePattern(r), r.URL.Path)
	if !policy.ShouldCache() || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		h.pass(w, r)
		return
	}

	ctx := r.Context()
	req := NewRequest(r)

	if r.Method == http.MethodHead {
		h.serveHead(w, r, req, policy)
		return
	}

	res, err := h.engine.GetOrPopulate(ctx, req, policy, func(ctx context.Context) ([]byte, error) {
		return h.render(ctx, r)
	})

	var limited *limitedError
	var kerr *cachekey.KeyError
	switch {
	case err == nil:
		h.write(w, r, res.Value, res.Source)
	case errors.As(err, &limited):
		writeLimited(w, limited.resetAt)
	case ctx.Err() != nil:
		// The client is gone.
	case errors.As(err, &kerr):
		h.opts.Logger.Debug(ctx, "cache key rejected, serving uncached",
			observe.Field{Key: "path", Value: r.URL.Path},
			observe.Field{Key: "error", Value: err})
		h.pass(w, r)
	default:
		h.opts.Logger.Error(ctx, "serving page failed",
			observe.Field{Key: "path", Value: r.URL.Path},
			observe.Field{Key: "error", Value: err})
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// serveHead answers HEAD from a stored page and otherwise passes through.
// HEAD never populates, since handlers may omit the body.
func (h *handler) serveHead(w http.ResponseWriter, r *http.Request, req cachekey.Request, policy cache.Policy) {
	d, err := h.engine.Resolve(r.Context(), req, policy.Vary)
	if err == nil && d.Cacheable {
		if value, ok, _ := h.engine.Get(r.Context(), d.Key); ok {
			h.write(w, r, value, cache.SourceHit)
			return
		}
	}
	h.pass(w, r)
}

func (h *handler) pass(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(HeaderCache, string(cache.SourceBypass))
	h.next.ServeHTTP(w, r)
}

// render runs the wrapped handler into a recorder.
func (h *handler) render(ctx context.Context, r *http.Request) ([]byte, error) {
	if h.opts.PopulateLimit.Max > 0 && h.limiter != nil {
		client := h.opts.ClientKey(r)
		d := h.limiter.Allow("populate:"+client, h.opts.PopulateLimit.Max, h.opts.PopulateLimit.Window)
		if !d.Allowed {
			h.opts.Audit.Emit(ctx, observe.AuditEvent{
				Kind:     observe.AuditRateLimited,
				Severity: "medium",
				Fields: []observe.Field{
					{Key: "scope", Value: "populate"},
					{Key: "client", Value: client},
					{Key: "path", Value: r.URL.Path},
				},
			})
			return nil, &limitedError{resetAt: d.ResetAt}
		}
	}

	rec := newRecorder()
	h.next.ServeHTTP(rec, r.WithContext(ctx))

	wire, err := rec.encode()
	if err != nil {
		return nil, fmt.Errorf("httpcache: encode response: %w", err)
	}
	if !rec.cacheable() {
		return wire, fmt.Errorf("status %d: %w", rec.statusCode(), cache.ErrNotCacheable)
	}
	return wire, nil
}

// write replays a page in wire format.
func (h *handler) write(w http.ResponseWriter, r *http.Request, wire []byte, source cache.Source) {
	resp, err := decode(wire)
	if err != nil {
		h.opts.Logger.Error(r.Context(), "stored page unreadable",
			observe.Field{Key: "path", Value: r.URL.Path},
			observe.Field{Key: "error", Value: err})
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	dst := w.Header()
	for k, v := range resp.Header {
		dst[k] = v
	}
	dst.Set(HeaderCache, string(source))
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, resp.Body)
	}
}

func writeLimited(w http.ResponseWriter, resetAt time.Time) {
	secs := int(math.Ceil(time.Until(resetAt).Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
}

// NewRequest extracts the key-relevant attributes of r: route values from
// the chi route context, the query, headers, the preferred Accept-Language
// tag and the identity stored by Authenticate.
func NewRequest(r *http.Request) cachekey.Request {
	req := cachekey.Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		Query:    r.URL.Query(),
		Headers:  r.Header,
		Locale:   requestLocale(r),
		Identity: auth.IdentityFromContext(r.Context()),
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil && len(rctx.URLParams.Keys) > 0 {
		req.RouteValues = make(map[string]string, len(rctx.URLParams.Keys))
		for i, k := range rctx.URLParams.Keys {
			// The catch-all remainder is already part of the path.
			if k == "*" || i >= len(rctx.URLParams.Values) {
				continue
			}
			req.RouteValues[k] = rctx.URLParams.Values[i]
		}
	}
	return req
}

// RoutePattern returns the chi route pattern matched by r, or "".
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

func requestLocale(r *http.Request) string {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 || tags[0] == language.Und {
		return ""
	}
	return tags[0].String()
}

// ClientKey identifies the caller for rate limiting: the principal of an
// authenticated identity, otherwise the remote IP.
func ClientKey(r *http.Request) string {
	if id := auth.IdentityFromContext(r.Context()); id.IsAuthenticated() {
		return "user:" + id.Principal
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
