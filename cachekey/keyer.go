package cachekey

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/jonwraymond/pagecache/auth"
)

// DefaultPrefix starts every key produced by a Keyer with default config.
const DefaultPrefix = "PageCache:"

// DefaultIgnoredQueryParams are tracking and cache-busting parameters that
// never vary a page. A trailing '*' matches by prefix.
var DefaultIgnoredQueryParams = []string{"utm_*", "fbclid", "gclid", "_"}

// KeyerConfig configures a Keyer.
type KeyerConfig struct {
	// Prefix starts every key.
	// Default: "PageCache:"
	Prefix string

	// IgnoredQueryParams are excluded from keys. Matched against the raw,
	// case-folded parameter name before sanitization.
	// Default: DefaultIgnoredQueryParams
	IgnoredQueryParams []string

	// VaryByLocale appends the request locale.
	VaryByLocale bool

	// Validator checks finished keys.
	// Default: NewValidator(ValidatorConfig{})
	Validator *Validator
}

// Request carries the request attributes a key is derived from. It is
// built by the transport layer.
type Request struct {
	Method      string
	Path        string
	RouteValues map[string]string
	Query       url.Values
	Headers     http.Header
	Locale      string
	Identity    *auth.Identity
}

// Vary is the key-relevant part of a route's cache policy.
type Vary struct {
	// QueryKeys selects query parameters that vary the page. "*" selects
	// every parameter present.
	QueryKeys []string

	// Header names one request header that varies the page.
	Header string

	// CacheAuthenticated opts authenticated requests into per-user caching.
	CacheAuthenticated bool
}

// Decision is the outcome of Resolve.
type Decision struct {
	Cacheable bool
	Key       string

	// Reason explains a non-cacheable decision.
	Reason string
}

// Non-cacheable reasons.
const (
	ReasonUnsafeMethod  = "unsafe_method"
	ReasonAuthenticated = "authenticated_not_opted_in"
)

// Keyer derives cache keys. It is immutable and safe for concurrent use.
type Keyer struct {
	prefix    string
	ignored   []string
	byLocale  bool
	validator *Validator
}

// NewKeyer creates a Keyer, applying defaults.
func NewKeyer(cfg KeyerConfig) *Keyer {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.IgnoredQueryParams == nil {
		cfg.IgnoredQueryParams = DefaultIgnoredQueryParams
	}
	if cfg.Validator == nil {
		cfg.Validator = NewValidator(ValidatorConfig{})
	}
	ignored := make([]string, len(cfg.IgnoredQueryParams))
	for i, p := range cfg.IgnoredQueryParams {
		ignored[i] = fold(p)
	}
	return &Keyer{
		prefix:    cfg.Prefix,
		ignored:   ignored,
		byLocale:  cfg.VaryByLocale,
		validator: cfg.Validator,
	}
}

// Prefix returns the configured key prefix.
func (k *Keyer) Prefix() string { return k.prefix }

// Validator returns the validator applied to derived keys.
func (k *Keyer) Validator() *Validator { return k.validator }

// Resolve decides cacheability and derives the key from the same Vary
// value, so the two can never disagree. A missing identifier for an opted-in
// authenticated request and an invalid key are returned as errors.
func (k *Keyer) Resolve(req Request, vary Vary) (Decision, error) {
	if !isSafeMethod(req.Method) {
		return Decision{Reason: ReasonUnsafeMethod}, nil
	}
	if req.Identity.IsAuthenticated() && !vary.CacheAuthenticated {
		return Decision{Reason: ReasonAuthenticated}, nil
	}
	key, err := k.DeriveKey(req, vary)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Cacheable: true, Key: key}, nil
}

// IsCacheable reports whether req may be served from or stored in the cache.
func (k *Keyer) IsCacheable(req Request, vary Vary) bool {
	d, err := k.Resolve(req, vary)
	return err == nil && d.Cacheable
}

// DeriveKey builds and validates the key for req.
func (k *Keyer) DeriveKey(req Request, vary Vary) (string, error) {
	var b strings.Builder
	b.WriteString(k.prefix)
	b.WriteString(NormalizePath(req.Path))

	if len(req.RouteValues) > 0 {
		values := make(map[string][]string, len(req.RouteValues))
		for name, v := range req.RouteValues {
			values[name] = []string{v}
		}
		if err := writePairs(&b, "rv", values); err != nil {
			return "", err
		}
	}

	if len(vary.QueryKeys) > 0 && len(req.Query) > 0 {
		if err := writePairs(&b, "qs", k.selectQuery(req.Query, vary.QueryKeys)); err != nil {
			return "", err
		}
	}

	if vary.Header != "" {
		name := fold(vary.Header)
		if err := writeSegment(&b, "h", name, req.Headers.Get(vary.Header)); err != nil {
			return "", err
		}
	}

	if k.byLocale && req.Locale != "" {
		if err := writeSegment(&b, "c", fold(req.Locale)); err != nil {
			return "", err
		}
	}

	if vary.CacheAuthenticated && req.Identity.IsAuthenticated() {
		id, err := Identifier(req.Identity)
		if err != nil {
			return "", err
		}
		if err := writeSegment(&b, "uid", id); err != nil {
			return "", err
		}
	}

	key := b.String()
	if err := k.validator.ValidateOrFail(key); err != nil {
		return "", err
	}
	return key, nil
}

// Identifier resolves the per-user key segment: the "sub" claim, then the
// "name" claim, then the principal. The first non-empty value wins.
func Identifier(id *auth.Identity) (string, error) {
	for _, v := range []string{id.Claim("sub"), id.Claim("name"), principal(id)} {
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	return "", &KeyError{Kind: KindNoIdentifier, Details: "identity has no sub, name or principal"}
}

func principal(id *auth.Identity) string {
	if id == nil {
		return ""
	}
	return id.Principal
}

func isSafeMethod(m string) bool {
	return m == "" || m == http.MethodGet || m == http.MethodHead
}

// selectQuery returns the folded parameter names and values that vary the
// key. Ignored names are dropped before any sanitization.
func (k *Keyer) selectQuery(q url.Values, keys []string) map[string][]string {
	all := slices.Contains(keys, "*")
	wanted := make(map[string]bool, len(keys))
	for _, name := range keys {
		wanted[fold(name)] = true
	}

	out := make(map[string][]string)
	for name, values := range q {
		folded := fold(name)
		if k.isIgnored(folded) || (!all && !wanted[folded]) {
			continue
		}
		out[folded] = append(out[folded], values...)
	}
	return out
}

func (k *Keyer) isIgnored(folded string) bool {
	for _, p := range k.ignored {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(folded, prefix) {
				return true
			}
		} else if folded == p {
			return true
		}
	}
	return false
}

// writePairs appends ":{tag}" followed by ":name:value" for every value,
// names sorted, values sorted within a name.
func writePairs(b *strings.Builder, tag string, values map[string][]string) error {
	if len(values) == 0 {
		return nil
	}
	type pair struct{ name, value string }
	pairs := make([]pair, 0, len(values))
	for name, vs := range values {
		n, err := component(fold(name))
		if err != nil {
			return err
		}
		for _, v := range vs {
			cv, err := component(v)
			if err != nil {
				return err
			}
			pairs = append(pairs, pair{n, cv})
		}
	}
	slices.SortFunc(pairs, func(a, c pair) int {
		if r := strings.Compare(a.name, c.name); r != 0 {
			return r
		}
		return strings.Compare(a.value, c.value)
	})

	b.WriteString(":" + tag)
	for _, p := range pairs {
		b.WriteString(":" + p.name + ":" + p.value)
	}
	return nil
}

// writeSegment appends ":{tag}" and each sanitized part.
func writeSegment(b *strings.Builder, tag string, parts ...string) error {
	b.WriteString(":" + tag)
	for _, part := range parts {
		c, err := component(part)
		if err != nil {
			return err
		}
		b.WriteString(":" + c)
	}
	return nil
}

// component sanitizes one key component and escapes separators.
func component(s string) (string, error) {
	out, err := Sanitize(s)
	if err != nil {
		return "", err
	}
	return escapeComponent(out), nil
}

// escapeComponent escapes ':' and any backslash that does not already start
// an escape pair, so every backslash in the result begins exactly one pair
// and no component can forge a separator.
func escapeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && isEscapable(s[i+1]):
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i++
		case c == '\\':
			b.WriteString(`\\`)
		case c == ':':
			b.WriteString(`\:`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Route returns the normalized path segment of a key produced by this Keyer:
// everything after the prefix up to the first unescaped ':'. It returns ""
// for keys that do not carry the prefix.
func (k *Keyer) Route(key string) string {
	rest, ok := strings.CutPrefix(key, k.prefix)
	if !ok {
		return ""
	}
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '\\':
			i++
		case ':':
			return rest[:i]
		}
	}
	return rest
}
