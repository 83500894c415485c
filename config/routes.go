package config

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/jonwraymond/pagecache/cache"
	"github.com/jonwraymond/pagecache/cachekey"
	"github.com/jonwraymond/pagecache/security"
)

// RouteConfig is one entry of the route policy table. Exactly one of
// Pattern and Prefix is set. A zero Duration marks the route uncached.
type RouteConfig struct {
	// Pattern matches the router's route pattern exactly, e.g.
	// "/products/{id}".
	Pattern string `yaml:"pattern"`

	// Prefix matches the request path by prefix, e.g. "/wp-".
	Prefix string `yaml:"prefix"`

	Duration           time.Duration     `yaml:"duration"`
	Sliding            bool              `yaml:"sliding"`
	VaryByQuery        []string          `yaml:"vary_by_query"`
	VaryByHeader       string            `yaml:"vary_by_header"`
	Tags               []string          `yaml:"tags"`
	CacheAuthenticated bool              `yaml:"cache_authenticated"`
	RejectAt           security.Severity `yaml:"reject_at"`
}

func (r RouteConfig) validate() error {
	switch {
	case (r.Pattern == "") == (r.Prefix == ""):
		return errors.New("exactly one of pattern and prefix is required")
	case r.Pattern != "" && !strings.HasPrefix(r.Pattern, "/"):
		return errors.New("pattern must start with /")
	case r.Prefix != "" && !strings.HasPrefix(r.Prefix, "/"):
		return errors.New("prefix must start with /")
	case r.Duration < 0:
		return errors.New("duration must not be negative")
	case strings.ContainsAny(r.VaryByHeader, " :\t"):
		return errors.New("vary_by_header is not a header name")
	}
	if slices.ContainsFunc(r.Tags, func(t string) bool { return strings.TrimSpace(t) == "" }) {
		return errors.New("tags must not be blank")
	}
	return nil
}

func (r RouteConfig) policy(defaultRejectAt security.Severity) cache.Policy {
	rejectAt := r.RejectAt
	if rejectAt == security.SeverityNone {
		rejectAt = defaultRejectAt
	}
	return cache.Policy{
		Vary: cachekey.Vary{
			QueryKeys:          slices.Clone(r.VaryByQuery),
			Header:             r.VaryByHeader,
			CacheAuthenticated: r.CacheAuthenticated,
		},
		Duration: r.Duration,
		Sliding:  r.Sliding,
		Tags:     slices.Clone(r.Tags),
		RejectAt: rejectAt,
	}
}

// PolicyTable resolves the cache policy of a request. Rules are tried in
// order and the first match wins; unmatched requests are not cached.
// A PolicyTable is immutable and safe for concurrent use.
type PolicyTable struct {
	routes   []RouteConfig
	policies []cache.Policy
}

// NewPolicyTable builds a table from routes. defaultRejectAt applies to
// routes without their own threshold.
func NewPolicyTable(routes []RouteConfig, defaultRejectAt security.Severity) *PolicyTable {
	t := &PolicyTable{
		routes:   slices.Clone(routes),
		policies: make([]cache.Policy, len(routes)),
	}
	for i, r := range routes {
		t.policies[i] = r.policy(defaultRejectAt)
	}
	return t
}

// Lookup returns the policy for a request matched by its route pattern and
// path. The returned policy does not share memory with the table.
func (t *PolicyTable) Lookup(pattern, path string) (cache.Policy, bool) {
	for i, r := range t.routes {
		if (r.Pattern != "" && r.Pattern == pattern) || (r.Prefix != "" && strings.HasPrefix(path, r.Prefix)) {
			p := t.policies[i]
			p.QueryKeys = slices.Clone(p.QueryKeys)
			p.Tags = slices.Clone(p.Tags)
			return p, true
		}
	}
	return cache.NoCachePolicy(), false
}

// Len returns the number of rules.
func (t *PolicyTable) Len() int { return len(t.routes) }
