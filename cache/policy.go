package cache

import (
	"time"

	"github.com/jonwraymond/pagecache/cachekey"
	"github.com/jonwraymond/pagecache/security"
)

// Policy is the resolved cache policy of one route. The transport layer
// looks it up once per request and passes it in as a plain value.
type Policy struct {
	// Vary selects the request attributes that vary the key.
	cachekey.Vary

	// Duration is how long a page is kept. Zero disables caching.
	Duration time.Duration

	// Sliding renews Duration on every hit.
	Sliding bool

	// Tags label stored pages for bulk invalidation.
	Tags []string

	// RejectAt is the lowest content severity that prevents storing.
	// SeverityNone is treated as SeverityLow.
	RejectAt security.Severity
}

// DefaultPolicy returns the default caching policy.
// Duration: 5 minutes, RejectAt: low
func DefaultPolicy() Policy {
	return Policy{
		Duration: 5 * time.Minute,
		RejectAt: security.SeverityLow,
	}
}

// NoCachePolicy returns a policy that disables caching entirely.
func NoCachePolicy() Policy {
	return Policy{}
}

// ShouldCache returns true if caching is enabled by this policy.
func (p Policy) ShouldCache() bool {
	return p.Duration > 0
}

// EffectiveDuration returns Duration clamped to maxDuration. A non-positive
// maxDuration disables the clamp.
func (p Policy) EffectiveDuration(maxDuration time.Duration) time.Duration {
	d := p.Duration
	if maxDuration > 0 && d > maxDuration {
		d = maxDuration
	}
	return d
}

// Expiration converts the policy into a storage expiration.
func (p Policy) Expiration(maxDuration time.Duration) Expiration {
	return Expiration{TTL: p.EffectiveDuration(maxDuration), Sliding: p.Sliding}
}
