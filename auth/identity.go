package auth

import (
	"slices"
	"time"
)

// Method names the credential that produced an Identity.
type Method string

const (
	MethodJWT    Method = "jwt"
	MethodAPIKey Method = "api_key"
)

// Identity is an authenticated caller. Pages cached for authenticated
// callers are keyed by the sub or name claim, falling back to Principal.
type Identity struct {
	Principal string
	Roles     []string
	Method    Method

	// Claims holds the token claims, or key metadata for API keys.
	Claims map[string]any

	// ExpiresAt is zero for credentials that never expire.
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// HasRole reports whether id carries role. A nil identity has no roles.
func (id *Identity) HasRole(role string) bool {
	return id != nil && slices.Contains(id.Roles, role)
}

// ExpiredAt reports whether id has expired at now.
func (id *Identity) ExpiredAt(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

// IsAuthenticated reports whether id names a caller and has not expired.
// An identity with claims but no principal still counts. Nil is
// unauthenticated.
func (id *Identity) IsAuthenticated() bool {
	if id == nil || id.ExpiredAt(time.Now()) {
		return false
	}
	return id.Principal != "" || len(id.Claims) > 0
}

// Claim returns the string value of a claim, or "" when absent or not a
// string.
func (id *Identity) Claim(name string) string {
	if id == nil {
		return ""
	}
	s, _ := id.Claims[name].(string)
	return s
}
