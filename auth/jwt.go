package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures JWTAuthenticator.
type JWTConfig struct {
	// Issuer is the required iss claim. Empty skips the check.
	Issuer string

	// Audience is a required aud entry. Empty skips the check.
	Audience string

	// Header carries the token.
	// Default: "Authorization"
	Header string

	// Scheme precedes the token in Header.
	// Default: "Bearer "
	Scheme string

	// RolesClaim holds the caller's roles, as a list or a space separated
	// string.
	// Default: "roles"
	RolesClaim string

	// Algorithms lists the accepted signing methods.
	// Default: HS256
	Algorithms []string

	// Leeway tolerates clock skew on exp, nbf and iat.
	Leeway time.Duration
}

// KeyProvider returns the verification key for a token's kid header.
type KeyProvider interface {
	Key(ctx context.Context, kid string) (any, error)
}

// StaticKey is a single HMAC secret used for every kid.
type StaticKey []byte

var _ KeyProvider = StaticKey(nil)

// Key implements KeyProvider.
func (k StaticKey) Key(context.Context, string) (any, error) {
	if len(k) == 0 {
		return nil, ErrKeyNotFound
	}
	return []byte(k), nil
}

// JWTAuthenticator authenticates bearer JWTs. The sub claim becomes the
// principal; sub and name also key per-user pages.
type JWTAuthenticator struct {
	config JWTConfig
	keys   KeyProvider
	parser *jwt.Parser
}

var _ Authenticator = (*JWTAuthenticator)(nil)

// NewJWTAuthenticator creates a JWTAuthenticator verifying with keys.
func NewJWTAuthenticator(config JWTConfig, keys KeyProvider) *JWTAuthenticator {
	if config.Header == "" {
		config.Header = "Authorization"
	}
	if config.Scheme == "" {
		config.Scheme = "Bearer "
	}
	if config.RolesClaim == "" {
		config.RolesClaim = "roles"
	}
	if len(config.Algorithms) == 0 {
		config.Algorithms = []string{jwt.SigningMethodHS256.Alg()}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(config.Algorithms),
		jwt.WithLeeway(config.Leeway),
		jwt.WithIssuedAt(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}
	return &JWTAuthenticator{config: config, keys: keys, parser: jwt.NewParser(opts...)}
}

func (a *JWTAuthenticator) Name() string { return string(MethodJWT) }

// Applies reports whether Header starts with Scheme.
func (a *JWTAuthenticator) Applies(h http.Header) bool {
	return strings.HasPrefix(h.Get(a.config.Header), a.config.Scheme)
}

// Authenticate implements Authenticator. A missing signing key is a fault,
// every other verification failure a rejection.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, h http.Header) (*Identity, error) {
	raw, ok := strings.CutPrefix(h.Get(a.config.Header), a.config.Scheme)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return nil, ErrMissingCredentials
	}

	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return a.keys.Key(ctx, kid)
	})
	switch {
	case err == nil:
		return a.identity(claims), nil
	case errors.Is(err, ErrKeyNotFound):
		return nil, err
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenMalformed
	default:
		return nil, ErrInvalidCredentials
	}
}

func (a *JWTAuthenticator) identity(claims jwt.MapClaims) *Identity {
	id := &Identity{Method: MethodJWT, Claims: make(map[string]any, len(claims))}
	for k, v := range claims {
		id.Claims[k] = v
	}
	id.Principal, _ = claims.GetSubject()

	switch roles := claims[a.config.RolesClaim].(type) {
	case []any:
		for _, r := range roles {
			if s, ok := r.(string); ok {
				id.Roles = append(id.Roles, s)
			}
		}
	case string:
		id.Roles = strings.Fields(roles)
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		id.IssuedAt = iat.Time
	}
	return id
}
