package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = StaticKey("test-secret-key-at-least-32-bytes")

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func TestJWTAuthenticator_Applies(t *testing.T) {
	a := NewJWTAuthenticator(JWTConfig{}, testSecret)

	tests := []struct {
		name   string
		header http.Header
		want   bool
	}{
		{name: "no header", header: http.Header{}, want: false},
		{name: "bearer", header: bearer("abc"), want: true},
		{name: "basic", header: http.Header{"Authorization": {"Basic abc"}}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Applies(tt.header); got != tt.want {
				t.Errorf("Applies() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJWTAuthenticator_Authenticate(t *testing.T) {
	a := NewJWTAuthenticator(JWTConfig{Issuer: "shop", Audience: "pagecache"}, testSecret)

	now := time.Now()
	valid := jwt.MapClaims{
		"sub":   "user123",
		"name":  "Ada",
		"iss":   "shop",
		"aud":   "pagecache",
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"roles": []any{"cache-admin", "user"},
	}
	with := func(overrides jwt.MapClaims) jwt.MapClaims {
		c := jwt.MapClaims{}
		for k, v := range valid {
			c[k] = v
		}
		for k, v := range overrides {
			c[k] = v
		}
		return c
	}
	hs := func(c jwt.MapClaims) http.Header {
		return bearer(signToken(t, jwt.SigningMethodHS256, []byte(testSecret), c))
	}

	tests := []struct {
		name    string
		header  http.Header
		wantErr error
	}{
		{name: "valid", header: hs(valid)},
		{name: "expired", header: hs(with(jwt.MapClaims{"exp": now.Add(-time.Hour).Unix()})), wantErr: ErrTokenExpired},
		{name: "wrong issuer", header: hs(with(jwt.MapClaims{"iss": "other"})), wantErr: ErrInvalidCredentials},
		{name: "wrong audience", header: hs(with(jwt.MapClaims{"aud": "other"})), wantErr: ErrInvalidCredentials},
		{name: "wrong secret", header: bearer(signToken(t, jwt.SigningMethodHS256, []byte("another-secret-of-enough-length!!"), valid)), wantErr: ErrInvalidCredentials},
		{name: "disallowed algorithm", header: bearer(signToken(t, jwt.SigningMethodHS512, []byte(testSecret), valid)), wantErr: ErrInvalidCredentials},
		{name: "malformed", header: bearer("not.a.jwt"), wantErr: ErrTokenMalformed},
		{name: "empty token", header: bearer(""), wantErr: ErrMissingCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := a.Authenticate(context.Background(), tt.header)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, ErrUnauthenticated) {
					t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if id.Principal != "user123" || id.Method != MethodJWT {
				t.Errorf("identity = %+v", id)
			}
			if id.Claim("name") != "Ada" {
				t.Errorf("name claim = %q, want Ada", id.Claim("name"))
			}
			if !slices.Equal(id.Roles, []string{"cache-admin", "user"}) {
				t.Errorf("Roles = %v", id.Roles)
			}
			if id.ExpiresAt.IsZero() || id.IssuedAt.IsZero() {
				t.Error("expected exp and iat on identity")
			}
		})
	}
}

func TestJWTAuthenticator_SpaceSeparatedRoles(t *testing.T) {
	a := NewJWTAuthenticator(JWTConfig{RolesClaim: "scope"}, testSecret)
	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "svc", "scope": "read cache-admin"})

	id, err := a.Authenticate(context.Background(), bearer(token))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if !id.HasRole("cache-admin") {
		t.Errorf("Roles = %v, want cache-admin", id.Roles)
	}
}

func TestJWTAuthenticator_MissingKeyIsFault(t *testing.T) {
	a := NewJWTAuthenticator(JWTConfig{}, StaticKey(nil))
	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "x"})

	_, err := a.Authenticate(context.Background(), bearer(token))
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Authenticate() error = %v, want ErrKeyNotFound", err)
	}
	if errors.Is(err, ErrUnauthenticated) {
		t.Error("a missing key must not read as a credential failure")
	}
}
