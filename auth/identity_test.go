package auth

import (
	"testing"
	"time"
)

func TestIdentity_HasRole(t *testing.T) {
	tests := []struct {
		name     string
		identity *Identity
		role     string
		want     bool
	}{
		{name: "nil identity", identity: nil, role: "cache-admin", want: false},
		{name: "empty roles", identity: &Identity{Roles: []string{}}, role: "cache-admin", want: false},
		{name: "has role", identity: &Identity{Roles: []string{"user", "cache-admin"}}, role: "cache-admin", want: true},
		{name: "does not have role", identity: &Identity{Roles: []string{"user"}}, role: "cache-admin", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.identity.HasRole(tt.role); got != tt.want {
				t.Errorf("Identity.HasRole() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIdentity_IsAuthenticated(t *testing.T) {
	tests := []struct {
		name     string
		identity *Identity
		want     bool
	}{
		{name: "nil", identity: nil, want: false},
		{name: "empty", identity: &Identity{}, want: false},
		{name: "principal", identity: &Identity{Principal: "alice", Method: MethodJWT}, want: true},
		{name: "claims without principal", identity: &Identity{Method: MethodJWT, Claims: map[string]any{"scope": "read"}}, want: true},
		{name: "expired", identity: &Identity{Principal: "alice", ExpiresAt: time.Now().Add(-time.Minute)}, want: false},
		{name: "not yet expired", identity: &Identity{Principal: "alice", ExpiresAt: time.Now().Add(time.Hour)}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.identity.IsAuthenticated(); got != tt.want {
				t.Errorf("IsAuthenticated() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIdentity_Claim(t *testing.T) {
	id := &Identity{Claims: map[string]any{"sub": "u-1", "n": 3.0}}
	if got := id.Claim("sub"); got != "u-1" {
		t.Errorf("Claim(sub) = %q", got)
	}
	if got := id.Claim("n"); got != "" {
		t.Errorf("non-string claim should be empty, got %q", got)
	}
	if got := id.Claim("missing"); got != "" {
		t.Errorf("missing claim should be empty, got %q", got)
	}
	var nilID *Identity
	if got := nilID.Claim("sub"); got != "" {
		t.Errorf("nil identity claim = %q", got)
	}
}

func TestIdentity_ExpiredAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "never", want: false},
		{name: "past", expiresAt: now.Add(-time.Second), want: true},
		{name: "exactly now", expiresAt: now, want: false},
		{name: "future", expiresAt: now.Add(time.Hour), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := &Identity{ExpiresAt: tt.expiresAt}
			if got := id.ExpiredAt(now); got != tt.want {
				t.Errorf("ExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}
