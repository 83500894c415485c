package auth

import (
	"context"
	"errors"
	"testing"
)

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()

	if got := IdentityFromContext(ctx); got != nil {
		t.Errorf("IdentityFromContext() on empty context = %v, want nil", got)
	}
	if got := PrincipalFromContext(ctx); got != "" {
		t.Errorf("PrincipalFromContext() = %q, want empty", got)
	}

	identity := &Identity{Principal: "user123", Roles: []string{"cache-admin"}}
	ctx = WithIdentity(ctx, identity)

	if got := IdentityFromContext(ctx); got != identity {
		t.Fatalf("IdentityFromContext() = %v, want %v", got, identity)
	}
	if p := PrincipalFromContext(ctx); p != "user123" {
		t.Errorf("PrincipalFromContext() = %q, want user123", p)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		id      *Identity
		wantErr error
	}{
		{name: "anonymous", id: nil, wantErr: ErrMissingCredentials},
		{name: "missing role", id: &Identity{Principal: "bob", Roles: []string{"user"}}, wantErr: ErrForbidden},
		{name: "granted", id: &Identity{Principal: "ops", Roles: []string{"cache-admin"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.id != nil {
				ctx = WithIdentity(ctx, tt.id)
			}
			err := RequireRole(ctx, "cache-admin")
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("RequireRole() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("RequireRole() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
