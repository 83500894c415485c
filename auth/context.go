package auth

import (
	"context"
	"fmt"
)

type identityKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached to ctx, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// PrincipalFromContext returns the principal attached to ctx, or "".
func PrincipalFromContext(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.Principal
	}
	return ""
}

// RequireRole checks the caller in ctx. It returns ErrMissingCredentials
// for an anonymous caller and ErrForbidden when role is missing.
func RequireRole(ctx context.Context, role string) error {
	id := IdentityFromContext(ctx)
	switch {
	case !id.IsAuthenticated():
		return ErrMissingCredentials
	case !id.HasRole(role):
		return fmt.Errorf("%w: %s lacks role %q", ErrForbidden, id.Principal, role)
	}
	return nil
}
