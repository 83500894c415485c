package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is wrapped by every credential failure. Errors
	// from an Authenticator that do not match it are faults of the
	// authenticator itself.
	ErrUnauthenticated = errors.New("auth: unauthenticated")

	ErrMissingCredentials = fmt.Errorf("%w: missing credentials", ErrUnauthenticated)
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	ErrTokenExpired       = fmt.Errorf("%w: credentials expired", ErrUnauthenticated)
	ErrTokenMalformed     = fmt.Errorf("%w: token malformed", ErrUnauthenticated)

	// ErrKeyNotFound means no signing key is configured.
	ErrKeyNotFound = errors.New("auth: signing key not found")

	// ErrForbidden means the caller lacks a required role.
	ErrForbidden = errors.New("auth: forbidden")
)
