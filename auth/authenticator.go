package auth

import (
	"context"
	"errors"
	"net/http"
)

// Authenticator turns request credentials into an Identity.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Errors: missing or rejected credentials wrap ErrUnauthenticated. Any
//     other error is a fault of the authenticator, such as an unreachable
//     key store.
type Authenticator interface {
	// Name identifies the authenticator in logs.
	Name() string

	// Applies reports whether h carries credentials of this kind.
	Applies(h http.Header) bool

	// Authenticate validates the credentials in h.
	Authenticate(ctx context.Context, h http.Header) (*Identity, error)
}

// Chain tries the authenticators that apply, in order, and returns the first
// identity. Faults stop the chain; when every authenticator rejects the
// request the last rejection is returned.
type Chain []Authenticator

var _ Authenticator = Chain(nil)

func (c Chain) Name() string { return "chain" }

// Applies reports whether any member applies.
func (c Chain) Applies(h http.Header) bool {
	for _, a := range c {
		if a.Applies(h) {
			return true
		}
	}
	return false
}

// Authenticate implements Authenticator.
func (c Chain) Authenticate(ctx context.Context, h http.Header) (*Identity, error) {
	rejected := ErrMissingCredentials
	for _, a := range c {
		if !a.Applies(h) {
			continue
		}
		id, err := a.Authenticate(ctx, h)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrUnauthenticated) {
			return nil, err
		}
		rejected = err
	}
	return nil, rejected
}
