package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const secretRefPrefix = "secretref:"

// SecretProvider resolves secret references of the form
// secretref:<provider>:<ref>.
//
// Implementations must be safe for concurrent use and must not log secret
// values.
type SecretProvider interface {
	Name() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvProvider resolves secretref:env:NAME from the process environment.
type EnvProvider struct {
	// Lookup reads a variable.
	// Default: os.LookupEnv
	Lookup func(string) (string, bool)
}

// Name returns "env".
func (EnvProvider) Name() string { return "env" }

// Resolve returns the value of the variable ref.
func (p EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	lookup := p.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(ref)
	if !ok {
		return "", fmt.Errorf("%w: env %q is not set", ErrSecretRef, ref)
	}
	return v, nil
}

// FileProvider resolves secretref:file:/path by reading the file, as
// mounted by container secret stores. Trailing newlines are trimmed.
type FileProvider struct{}

// Name returns "file".
func (FileProvider) Name() string { return "file" }

// Resolve reads the file at ref.
func (FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	b, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("%w: file: %w", ErrSecretRef, err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// SecretResolver resolves secretref values through registered providers.
// Values without the prefix are returned unchanged.
type SecretResolver struct {
	providers map[string]SecretProvider
}

// NewSecretResolver creates a resolver. With no providers it registers
// EnvProvider and FileProvider.
func NewSecretResolver(providers ...SecretProvider) *SecretResolver {
	if len(providers) == 0 {
		providers = []SecretProvider{EnvProvider{}, FileProvider{}}
	}
	r := &SecretResolver{providers: make(map[string]SecretProvider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

// Resolve resolves value when it is a secret reference.
func (r *SecretResolver) Resolve(ctx context.Context, value string) (string, error) {
	name, ref, ok := ParseSecretRef(value)
	if !ok {
		if strings.HasPrefix(value, secretRefPrefix) {
			return "", fmt.Errorf("%w: malformed reference", ErrSecretRef)
		}
		return value, nil
	}
	p, ok := r.providers[name]
	if !ok {
		return "", fmt.Errorf("%w: provider %q is not registered", ErrSecretRef, name)
	}
	v, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("%w: provider %q returned an empty value", ErrSecretRef, name)
	}
	return v, nil
}

// ParseSecretRef splits secretref:<provider>:<ref>.
func ParseSecretRef(value string) (provider, ref string, ok bool) {
	if !strings.HasPrefix(value, secretRefPrefix) {
		return "", "", false
	}
	provider, ref, found := strings.Cut(strings.TrimPrefix(value, secretRefPrefix), ":")
	if !found || provider == "" || ref == "" {
		return "", "", false
	}
	return provider, ref, true
}
