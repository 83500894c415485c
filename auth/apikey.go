package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// APIKey is a registered key. Only the hash of the secret is kept.
type APIKey struct {
	// ID names the key in logs and claims.
	ID        string
	Hash      string
	Principal string
	Roles     []string

	// ExpiresAt is zero for keys that never expire.
	ExpiresAt time.Time
}

// KeyStore finds API keys by the hash of their secret.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Errors: an unknown hash is (nil, nil).
type KeyStore interface {
	Lookup(ctx context.Context, hash string) (*APIKey, error)
}

// HashKey returns the hex SHA-256 of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// MemoryKeyStore is a KeyStore held in memory.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

var _ KeyStore = (*MemoryKeyStore)(nil)

// NewMemoryKeyStore creates a store holding keys.
func NewMemoryKeyStore(keys ...*APIKey) *MemoryKeyStore {
	s := &MemoryKeyStore{keys: make(map[string]*APIKey, len(keys))}
	for _, k := range keys {
		_ = s.Put(k)
	}
	return s
}

// Put registers k, replacing a key with the same ID. Two keys may not
// share a secret.
func (s *MemoryKeyStore) Put(k *APIKey) error {
	if k == nil || k.Hash == "" {
		return fmt.Errorf("auth: api key %q has no hash", keyID(k))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.keys[k.Hash]; ok && prev.ID != k.ID {
		return fmt.Errorf("auth: api key %q shares its secret with %q", k.ID, prev.ID)
	}
	s.removeLocked(k.ID)
	s.keys[k.Hash] = k
	return nil
}

// Remove drops the key with the given ID and reports whether it existed.
func (s *MemoryKeyStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *MemoryKeyStore) removeLocked(id string) bool {
	for hash, k := range s.keys {
		if k.ID == id {
			delete(s.keys, hash)
			return true
		}
	}
	return false
}

// Lookup implements KeyStore.
func (s *MemoryKeyStore) Lookup(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[hash], nil
}

// Len returns the number of registered keys.
func (s *MemoryKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func keyID(k *APIKey) string {
	if k == nil {
		return ""
	}
	return k.ID
}

// APIKeyConfig configures APIKeyAuthenticator.
type APIKeyConfig struct {
	// Header carries the raw key.
	// Default: "X-API-Key"
	Header string

	// Now returns the current time for expiry checks.
	// Default: time.Now
	Now func() time.Time
}

// APIKeyAuthenticator authenticates operators of the admin endpoints by
// API key.
type APIKeyAuthenticator struct {
	config APIKeyConfig
	store  KeyStore
}

var _ Authenticator = (*APIKeyAuthenticator)(nil)

// NewAPIKeyAuthenticator creates an APIKeyAuthenticator over store.
func NewAPIKeyAuthenticator(config APIKeyConfig, store KeyStore) *APIKeyAuthenticator {
	if config.Header == "" {
		config.Header = "X-API-Key"
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &APIKeyAuthenticator{config: config, store: store}
}

func (a *APIKeyAuthenticator) Name() string { return string(MethodAPIKey) }

// Applies reports whether the key header is present.
func (a *APIKeyAuthenticator) Applies(h http.Header) bool {
	return h.Get(a.config.Header) != ""
}

// Authenticate implements Authenticator.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, h http.Header) (*Identity, error) {
	raw := strings.TrimSpace(h.Get(a.config.Header))
	if raw == "" {
		return nil, ErrMissingCredentials
	}
	k, err := a.store.Lookup(ctx, HashKey(raw))
	if err != nil {
		return nil, fmt.Errorf("auth: api key lookup: %w", err)
	}
	if k == nil {
		return nil, ErrInvalidCredentials
	}
	id := &Identity{
		Principal: k.Principal,
		Roles:     k.Roles,
		Method:    MethodAPIKey,
		Claims:    map[string]any{"key_id": k.ID},
		ExpiresAt: k.ExpiresAt,
	}
	if id.ExpiredAt(a.config.Now()) {
		return nil, fmt.Errorf("%w: key %s", ErrTokenExpired, k.ID)
	}
	return id, nil
}
