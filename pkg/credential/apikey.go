// Package credential implements the API key to JWT exchange under
// rotating RS256 signing keys, and the JWKS lifecycle behind it.
package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/authcore-labs/authcore/pkg/platform"
)

// ErrInvalidAPIKey is returned for unknown, inactive or expired keys.
// Callers surface only this; which check failed stays in logs.
var ErrInvalidAPIKey = platform.E(platform.KindUnauthenticated, "invalid_api_key")

// APIKey is a long-lived opaque credential tied to a user. Only the
// SHA3-256 digest of the raw key is stored.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name,omitempty"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// APIKeyStore persists API keys, indexed by key hash.
type APIKeyStore interface {
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	Insert(ctx context.Context, k *APIKey) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// HashKey computes the stored digest of a raw API key.
func HashKey(raw string) string {
	sum := sha3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateRawKey produces a fresh opaque API key value.
func GenerateRawKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "ak_" + hex.EncodeToString(buf), nil
}

// Verifier checks raw API keys against the store.
type KeyVerifier struct {
	store APIKeyStore
	clock func() time.Time
}

func NewKeyVerifier(store APIKeyStore) *KeyVerifier {
	return &KeyVerifier{store: store, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (v *KeyVerifier) WithClock(clock func() time.Time) *KeyVerifier {
	v.clock = clock
	return v
}

// Verify resolves a raw key to its record, enforcing active and expiry.
func (v *KeyVerifier) Verify(ctx context.Context, raw string) (*APIKey, error) {
	if raw == "" {
		return nil, ErrInvalidAPIKey
	}

	key, err := v.store.GetByHash(ctx, HashKey(raw))
	if err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "api key lookup", err)
	}
	if key == nil || !key.Active {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && !v.clock().Before(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	_ = v.store.TouchLastUsed(ctx, key.ID, v.clock().UTC())
	return key, nil
}

// MemoryAPIKeyStore is an in-memory APIKeyStore.
type MemoryAPIKeyStore struct {
	mu     sync.RWMutex
	byHash map[string]*APIKey
}

func NewMemoryAPIKeyStore() *MemoryAPIKeyStore {
	return &MemoryAPIKeyStore{byHash: make(map[string]*APIKey)}
}

func (s *MemoryAPIKeyStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byHash[hash]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryAPIKeyStore) Insert(ctx context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *k
	s.byHash[k.KeyHash] = &cp
	return nil
}

func (s *MemoryAPIKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.byHash {
		if k.ID == id {
			t := at
			k.LastUsedAt = &t
		}
	}
	return nil
}
