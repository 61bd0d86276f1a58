package vault

import (
	"context"
	"sync"
	"time"
)

// Secret is a stored, encrypted secret. EncryptedValue holds the
// iv.ciphertext.authTag triplet, never plaintext.
type Secret struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	EncryptedValue string    `json:"-"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store persists secrets. Names are unique.
type Store interface {
	Insert(ctx context.Context, s *Secret) error
	GetByName(ctx context.Context, name string) (*Secret, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]*Secret, error)
}

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	byName  map[string]*Secret
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byName: make(map[string]*Secret)}
}

func (m *MemoryStore) Insert(ctx context.Context, s *Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[s.Name]; exists {
		return ErrDuplicateName
	}
	cp := *s
	m.byName[s.Name] = &cp
	return nil
}

func (m *MemoryStore) GetByName(ctx context.Context, name string) (*Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.byName[name]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byName, name)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Secret, 0, len(m.byName))
	for _, s := range m.byName {
		cp := *s
		cp.EncryptedValue = ""
		out = append(out, &cp)
	}
	return out, nil
}
