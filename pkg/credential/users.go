package credential

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// PlatformRoleAdmin grants the authorization engine's admin bypass.
const PlatformRoleAdmin = "admin"

// User is the minimal platform user record the core needs.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

// MemoryUserStore is an in-memory user directory. Implements
// authz.UserDirectory.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*User)}
}

func (s *MemoryUserStore) Put(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

func (s *MemoryUserStore) IsPlatformAdmin(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	return ok && u.Role == PlatformRoleAdmin, nil
}

// PostgresUserStore reads platform roles from the users table.
type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (s *PostgresUserStore) IsPlatformAdmin(ctx context.Context, userID string) (bool, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM users WHERE id = $1`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return role == PlatformRoleAdmin, nil
}
