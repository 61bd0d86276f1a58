package credential

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// JWKSEntry is one signing key generation. The private half is stored
// encrypted under the platform secret; the newest entry by CreatedAt is
// the active signer.
type JWKSEntry struct {
	ID            string    `json:"id"`
	PublicKeyPEM  string    `json:"public_key"`
	PrivateKeyEnc string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// JWKSStore persists signing key entries ordered by CreatedAt.
type JWKSStore interface {
	Latest(ctx context.Context) (*JWKSEntry, error)
	All(ctx context.Context) ([]*JWKSEntry, error)
	Insert(ctx context.Context, e *JWKSEntry) error
	// DeleteOlderThan prunes entries created at or before cutoff,
	// excluding the given id. Returns the number pruned.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, excludeID string) (int, error)
}

// MemoryJWKSStore is an in-memory JWKSStore.
type MemoryJWKSStore struct {
	mu      sync.RWMutex
	entries []*JWKSEntry
}

func NewMemoryJWKSStore() *MemoryJWKSStore {
	return &MemoryJWKSStore{}
}

func (s *MemoryJWKSStore) Latest(ctx context.Context) (*JWKSEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *JWKSEntry
	for _, e := range s.entries {
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryJWKSStore) All(ctx context.Context) ([]*JWKSEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*JWKSEntry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryJWKSStore) Insert(ctx context.Context, e *JWKSEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryJWKSStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, excludeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	pruned := 0
	for _, e := range s.entries {
		if e.ID != excludeID && !e.CreatedAt.After(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return pruned, nil
}

// PostgresJWKSStore persists JWKS entries in PostgreSQL.
//
// Schema:
//
//	CREATE TABLE jwks_entries (
//	    id              TEXT PRIMARY KEY,
//	    public_key      TEXT NOT NULL,
//	    private_key_enc TEXT NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX jwks_entries_created_at ON jwks_entries (created_at DESC);
type PostgresJWKSStore struct {
	db *sql.DB
}

func NewPostgresJWKSStore(db *sql.DB) *PostgresJWKSStore {
	return &PostgresJWKSStore{db: db}
}

func (s *PostgresJWKSStore) Latest(ctx context.Context) (*JWKSEntry, error) {
	var e JWKSEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, public_key, private_key_enc, created_at
		FROM jwks_entries ORDER BY created_at DESC LIMIT 1
	`).Scan(&e.ID, &e.PublicKeyPEM, &e.PrivateKeyEnc, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest jwks entry: %w", err)
	}
	return &e, nil
}

func (s *PostgresJWKSStore) All(ctx context.Context) ([]*JWKSEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, public_key, private_key_enc, created_at
		FROM jwks_entries ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*JWKSEntry
	for rows.Next() {
		var e JWKSEntry
		if err := rows.Scan(&e.ID, &e.PublicKeyPEM, &e.PrivateKeyEnc, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresJWKSStore) Insert(ctx context.Context, e *JWKSEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jwks_entries (id, public_key, private_key_enc, created_at)
		VALUES ($1, $2, $3, $4)
	`, e.ID, e.PublicKeyPEM, e.PrivateKeyEnc, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert jwks entry: %w", err)
	}
	return nil
}

func (s *PostgresJWKSStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, excludeID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jwks_entries WHERE created_at <= $1 AND id <> $2
	`, cutoff, excludeID)
	if err != nil {
		return 0, fmt.Errorf("prune jwks entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- PEM helpers ---

func encodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func decodePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("invalid public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaPub, nil
}

func encodePrivateKeyPEM(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func decodePrivateKeyPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("invalid private key PEM")
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaPriv, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaPriv, nil
}
