package credential

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Postgres schema:
//
//	CREATE TABLE api_keys (
//	    id           TEXT PRIMARY KEY,
//	    user_id      TEXT NOT NULL,
//	    key_hash     TEXT NOT NULL UNIQUE,
//	    name         TEXT,
//	    active       BOOLEAN NOT NULL DEFAULT TRUE,
//	    expires_at   TIMESTAMPTZ,
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    last_used_at TIMESTAMPTZ
//	);

// PostgresAPIKeyStore is the Postgres APIKeyStore.
type PostgresAPIKeyStore struct {
	db *sql.DB
}

func NewPostgresAPIKeyStore(db *sql.DB) *PostgresAPIKeyStore {
	return &PostgresAPIKeyStore{db: db}
}

func (s *PostgresAPIKeyStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	var k APIKey
	var name sql.NullString
	var expires, lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, key_hash, name, active, expires_at, created_at, last_used_at
		FROM api_keys WHERE key_hash = $1`, hash).
		Scan(&k.ID, &k.UserID, &k.KeyHash, &name, &k.Active, &expires, &k.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	k.Name = name.String
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	return &k, nil
}

func (s *PostgresAPIKeyStore) Insert(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, key_hash, name, active, expires_at, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		k.ID, k.UserID, k.KeyHash, sql.NullString{String: k.Name, Valid: k.Name != ""},
		k.Active, k.ExpiresAt, k.CreatedAt, k.LastUsedAt)
	return err
}

func (s *PostgresAPIKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}
