package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists secrets in PostgreSQL.
//
// Schema:
//
//	CREATE TABLE secrets (
//	    id              TEXT PRIMARY KEY,
//	    name            TEXT NOT NULL UNIQUE,
//	    encrypted_value TEXT NOT NULL,
//	    description     TEXT,
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, sec *Secret) error {
	query := `
		INSERT INTO secrets (id, name, encrypted_value, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		sec.ID, sec.Name, sec.EncryptedValue, sec.Description, sec.CreatedAt, sec.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("insert secret: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByName(ctx context.Context, name string) (*Secret, error) {
	var sec Secret
	var description sql.NullString

	query := `
		SELECT id, name, encrypted_value, description, created_at, updated_at
		FROM secrets WHERE name = $1
	`
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&sec.ID, &sec.Name, &sec.EncryptedValue, &description, &sec.CreatedAt, &sec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}

	if description.Valid {
		sec.Description = description.String
	}
	return &sec, nil
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = $1`, name)
	return err
}

func (s *PostgresStore) List(ctx context.Context) ([]*Secret, error) {
	query := `
		SELECT id, name, description, created_at, updated_at
		FROM secrets ORDER BY name ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Secret
	for rows.Next() {
		var sec Secret
		var description sql.NullString
		if err := rows.Scan(&sec.ID, &sec.Name, &description, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, err
		}
		if description.Valid {
			sec.Description = description.String
		}
		out = append(out, &sec)
	}
	return out, rows.Err()
}
