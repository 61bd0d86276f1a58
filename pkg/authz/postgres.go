package authz

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresTupleStore persists tuples in PostgreSQL.
//
// Schema:
//
//	CREATE TABLE tuples (
//	    entity_type      TEXT NOT NULL,
//	    entity_id        TEXT NOT NULL,
//	    relation         TEXT NOT NULL,
//	    subject_type     TEXT NOT NULL,
//	    subject_id       TEXT NOT NULL,
//	    subject_relation TEXT NOT NULL DEFAULT '',
//	    condition        TEXT,
//	    created_at       TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (entity_type, entity_id, relation, subject_type, subject_id, subject_relation)
//	);
type PostgresTupleStore struct {
	db *sql.DB
}

func NewPostgresTupleStore(db *sql.DB) *PostgresTupleStore {
	return &PostgresTupleStore{db: db}
}

const tupleColumns = `entity_type, entity_id, relation, subject_type, subject_id, subject_relation, condition, created_at`

func scanTuple(scan func(dest ...any) error) (*Tuple, error) {
	var t Tuple
	var condition sql.NullString
	err := scan(&t.EntityType, &t.EntityID, &t.Relation,
		&t.SubjectType, &t.SubjectID, &t.SubjectRelation, &condition, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if condition.Valid {
		t.Condition = condition.String
	}
	return &t, nil
}

func (s *PostgresTupleStore) FindExact(ctx context.Context, entityType, entityID, relation, subjectType, subjectID string) (*Tuple, error) {
	query := `
		SELECT ` + tupleColumns + ` FROM tuples
		WHERE entity_type = $1 AND entity_id = $2 AND relation = $3
		  AND subject_type = $4 AND subject_id = $5
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, entityType, entityID, relation, subjectType, subjectID)
	t, err := scanTuple(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find tuple: %w", err)
	}
	return t, nil
}

func (s *PostgresTupleStore) FindBySubject(ctx context.Context, subjectType, subjectID string) ([]*Tuple, error) {
	query := `
		SELECT ` + tupleColumns + ` FROM tuples
		WHERE subject_type = $1 AND subject_id = $2
	`
	return s.queryTuples(ctx, query, subjectType, subjectID)
}

func (s *PostgresTupleStore) FindBySubjects(ctx context.Context, subjects []Subject) ([]*Tuple, error) {
	if len(subjects) == 0 {
		return nil, nil
	}

	placeholders := make([]string, 0, len(subjects))
	args := make([]any, 0, len(subjects)*2)
	for i, sub := range subjects {
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d)", i*2+1, i*2+2))
		args = append(args, sub.Type, sub.ID)
	}

	query := `
		SELECT ` + tupleColumns + ` FROM tuples
		WHERE (subject_type, subject_id) IN (` + strings.Join(placeholders, ", ") + `)
	`
	return s.queryTuples(ctx, query, args...)
}

func (s *PostgresTupleStore) FindByEntity(ctx context.Context, entityType, entityID string) ([]*Tuple, error) {
	query := `
		SELECT ` + tupleColumns + ` FROM tuples
		WHERE entity_type = $1 AND entity_id = $2
	`
	return s.queryTuples(ctx, query, entityType, entityID)
}

func (s *PostgresTupleStore) CountByRelation(ctx context.Context, entityType, relation string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tuples WHERE entity_type = $1 AND relation = $2`,
		entityType, relation,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tuples: %w", err)
	}
	return n, nil
}

func (s *PostgresTupleStore) Upsert(ctx context.Context, t *Tuple) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tuples (` + tupleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_type, entity_id, relation, subject_type, subject_id, subject_relation)
		DO UPDATE SET condition = EXCLUDED.condition
	`
	_, err := s.db.ExecContext(ctx, query,
		t.EntityType, t.EntityID, t.Relation,
		t.SubjectType, t.SubjectID, t.SubjectRelation,
		nullable(t.Condition), createdAt,
	)
	if err != nil {
		return fmt.Errorf("upsert tuple: %w", err)
	}
	return nil
}

func (s *PostgresTupleStore) Delete(ctx context.Context, t *Tuple) error {
	query := `
		DELETE FROM tuples
		WHERE entity_type = $1 AND entity_id = $2 AND relation = $3
		  AND subject_type = $4 AND subject_id = $5 AND subject_relation = $6
	`
	_, err := s.db.ExecContext(ctx, query,
		t.EntityType, t.EntityID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation)
	return err
}

func (s *PostgresTupleStore) DeleteByEntity(ctx context.Context, entityType, entityID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tuples WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID)
	return err
}

func (s *PostgresTupleStore) queryTuples(ctx context.Context, query string, args ...any) ([]*Tuple, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tuples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Tuple
	for rows.Next() {
		t, err := scanTuple(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// PostgresModelStore persists authorization models as JSON documents.
//
// Schema:
//
//	CREATE TABLE authorization_models (
//	    entity_type TEXT PRIMARY KEY,
//	    definition  JSONB NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL
//	);
type PostgresModelStore struct {
	db *sql.DB
}

func NewPostgresModelStore(db *sql.DB) *PostgresModelStore {
	return &PostgresModelStore{db: db}
}

type modelDoc struct {
	Relations   map[string]RelationDef   `json:"relations"`
	Permissions map[string]PermissionDef `json:"permissions"`
}

func (s *PostgresModelStore) Get(ctx context.Context, entityType string) (*Model, error) {
	var definition []byte
	var updatedAt time.Time

	err := s.db.QueryRowContext(ctx,
		`SELECT definition, updated_at FROM authorization_models WHERE entity_type = $1`,
		entityType,
	).Scan(&definition, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}

	var doc modelDoc
	if err := json.Unmarshal(definition, &doc); err != nil {
		return nil, fmt.Errorf("corrupt model definition for %s: %w", entityType, err)
	}

	return &Model{
		EntityType:  entityType,
		Relations:   doc.Relations,
		Permissions: doc.Permissions,
		UpdatedAt:   updatedAt,
	}, nil
}

func (s *PostgresModelStore) Upsert(ctx context.Context, m *Model) error {
	definition, err := json.Marshal(modelDoc{Relations: m.Relations, Permissions: m.Permissions})
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}

	query := `
		INSERT INTO authorization_models (entity_type, definition, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_type) DO UPDATE SET definition = $2, updated_at = $3
	`
	_, err = s.db.ExecContext(ctx, query, m.EntityType, definition, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert model: %w", err)
	}
	return nil
}

func (s *PostgresModelStore) List(ctx context.Context) ([]*Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, definition, updated_at FROM authorization_models`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Model
	for rows.Next() {
		var entityType string
		var definition []byte
		var updatedAt time.Time
		if err := rows.Scan(&entityType, &definition, &updatedAt); err != nil {
			return nil, err
		}
		var doc modelDoc
		if err := json.Unmarshal(definition, &doc); err != nil {
			return nil, fmt.Errorf("corrupt model definition for %s: %w", entityType, err)
		}
		out = append(out, &Model{
			EntityType:  entityType,
			Relations:   doc.Relations,
			Permissions: doc.Permissions,
			UpdatedAt:   updatedAt,
		})
	}
	return out, rows.Err()
}
