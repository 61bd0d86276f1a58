package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Postgres schema:
//
//	CREATE TABLE pipeline_scripts (
//	    id         TEXT PRIMARY KEY,
//	    name       TEXT NOT NULL,
//	    code       TEXT NOT NULL,
//	    config     JSONB,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE pipeline_graph (
//	    id    INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
//	    graph JSONB NOT NULL
//	);
//
//	CREATE TABLE pipeline_plans (
//	    hook TEXT PRIMARY KEY,
//	    plan JSONB NOT NULL
//	);
//
//	CREATE TABLE pipeline_traces (
//	    id               TEXT PRIMARY KEY,
//	    trigger_event    TEXT NOT NULL,
//	    status           TEXT NOT NULL,
//	    started_at       TIMESTAMPTZ NOT NULL,
//	    ended_at         TIMESTAMPTZ,
//	    duration_ms      BIGINT NOT NULL DEFAULT 0,
//	    user_id          TEXT,
//	    context_snapshot JSONB,
//	    result_data      JSONB
//	);
//	CREATE INDEX pipeline_traces_started_idx ON pipeline_traces (started_at);
//
//	CREATE TABLE pipeline_spans (
//	    id             TEXT PRIMARY KEY,
//	    trace_id       TEXT NOT NULL REFERENCES pipeline_traces (id) ON DELETE CASCADE,
//	    parent_span_id TEXT,
//	    script_id      TEXT NOT NULL,
//	    layer_index    INT NOT NULL,
//	    parallel_index INT NOT NULL,
//	    status         TEXT NOT NULL,
//	    attributes     JSONB
//	);
//	CREATE INDEX pipeline_spans_trace_idx ON pipeline_spans (trace_id);

// PostgresScriptStore is the Postgres ScriptStore.
type PostgresScriptStore struct {
	db *sql.DB
}

func NewPostgresScriptStore(db *sql.DB) *PostgresScriptStore {
	return &PostgresScriptStore{db: db}
}

func (s *PostgresScriptStore) Get(ctx context.Context, id string) (*Script, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, code, config, updated_at FROM pipeline_scripts WHERE id = $1`, id)
	sc, err := scanScript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sc, err
}

func (s *PostgresScriptStore) Upsert(ctx context.Context, sc *Script) error {
	cfg, err := json.Marshal(sc.Config)
	if err != nil {
		return fmt.Errorf("marshal script config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_scripts (id, name, code, config, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, code = EXCLUDED.code,
			config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`,
		sc.ID, sc.Name, sc.Code, cfg, sc.UpdatedAt)
	return err
}

func (s *PostgresScriptStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_scripts WHERE id = $1`, id)
	return err
}

func (s *PostgresScriptStore) List(ctx context.Context) ([]*Script, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, code, config, updated_at FROM pipeline_scripts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Script
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScript(row rowScanner) (*Script, error) {
	var sc Script
	var cfg []byte
	if err := row.Scan(&sc.ID, &sc.Name, &sc.Code, &cfg, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &sc.Config); err != nil {
			return nil, fmt.Errorf("unmarshal script config: %w", err)
		}
	}
	return &sc, nil
}

// PostgresGraphStore stores the singleton graph as one JSONB row.
type PostgresGraphStore struct {
	db *sql.DB
}

func NewPostgresGraphStore(db *sql.DB) *PostgresGraphStore {
	return &PostgresGraphStore{db: db}
}

func (s *PostgresGraphStore) Get(ctx context.Context) (*Graph, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT graph FROM pipeline_graph WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return &Graph{}, nil
	}
	if err != nil {
		return nil, err
	}
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline graph: %w", err)
	}
	return &g, nil
}

func (s *PostgresGraphStore) Put(ctx context.Context, g *Graph) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal pipeline graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_graph (id, graph) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET graph = EXCLUDED.graph`, raw)
	return err
}

// PostgresPlanStore replaces the compiled plan set in one transaction.
type PostgresPlanStore struct {
	db *sql.DB
}

func NewPostgresPlanStore(db *sql.DB) *PostgresPlanStore {
	return &PostgresPlanStore{db: db}
}

func (s *PostgresPlanStore) GetPlan(ctx context.Context, hook Hook) (*Plan, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT plan FROM pipeline_plans WHERE hook = $1`, string(hook)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &p, nil
}

func (s *PostgresPlanStore) PutPlans(ctx context.Context, plans map[Hook]*Plan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_plans`); err != nil {
		return err
	}
	for hook, p := range plans {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal plan for %s: %w", hook, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_plans (hook, plan) VALUES ($1, $2)`,
			string(hook), raw); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PostgresTraceStore is the Postgres TraceStore.
type PostgresTraceStore struct {
	db *sql.DB
}

func NewPostgresTraceStore(db *sql.DB) *PostgresTraceStore {
	return &PostgresTraceStore{db: db}
}

func (s *PostgresTraceStore) InsertTrace(ctx context.Context, t *Trace) error {
	snapshot, result, err := marshalTraceJSON(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_traces
			(id, trigger_event, status, started_at, ended_at, duration_ms, user_id, context_snapshot, result_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, string(t.TriggerEvent), string(t.Status), t.StartedAt, t.EndedAt,
		t.DurationMs, nullable(t.UserID), snapshot, result)
	return err
}

func (s *PostgresTraceStore) UpdateTrace(ctx context.Context, t *Trace) error {
	snapshot, result, err := marshalTraceJSON(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE pipeline_traces SET
			status = $2, ended_at = $3, duration_ms = $4,
			context_snapshot = $5, result_data = $6
		WHERE id = $1`,
		t.ID, string(t.Status), t.EndedAt, t.DurationMs, snapshot, result)
	return err
}

func (s *PostgresTraceStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trigger_event, status, started_at, ended_at, duration_ms, user_id, context_snapshot, result_data
		FROM pipeline_traces WHERE id = $1`, id)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *PostgresTraceStore) ListTraces(ctx context.Context, trigger Hook, limit int) ([]*Trace, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, trigger_event, status, started_at, ended_at, duration_ms, user_id, context_snapshot, result_data
		FROM pipeline_traces`
	args := []any{}
	if trigger != "" {
		query += ` WHERE trigger_event = $1 ORDER BY started_at DESC LIMIT $2`
		args = append(args, string(trigger), limit)
	} else {
		query += ` ORDER BY started_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresTraceStore) InsertSpan(ctx context.Context, sp *Span) error {
	attrs, err := json.Marshal(sp.Attributes)
	if err != nil {
		return fmt.Errorf("marshal span attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_spans
			(id, trace_id, parent_span_id, script_id, layer_index, parallel_index, status, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sp.ID, sp.TraceID, nullable(sp.ParentSpanID), sp.ScriptID,
		sp.LayerIndex, sp.ParallelIndex, string(sp.Status), attrs)
	return err
}

func (s *PostgresTraceStore) UpdateSpan(ctx context.Context, sp *Span) error {
	attrs, err := json.Marshal(sp.Attributes)
	if err != nil {
		return fmt.Errorf("marshal span attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE pipeline_spans SET status = $2, attributes = $3 WHERE id = $1`,
		sp.ID, string(sp.Status), attrs)
	return err
}

func (s *PostgresTraceStore) ListSpans(ctx context.Context, traceID string) ([]*Span, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, parent_span_id, script_id, layer_index, parallel_index, status, attributes
		FROM pipeline_spans WHERE trace_id = $1
		ORDER BY layer_index, parallel_index`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Span
	for rows.Next() {
		var sp Span
		var parent sql.NullString
		var attrs []byte
		if err := rows.Scan(&sp.ID, &sp.TraceID, &parent, &sp.ScriptID,
			&sp.LayerIndex, &sp.ParallelIndex, &sp.Status, &attrs); err != nil {
			return nil, err
		}
		sp.ParentSpanID = parent.String
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &sp.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshal span attributes: %w", err)
			}
		}
		out = append(out, &sp)
	}
	return out, rows.Err()
}

func (s *PostgresTraceStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pipeline_traces WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func marshalTraceJSON(t *Trace) (snapshot, result []byte, err error) {
	snapshot, err = json.Marshal(t.ContextSnapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal context snapshot: %w", err)
	}
	result, err = json.Marshal(t.ResultData)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal result data: %w", err)
	}
	return snapshot, result, nil
}

func scanTrace(row rowScanner) (*Trace, error) {
	var t Trace
	var userID sql.NullString
	var ended sql.NullTime
	var snapshot, result []byte
	if err := row.Scan(&t.ID, &t.TriggerEvent, &t.Status, &t.StartedAt, &ended,
		&t.DurationMs, &userID, &snapshot, &result); err != nil {
		return nil, err
	}
	t.UserID = userID.String
	if ended.Valid {
		at := ended.Time
		t.EndedAt = &at
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &t.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal context snapshot: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.ResultData); err != nil {
			return nil, fmt.Errorf("unmarshal result data: %w", err)
		}
	}
	return &t, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
