package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Postgres schema:
//
//	CREATE TABLE webhook_endpoints (
//	    id              TEXT PRIMARY KEY,
//	    user_id         TEXT NOT NULL,
//	    name            TEXT NOT NULL,
//	    url             TEXT NOT NULL,
//	    method          TEXT NOT NULL,
//	    delivery_format TEXT NOT NULL,
//	    retry_policy    TEXT NOT NULL,
//	    secret_enc      TEXT NOT NULL,
//	    active          BOOLEAN NOT NULL DEFAULT TRUE,
//	    created_at      TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE webhook_subscriptions (
//	    endpoint_id TEXT NOT NULL REFERENCES webhook_endpoints (id) ON DELETE CASCADE,
//	    event_type  TEXT NOT NULL,
//	    PRIMARY KEY (endpoint_id, event_type)
//	);
//
//	CREATE TABLE webhook_events (
//	    id         TEXT PRIMARY KEY,
//	    user_id    TEXT NOT NULL,
//	    origin     TEXT NOT NULL,
//	    type       TEXT NOT NULL,
//	    ts         TIMESTAMPTZ NOT NULL,
//	    data       JSONB,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE webhook_deliveries (
//	    id              TEXT PRIMARY KEY,
//	    event_id        TEXT NOT NULL REFERENCES webhook_events (id),
//	    endpoint_id     TEXT NOT NULL REFERENCES webhook_endpoints (id),
//	    status          TEXT NOT NULL,
//	    attempt_count   INT NOT NULL DEFAULT 0,
//	    last_attempt_at TIMESTAMPTZ,
//	    next_attempt_at TIMESTAMPTZ,
//	    response_status INT,
//	    response_body   TEXT,
//	    duration_ms     BIGINT,
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL,
//	    UNIQUE (event_id, endpoint_id)
//	);

const endpointColumns = `id, user_id, name, url, method, delivery_format, retry_policy, secret_enc, active, created_at`

// PostgresEndpointStore is the Postgres EndpointStore.
type PostgresEndpointStore struct {
	db *sql.DB
}

func NewPostgresEndpointStore(db *sql.DB) *PostgresEndpointStore {
	return &PostgresEndpointStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (*Endpoint, error) {
	var e Endpoint
	if err := row.Scan(&e.ID, &e.UserID, &e.Name, &e.URL, &e.Method, &e.DeliveryFormat,
		&e.RetryPolicy, &e.SecretEnc, &e.Active, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresEndpointStore) Get(ctx context.Context, id string) (*Endpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id)
	e, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PostgresEndpointStore) Upsert(ctx context.Context, e *Endpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (`+endpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, url = EXCLUDED.url, method = EXCLUDED.method,
			delivery_format = EXCLUDED.delivery_format, retry_policy = EXCLUDED.retry_policy,
			secret_enc = EXCLUDED.secret_enc, active = EXCLUDED.active`,
		e.ID, e.UserID, e.Name, e.URL, e.Method, string(e.DeliveryFormat),
		string(e.RetryPolicy), e.SecretEnc, e.Active, e.CreatedAt)
	return err
}

func (s *PostgresEndpointStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE id = $1`, id)
	return err
}

func (s *PostgresEndpointStore) List(ctx context.Context) ([]*Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

func (s *PostgresEndpointStore) Subscribed(ctx context.Context, userID, eventType string) ([]*Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.user_id, e.name, e.url, e.method, e.delivery_format, e.retry_policy, e.secret_enc, e.active, e.created_at
		FROM webhook_endpoints e
		JOIN webhook_subscriptions s ON s.endpoint_id = e.id
		WHERE e.user_id = $1 AND s.event_type = $2 AND e.active
		ORDER BY e.id`, userID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

func collectEndpoints(rows *sql.Rows) ([]*Endpoint, error) {
	var out []*Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresEndpointStore) SetSubscriptions(ctx context.Context, endpointID string, eventTypes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM webhook_subscriptions WHERE endpoint_id = $1`, endpointID); err != nil {
		return err
	}
	for _, t := range eventTypes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO webhook_subscriptions (endpoint_id, event_type) VALUES ($1, $2)`,
			endpointID, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresEndpointStore) Subscriptions(ctx context.Context, endpointID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type FROM webhook_subscriptions WHERE endpoint_id = $1 ORDER BY event_type`,
		endpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PostgresEventStore is the Postgres EventStore.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) Insert(ctx context.Context, e *Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, user_id, origin, type, ts, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.UserID, e.Origin, e.Type, e.Timestamp, data, e.CreatedAt)
	return err
}

func (s *PostgresEventStore) Get(ctx context.Context, id string) (*Event, error) {
	var e Event
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, origin, type, ts, data, created_at FROM webhook_events WHERE id = $1`, id).
		Scan(&e.ID, &e.UserID, &e.Origin, &e.Type, &e.Timestamp, &data, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
	}
	return &e, nil
}

const deliveryColumns = `id, event_id, endpoint_id, status, attempt_count, last_attempt_at, next_attempt_at, response_status, response_body, duration_ms, created_at, updated_at`

// PostgresDeliveryStore is the Postgres DeliveryStore.
type PostgresDeliveryStore struct {
	db *sql.DB
}

func NewPostgresDeliveryStore(db *sql.DB) *PostgresDeliveryStore {
	return &PostgresDeliveryStore{db: db}
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var d Delivery
	var last, next sql.NullTime
	var respStatus, durationMs sql.NullInt64
	var respBody sql.NullString
	if err := row.Scan(&d.ID, &d.EventID, &d.EndpointID, &d.Status, &d.AttemptCount,
		&last, &next, &respStatus, &respBody, &durationMs, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.DurationMs = durationMs.Int64
	if last.Valid {
		t := last.Time
		d.LastAttemptAt = &t
	}
	if next.Valid {
		t := next.Time
		d.NextAttemptAt = &t
	}
	d.ResponseStatus = int(respStatus.Int64)
	d.ResponseBody = respBody.String
	return &d, nil
}

func (s *PostgresDeliveryStore) Insert(ctx context.Context, d *Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.EventID, d.EndpointID, string(d.Status), d.AttemptCount,
		d.LastAttemptAt, d.NextAttemptAt, nullInt(d.ResponseStatus),
		nullString(d.ResponseBody), nullInt64(d.DurationMs), d.CreatedAt, d.UpdatedAt)
	return err
}

func (s *PostgresDeliveryStore) Update(ctx context.Context, d *Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET
			status = $2, attempt_count = $3, last_attempt_at = $4, next_attempt_at = $5,
			response_status = $6, response_body = $7, duration_ms = $8, updated_at = $9
		WHERE id = $1`,
		d.ID, string(d.Status), d.AttemptCount, d.LastAttemptAt, d.NextAttemptAt,
		nullInt(d.ResponseStatus), nullString(d.ResponseBody), nullInt64(d.DurationMs), d.UpdatedAt)
	return err
}

func (s *PostgresDeliveryStore) Get(ctx context.Context, id string) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *PostgresDeliveryStore) Find(ctx context.Context, eventID, endpointID string) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE event_id = $1 AND endpoint_id = $2`,
		eventID, endpointID)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *PostgresDeliveryStore) ListByEvent(ctx context.Context, eventID string) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE event_id = $1 ORDER BY endpoint_id`,
		eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
