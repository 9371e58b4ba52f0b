package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"escalation/internal/config"
	"escalation/internal/domain"

	// postgres driver registration
	_ "github.com/lib/pq"
)

// PostgresStore keeps one JSONB policy document row per service.
// Params: database handle and validated table identifier.
// Returns: SQL-backed policy store.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore opens connection, pings it, and ensures table exists.
// Params: context for setup and Postgres settings from config.
// Returns: ready policy store or setup error.
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := NewPostgresStoreFromDB(db, cfg.Table)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
// Params: open database and table name (validated by config).
// Returns: policy store.
func NewPostgresStoreFromDB(db *sql.DB, table string) *PostgresStore {
	return &PostgresStore{db: db, table: table}
}

// EnsureSchema creates policy table when missing.
// Params: context.
// Returns: DDL error.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	// Table name is a validated identifier; placeholders cannot bind identifiers.
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	service_id TEXT PRIMARY KEY,
	version BIGINT NOT NULL DEFAULT 0,
	document JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure policy table: %w", err)
	}
	return nil
}

// Get loads policy document of one service.
// Params: service ID.
// Returns: policy or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, serviceID string) (domain.EscalationPolicy, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE service_id = $1`, s.table)
	var raw []byte
	if err := s.db.QueryRowContext(ctx, query, serviceID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.EscalationPolicy{}, ErrNotFound
		}
		return domain.EscalationPolicy{}, fmt.Errorf("select policy: %w", err)
	}
	var policy domain.EscalationPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return domain.EscalationPolicy{}, fmt.Errorf("decode policy: %w", err)
	}
	return policy, nil
}

// Save upserts policy document.
// Params: policy with service ID.
// Returns: encode/exec error.
func (s *PostgresStore) Save(ctx context.Context, policy domain.EscalationPolicy) error {
	body, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (service_id, version, document, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (service_id) DO UPDATE
SET version = EXCLUDED.version, document = EXCLUDED.document, updated_at = now()`, s.table)
	if _, err := s.db.ExecContext(ctx, query, policy.ServiceID, policy.Version, body); err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

// Delete removes policy row.
// Params: service ID.
// Returns: exec error.
func (s *PostgresStore) Delete(ctx context.Context, serviceID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE service_id = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, query, serviceID); err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	return nil
}

// List loads every policy ordered by service ID.
// Params: context.
// Returns: policies or query/decode error.
func (s *PostgresStore) List(ctx context.Context) ([]domain.EscalationPolicy, error) {
	query := fmt.Sprintf(`SELECT document FROM %s ORDER BY service_id`, s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	out := make([]domain.EscalationPolicy, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		var policy domain.EscalationPolicy
		if err := json.Unmarshal(raw, &policy); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		out = append(out, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return out, nil
}

// Close closes database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
