// Package analytics provides the sqlite-backed storage layer the gateway
// reads auth codes from and writes inference observability rows to. Schema
// migration beyond CREATE TABLE IF NOT EXISTS is out of scope; the schema
// migration runner is an external collaborator.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// AuthCodeRecord is a row of the auth_codes table.
type AuthCodeRecord struct {
	AuthCode   string
	TenantID   string
	Username   string
	IsActive   bool
	UsageCount int64
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// InferenceRecord is a row of the inferences table, written on completion
// of a C6 response assembly for observability purposes.
type InferenceRecord struct {
	InferenceID  string
	EpisodeID    string
	FunctionName string
	VariantName  string
	ModelName    string
	InputTokens  int
	OutputTokens int
	FinishReason string
	LatencyMs    int64
	CreatedAt    time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS auth_codes (
	auth_code   TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	username    TEXT NOT NULL,
	is_active   INTEGER NOT NULL DEFAULT 1,
	usage_count INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	expires_at  TEXT
);

CREATE TABLE IF NOT EXISTS inferences (
	inference_id  TEXT PRIMARY KEY,
	episode_id    TEXT NOT NULL,
	function_name TEXT NOT NULL,
	variant_name  TEXT NOT NULL,
	model_name    TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	finish_reason TEXT NOT NULL,
	latency_ms    INTEGER NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_inferences_episode ON inferences(episode_id);
`

// Store wraps a sqlite-backed connection implementing the auth-code read
// path (C7) and the inference-row write path (C6's observability sink).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database at path and applies
// the store's schema. Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("analytics: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("analytics: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ErrAuthCodeNotFound is returned by LookupAuthCode when no row matches.
var ErrAuthCodeNotFound = fmt.Errorf("analytics: auth code not found")

// LookupAuthCode reads the auth_codes row for code. It returns
// ErrAuthCodeNotFound when no active row matches, matching the gateway's
// "no row yields InvalidAuthToken" rule — the caller, not this layer,
// translates that into the typed auth error.
func (s *Store) LookupAuthCode(ctx context.Context, code string) (*AuthCodeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT auth_code, tenant_id, username, is_active, usage_count, created_at, expires_at
		FROM auth_codes WHERE auth_code = ? AND is_active = 1`, code)

	var (
		rec       AuthCodeRecord
		isActive  int
		createdAt string
		expiresAt sql.NullString
	)
	if err := row.Scan(&rec.AuthCode, &rec.TenantID, &rec.Username, &isActive, &rec.UsageCount, &createdAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAuthCodeNotFound
		}
		return nil, fmt.Errorf("analytics: lookup auth code: %w", err)
	}
	rec.IsActive = isActive != 0
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if expiresAt.Valid {
		if t, err := time.Parse(time.RFC3339, expiresAt.String); err == nil {
			rec.ExpiresAt = &t
		}
	}
	return &rec, nil
}

// IncrementUsage increments the usage counter for code by one. It is
// invoked synchronously on every auth-cache hit per spec.md §4.7; a
// failure here does not abort the caller's request since usage accounting
// is an eventually-consistent counter, not part of the validity decision.
func (s *Store) IncrementUsage(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE auth_codes SET usage_count = usage_count + 1 WHERE auth_code = ?`, code)
	if err != nil {
		return fmt.Errorf("analytics: increment usage: %w", err)
	}
	return nil
}

// UpsertAuthCode inserts or replaces an auth_codes row. It exists to seed
// test fixtures and for use by the out-of-scope admin minting surface;
// the gateway's own request path never writes this table.
func (s *Store) UpsertAuthCode(ctx context.Context, rec AuthCodeRecord) error {
	var expiresAt any
	if rec.ExpiresAt != nil {
		expiresAt = rec.ExpiresAt.UTC().Format(time.RFC3339)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Unix(0, 0).UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_codes (auth_code, tenant_id, username, is_active, usage_count, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(auth_code) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			username = excluded.username,
			is_active = excluded.is_active,
			usage_count = excluded.usage_count,
			expires_at = excluded.expires_at`,
		rec.AuthCode, rec.TenantID, rec.Username, boolToInt(rec.IsActive), rec.UsageCount, createdAt.UTC().Format(time.RFC3339), expiresAt)
	if err != nil {
		return fmt.Errorf("analytics: upsert auth code: %w", err)
	}
	return nil
}

// RecordInference writes a completed inference's observability row.
func (s *Store) RecordInference(ctx context.Context, rec InferenceRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Unix(0, 0).UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inferences (inference_id, episode_id, function_name, variant_name, model_name,
			input_tokens, output_tokens, finish_reason, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(inference_id) DO NOTHING`,
		rec.InferenceID, rec.EpisodeID, rec.FunctionName, rec.VariantName, rec.ModelName,
		rec.InputTokens, rec.OutputTokens, rec.FinishReason, rec.LatencyMs, createdAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("analytics: record inference: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
