// Package sqlite is the primary persistence adapter: access keys,
// workspaces, policies, and the audit trail live in one SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (and creates if absent) the database at path with the
// pragmas the data path needs: WAL for concurrent readers, a busy
// timeout so writers queue instead of erroring, foreign keys on.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	return db, nil
}

// Migrate creates the schema when missing. Idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS workspaces (
			id                  TEXT PRIMARY KEY,
			tenant_id           TEXT NOT NULL REFERENCES tenants(id),
			name                TEXT NOT NULL,
			upstream_url        TEXT NOT NULL,
			fail_mode           TEXT NOT NULL DEFAULT 'closed',
			decision_timeout_ms INTEGER NOT NULL DEFAULT 5000,
			created_at          TIMESTAMP NOT NULL,
			updated_at          TIMESTAMP NOT NULL,
			deleted_at          TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agent_access_keys (
			id           TEXT PRIMARY KEY,
			key_hash     TEXT NOT NULL,
			key_prefix   TEXT NOT NULL,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id),
			agent_id     TEXT NOT NULL,
			agent_name   TEXT NOT NULL DEFAULT '',
			is_active    INTEGER NOT NULL DEFAULT 1,
			is_revoked   INTEGER NOT NULL DEFAULT 0,
			expires_at   TIMESTAMP,
			last_used_at TIMESTAMP,
			usage_count  INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMP NOT NULL,
			updated_at   TIMESTAMP NOT NULL,
			deleted_at   TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_access_keys_key_hash
			ON agent_access_keys(key_hash)`,
		`CREATE TABLE IF NOT EXISTS policies (
			id             TEXT PRIMARY KEY,
			tenant_id      TEXT NOT NULL REFERENCES tenants(id),
			workspace_id   TEXT NOT NULL DEFAULT '',
			agent_id       TEXT NOT NULL DEFAULT '',
			guardrail_type TEXT NOT NULL,
			action         TEXT NOT NULL,
			config         TEXT NOT NULL DEFAULT '{}',
			priority       INTEGER NOT NULL DEFAULT 0,
			enabled        INTEGER NOT NULL DEFAULT 1,
			created_at     TIMESTAMP NOT NULL,
			updated_at     TIMESTAMP NOT NULL,
			deleted_at     TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_policies_tenant
			ON policies(tenant_id)`,
		`CREATE TABLE IF NOT EXISTS audit_decisions (
			decision_id        TEXT PRIMARY KEY,
			request_id         TEXT NOT NULL,
			tenant_id          TEXT NOT NULL,
			workspace_id       TEXT NOT NULL,
			agent_id           TEXT NOT NULL,
			direction          TEXT NOT NULL,
			mcp_method         TEXT NOT NULL DEFAULT '',
			tool_name          TEXT NOT NULL DEFAULT '',
			final_action       TEXT NOT NULL,
			events             TEXT NOT NULL DEFAULT '[]',
			marker             TEXT NOT NULL DEFAULT '',
			upstream_attempts  INTEGER NOT NULL DEFAULT 0,
			processing_time_ms INTEGER NOT NULL DEFAULT 0,
			created_at         TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_decisions_created
			ON audit_decisions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_decisions_tenant
			ON audit_decisions(tenant_id, created_at)`,
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
