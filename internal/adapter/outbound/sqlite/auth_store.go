package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/auth"
)

// AuthStore implements key and workspace lookup over SQLite.
type AuthStore struct {
	db *sql.DB
}

var (
	_ auth.KeyStore       = (*AuthStore)(nil)
	_ auth.WorkspaceStore = (*AuthStore)(nil)
)

// NewAuthStore wraps an open database.
func NewAuthStore(db *sql.DB) *AuthStore {
	return &AuthStore{db: db}
}

const keyColumns = `id, key_hash, key_prefix, workspace_id, agent_id, agent_name,
	is_active, is_revoked, expires_at, last_used_at, usage_count,
	created_at, updated_at, deleted_at`

// GetByHash retrieves a live key record by its hash.
func (s *AuthStore) GetByHash(ctx context.Context, keyHash string) (*auth.AgentAccessKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM agent_access_keys
		 WHERE key_hash = ? AND deleted_at IS NULL`, keyHash)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query key by hash: %w", err)
	}
	return key, nil
}

// ListKeys returns all live key records.
func (s *AuthStore) ListKeys(ctx context.Context) ([]*auth.AgentAccessKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM agent_access_keys WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []*auth.AgentAccessKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// TouchUsage records a successful authentication.
func (s *AuthStore) TouchUsage(ctx context.Context, keyID string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_access_keys
		 SET last_used_at = ?, usage_count = usage_count + 1, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		usedAt, usedAt, keyID)
	if err != nil {
		return fmt.Errorf("touch key usage: %w", err)
	}
	return nil
}

// GetWorkspace retrieves a live workspace by ID.
func (s *AuthStore) GetWorkspace(ctx context.Context, id string) (*auth.Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, upstream_url, fail_mode, decision_timeout_ms,
		        created_at, updated_at, deleted_at
		 FROM workspaces WHERE id = ? AND deleted_at IS NULL`, id)

	var ws auth.Workspace
	var deletedAt sql.NullTime
	err := row.Scan(&ws.ID, &ws.TenantID, &ws.Name, &ws.UpstreamURL, &ws.FailMode,
		&ws.DecisionTimeoutMS, &ws.CreatedAt, &ws.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query workspace: %w", err)
	}
	if deletedAt.Valid {
		ws.DeletedAt = &deletedAt.Time
	}
	return &ws, nil
}

// InsertTenant persists a tenant row, used by seeding.
func (s *AuthStore) InsertTenant(ctx context.Context, t *auth.Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

// InsertWorkspace persists a workspace row, used by seeding.
func (s *AuthStore) InsertWorkspace(ctx context.Context, ws *auth.Workspace) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, tenant_id, name, upstream_url, fail_mode,
		                         decision_timeout_ms, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.TenantID, ws.Name, ws.UpstreamURL, ws.FailMode,
		ws.DecisionTimeoutMS, ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// InsertKey persists an access key record, used by seeding.
func (s *AuthStore) InsertKey(ctx context.Context, key *auth.AgentAccessKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_access_keys (id, key_hash, key_prefix, workspace_id,
		                                agent_id, agent_name, is_active, is_revoked,
		                                expires_at, usage_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.WorkspaceID,
		key.AgentID, key.AgentName, key.IsActive, key.IsRevoked,
		nullableTime(key.ExpiresAt), key.UsageCount, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert access key: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// scanner abstracts sql.Row and sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row scanner) (*auth.AgentAccessKey, error) {
	var key auth.AgentAccessKey
	var expiresAt, lastUsedAt, deletedAt sql.NullTime
	err := row.Scan(&key.ID, &key.KeyHash, &key.KeyPrefix, &key.WorkspaceID,
		&key.AgentID, &key.AgentName, &key.IsActive, &key.IsRevoked,
		&expiresAt, &lastUsedAt, &key.UsageCount,
		&key.CreatedAt, &key.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		key.LastUsedAt = &lastUsedAt.Time
	}
	if deletedAt.Valid {
		key.DeletedAt = &deletedAt.Time
	}
	return &key, nil
}
