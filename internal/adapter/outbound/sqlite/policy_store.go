package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cerberus-gate/cerberus/internal/domain/policy"
)

// PolicyStore implements the policy resolution query over SQLite.
type PolicyStore struct {
	db *sql.DB
}

var _ policy.Store = (*PolicyStore)(nil)

// NewPolicyStore wraps an open database.
func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// ListForScope returns enabled live policies for the scope triple in one
// flat query; the resolver merges by specificity.
func (s *PolicyStore) ListForScope(ctx context.Context, tenantID, workspaceID, agentID string) ([]*policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, workspace_id, agent_id, guardrail_type, action,
		        config, priority, enabled, created_at, updated_at, deleted_at
		 FROM policies
		 WHERE tenant_id = ?
		   AND enabled = 1
		   AND deleted_at IS NULL
		   AND (workspace_id = '' OR workspace_id = ?)
		   AND (agent_id = '' OR agent_id = ?)`,
		tenantID, workspaceID, agentID)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var policies []*policy.Policy
	for rows.Next() {
		var p policy.Policy
		var config string
		var deletedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.TenantID, &p.WorkspaceID, &p.AgentID,
			&p.GuardrailType, &p.Action, &config, &p.Priority, &p.Enabled,
			&p.CreatedAt, &p.UpdatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		if deletedAt.Valid {
			p.DeletedAt = &deletedAt.Time
		}
		if config != "" {
			if err := json.Unmarshal([]byte(config), &p.Config); err != nil {
				return nil, fmt.Errorf("decode policy %s config: %w", p.ID, err)
			}
		}
		policies = append(policies, &p)
	}
	return policies, rows.Err()
}

// InsertPolicy persists a policy row, used by seeding.
func (s *PolicyStore) InsertPolicy(ctx context.Context, p *policy.Policy) error {
	config := "{}"
	if p.Config != nil {
		raw, err := json.Marshal(p.Config)
		if err != nil {
			return fmt.Errorf("encode policy config: %w", err)
		}
		config = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (id, tenant_id, workspace_id, agent_id, guardrail_type,
		                       action, config, priority, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.WorkspaceID, p.AgentID, string(p.GuardrailType),
		string(p.Action), config, p.Priority, p.Enabled, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}
