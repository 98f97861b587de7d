package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cerberus-gate/cerberus/internal/domain/audit"
	"github.com/cerberus-gate/cerberus/internal/domain/governance"
)

// defaultQueryLimit caps operator queries that supply no limit.
const defaultQueryLimit = 100

// AuditStore persists and queries decision records.
type AuditStore struct {
	db *sql.DB
}

var (
	_ audit.Store      = (*AuditStore)(nil)
	_ audit.QueryStore = (*AuditStore)(nil)
)

// NewAuditStore wraps an open database.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// WriteBatch persists a batch of decisions in one transaction.
func (s *AuditStore) WriteBatch(ctx context.Context, decisions []audit.Decision) error {
	if len(decisions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_decisions (decision_id, request_id, tenant_id, workspace_id,
		                              agent_id, direction, mcp_method, tool_name,
		                              final_action, events, marker, upstream_attempts,
		                              processing_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range decisions {
		events := "[]"
		if len(d.Events) > 0 {
			raw, err := json.Marshal(d.Events)
			if err != nil {
				return fmt.Errorf("encode events for decision %s: %w", d.DecisionID, err)
			}
			events = string(raw)
		}
		if _, err := stmt.ExecContext(ctx,
			d.DecisionID, d.RequestID, d.TenantID, d.WorkspaceID,
			d.AgentID, string(d.Direction), d.Method, d.ToolName,
			string(d.FinalAction), events, d.Marker, d.UpstreamAttempts,
			d.ProcessingTimeMS, d.CreatedAt); err != nil {
			return fmt.Errorf("insert decision %s: %w", d.DecisionID, err)
		}
	}

	return tx.Commit()
}

// Query retrieves decisions matching the filter, newest first.
func (s *AuditStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Decision, error) {
	var conds []string
	var args []interface{}

	if !filter.StartTime.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, filter.EndTime)
	}
	if filter.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.FinalAction != "" {
		conds = append(conds, "final_action = ?")
		args = append(args, filter.FinalAction)
	}

	query := `SELECT decision_id, request_id, tenant_id, workspace_id, agent_id,
	                 direction, mcp_method, tool_name, final_action, events,
	                 marker, upstream_attempts, processing_time_ms, created_at
	          FROM audit_decisions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []audit.Decision
	for rows.Next() {
		var d audit.Decision
		var direction, finalAction, events string
		if err := rows.Scan(&d.DecisionID, &d.RequestID, &d.TenantID, &d.WorkspaceID,
			&d.AgentID, &direction, &d.Method, &d.ToolName, &finalAction, &events,
			&d.Marker, &d.UpstreamAttempts, &d.ProcessingTimeMS, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Direction = governance.Direction(direction)
		d.FinalAction = governance.Action(finalAction)
		if events != "" && events != "[]" {
			if err := json.Unmarshal([]byte(events), &d.Events); err != nil {
				return nil, fmt.Errorf("decode events for decision %s: %w", d.DecisionID, err)
			}
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
