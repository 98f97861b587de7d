package memory

import (
	"context"
	"testing"
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/audit"
	"github.com/cerberus-gate/cerberus/internal/domain/governance"
)

func auditDecision(id, tenantID string, action governance.Action, createdAt time.Time) audit.Decision {
	return audit.Decision{
		DecisionID:  id,
		RequestID:   "req-" + id,
		TenantID:    tenantID,
		WorkspaceID: "ws-1",
		AgentID:     "ag-1",
		Direction:   governance.DirectionRequest,
		FinalAction: action,
		CreatedAt:   createdAt,
	}
}

func TestAuditStoreWriteAndCount(t *testing.T) {
	store := NewAuditStore()
	now := time.Now().UTC()

	err := store.WriteBatch(context.Background(), []audit.Decision{
		auditDecision("d-1", "t-1", governance.ActionAllow, now),
		auditDecision("d-2", "t-1", governance.ActionBlock, now),
	})
	if err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if store.Count() != 2 {
		t.Errorf("Count() = %d, want 2", store.Count())
	}
}

func TestAuditStoreQueryFilters(t *testing.T) {
	store := NewAuditStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_ = store.WriteBatch(context.Background(), []audit.Decision{
		auditDecision("d-1", "t-1", governance.ActionAllow, base),
		auditDecision("d-2", "t-1", governance.ActionBlock, base.Add(time.Minute)),
		auditDecision("d-3", "t-2", governance.ActionAllow, base.Add(2*time.Minute)),
	})

	tests := []struct {
		name    string
		filter  audit.Filter
		wantIDs []string
	}{
		{
			name:    "tenant filter newest first",
			filter:  audit.Filter{TenantID: "t-1"},
			wantIDs: []string{"d-2", "d-1"},
		},
		{
			name:    "action filter",
			filter:  audit.Filter{FinalAction: "block"},
			wantIDs: []string{"d-2"},
		},
		{
			name:    "limit",
			filter:  audit.Filter{Limit: 1},
			wantIDs: []string{"d-3"},
		},
		{
			name:    "end time excludes later rows",
			filter:  audit.Filter{EndTime: base.Add(30 * time.Second)},
			wantIDs: []string{"d-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Query(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("Query() returned %d decisions, want %d", len(got), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if got[i].DecisionID != want {
					t.Errorf("result[%d] = %s, want %s", i, got[i].DecisionID, want)
				}
			}
		})
	}
}
