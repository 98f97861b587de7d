package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/cerberus-gate/cerberus/internal/domain/audit"
)

// AuditStore collects decision records in memory.
type AuditStore struct {
	decisions []audit.Decision
	mu        sync.RWMutex
}

// Compile-time interface verification.
var (
	_ audit.Store      = (*AuditStore)(nil)
	_ audit.QueryStore = (*AuditStore)(nil)
)

// NewAuditStore creates a new in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// WriteBatch appends a batch of decisions.
func (s *AuditStore) WriteBatch(ctx context.Context, decisions []audit.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.decisions = append(s.decisions, decisions...)
	return nil
}

// Query retrieves decisions matching the filter, newest first.
func (s *AuditStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []audit.Decision
	for _, d := range s.decisions {
		if !filter.StartTime.IsZero() && d.CreatedAt.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && d.CreatedAt.After(filter.EndTime) {
			continue
		}
		if filter.TenantID != "" && d.TenantID != filter.TenantID {
			continue
		}
		if filter.AgentID != "" && d.AgentID != filter.AgentID {
			continue
		}
		if filter.FinalAction != "" && string(d.FinalAction) != filter.FinalAction {
			continue
		}
		result = append(result, d)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Count returns the number of stored decisions, for tests.
func (s *AuditStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.decisions)
}
