package audit

import (
	"context"
	"time"
)

// Store persists decisions. The emitter batches writes; implementations
// only need WriteBatch to be reasonably fast, not lock-free.
type Store interface {
	// WriteBatch persists a batch of decisions.
	WriteBatch(ctx context.Context, decisions []Decision) error
}

// Filter selects decisions for operator queries.
type Filter struct {
	// StartTime is the beginning of the time range.
	StartTime time.Time
	// EndTime is the end of the time range.
	EndTime time.Time
	// TenantID filters by tenant (optional).
	TenantID string
	// AgentID filters by agent (optional).
	AgentID string
	// FinalAction filters by aggregate verdict (optional).
	FinalAction string
	// Limit caps the number of returned rows (default 100).
	Limit int
}

// QueryStore provides read access to persisted decisions.
type QueryStore interface {
	// Query retrieves decisions matching the filter, newest first.
	Query(ctx context.Context, filter Filter) ([]Decision, error)
}
