package policy

import (
	"context"
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/governance"
)

// Store queries policies for resolution.
// Implementations: sqlite (prod), in-memory (tests/dev).
type Store interface {
	// ListForScope returns enabled, live policies matching the scope
	// triple at any of the three levels: tenant-wide rows, rows for the
	// given workspace, and rows for the given agent.
	ListForScope(ctx context.Context, tenantID, workspaceID, agentID string) ([]*Policy, error)
}

// Cache memoises resolved effective policy sets in an external KV store.
// Cache failures are never fatal: callers fall through to the Store.
type Cache interface {
	// Get returns the cached set for a scope triple, or (nil, nil) on miss.
	Get(ctx context.Context, tenantID, workspaceID, agentID string) (*governance.EffectivePolicySet, error)
	// Set stores a resolved set with the given TTL.
	Set(ctx context.Context, tenantID, workspaceID, agentID string, set *governance.EffectivePolicySet, ttl time.Duration) error
	// Invalidate drops the cached set for a scope triple.
	Invalidate(ctx context.Context, tenantID, workspaceID, agentID string) error
}
