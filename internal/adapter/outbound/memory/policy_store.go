package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/governance"
	"github.com/cerberus-gate/cerberus/internal/domain/policy"
)

// PolicyStore implements the policy resolution query with an in-memory
// slice.
type PolicyStore struct {
	policies []*policy.Policy
	mu       sync.RWMutex
}

// Compile-time interface verification.
var _ policy.Store = (*PolicyStore)(nil)

// NewPolicyStore creates a new in-memory policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{}
}

// ListForScope returns enabled live policies matching the scope triple at
// any of the three levels.
func (s *PolicyStore) ListForScope(ctx context.Context, tenantID, workspaceID, agentID string) ([]*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*policy.Policy
	for _, p := range s.policies {
		if !p.Enabled || p.DeletedAt != nil {
			continue
		}
		if p.TenantID != tenantID {
			continue
		}
		if p.WorkspaceID != "" && p.WorkspaceID != workspaceID {
			continue
		}
		if p.AgentID != "" && p.AgentID != agentID {
			continue
		}
		pCopy := *p
		result = append(result, &pCopy)
	}
	return result, nil
}

// AddPolicy adds a policy (for testing/seeding).
func (s *PolicyStore) AddPolicy(p *policy.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pCopy := *p
	s.policies = append(s.policies, &pCopy)
}

// cacheEntry pairs a stored set with its expiry instant.
type cacheEntry struct {
	set       *governance.EffectivePolicySet
	expiresAt time.Time
}

// PolicyCache implements the policy cache port with an in-memory map,
// for single-instance deployments that run without Redis.
type PolicyCache struct {
	entries map[string]cacheEntry
	mu      sync.Mutex
	clock   func() time.Time
}

// Compile-time interface verification.
var _ policy.Cache = (*PolicyCache)(nil)

// NewPolicyCache creates a new in-memory policy cache.
func NewPolicyCache() *PolicyCache {
	return &PolicyCache{
		entries: make(map[string]cacheEntry),
		clock:   time.Now,
	}
}

func cacheKey(tenantID, workspaceID, agentID string) string {
	return tenantID + "\x00" + workspaceID + "\x00" + agentID
}

// Get returns the cached set for a scope triple, or (nil, nil) on miss.
// Expired entries are removed on access.
func (c *PolicyCache) Get(ctx context.Context, tenantID, workspaceID, agentID string) (*governance.EffectivePolicySet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(tenantID, workspaceID, agentID)
	entry, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if c.clock().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	return entry.set, nil
}

// Set stores a resolved set with the given TTL.
func (c *PolicyCache) Set(ctx context.Context, tenantID, workspaceID, agentID string, set *governance.EffectivePolicySet, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(tenantID, workspaceID, agentID)] = cacheEntry{
		set:       set,
		expiresAt: c.clock().Add(ttl),
	}
	return nil
}

// Invalidate drops the cached set for a scope triple.
func (c *PolicyCache) Invalidate(ctx context.Context, tenantID, workspaceID, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, cacheKey(tenantID, workspaceID, agentID))
	return nil
}
