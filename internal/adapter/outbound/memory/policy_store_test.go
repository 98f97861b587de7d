package memory

import (
	"context"
	"testing"
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/governance"
	"github.com/cerberus-gate/cerberus/internal/domain/policy"
)

func TestPolicyStoreListForScope(t *testing.T) {
	store := NewPolicyStore()
	ctx := context.Background()

	add := func(id, tenantID, workspaceID, agentID string, enabled bool) {
		store.AddPolicy(&policy.Policy{
			ID: id, TenantID: tenantID, WorkspaceID: workspaceID, AgentID: agentID,
			GuardrailType: governance.TypeRBAC, Action: governance.ActionBlock,
			Enabled: enabled,
		})
	}

	add("p-tenant", "t-1", "", "", true)
	add("p-workspace", "t-1", "ws-1", "", true)
	add("p-agent", "t-1", "ws-1", "ag-1", true)
	add("p-disabled", "t-1", "", "", false)
	add("p-other-tenant", "t-2", "", "", true)
	add("p-other-ws", "t-1", "ws-2", "", true)
	add("p-other-agent", "t-1", "ws-1", "ag-2", true)

	got, err := store.ListForScope(ctx, "t-1", "ws-1", "ag-1")
	if err != nil {
		t.Fatalf("ListForScope() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListForScope() = %d policies, want 3", len(got))
	}
	seen := map[string]bool{}
	for _, p := range got {
		seen[p.ID] = true
	}
	for _, id := range []string{"p-tenant", "p-workspace", "p-agent"} {
		if !seen[id] {
			t.Errorf("policy %s missing", id)
		}
	}
}

func TestPolicyCacheTTL(t *testing.T) {
	cache := NewPolicyCache()
	now := time.Now()
	cache.clock = func() time.Time { return now }
	ctx := context.Background()

	set := &governance.EffectivePolicySet{
		Policies: []governance.EffectivePolicy{
			{GuardrailType: governance.TypeRBAC, Action: governance.ActionBlock},
		},
	}

	if got, err := cache.Get(ctx, "t-1", "ws-1", "ag-1"); err != nil || got != nil {
		t.Fatalf("Get() before Set = (%v, %v), want miss", got, err)
	}

	if err := cache.Set(ctx, "t-1", "ws-1", "ag-1", set, 10*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := cache.Get(ctx, "t-1", "ws-1", "ag-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || len(got.Policies) != 1 {
		t.Fatalf("Get() = %+v, want cached set", got)
	}

	now = now.Add(11 * time.Second)
	if got, _ := cache.Get(ctx, "t-1", "ws-1", "ag-1"); got != nil {
		t.Error("entry survived past its TTL")
	}
}

func TestPolicyCacheInvalidate(t *testing.T) {
	cache := NewPolicyCache()
	ctx := context.Background()

	set := &governance.EffectivePolicySet{}
	if err := cache.Set(ctx, "t-1", "ws-1", "ag-1", set, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := cache.Invalidate(ctx, "t-1", "ws-1", "ag-1"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if got, _ := cache.Get(ctx, "t-1", "ws-1", "ag-1"); got != nil {
		t.Error("entry survived invalidation")
	}
}
