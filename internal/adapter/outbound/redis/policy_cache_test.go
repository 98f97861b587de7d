package redis

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/governance"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleSet() *governance.EffectivePolicySet {
	return &governance.EffectivePolicySet{
		Policies: []governance.EffectivePolicy{
			{
				GuardrailType: governance.TypeRBAC,
				Action:        governance.ActionBlock,
				Config:        map[string]interface{}{"default_action": "deny"},
				Scope:         governance.ScopeAgent,
				Priority:      10,
			},
			{
				GuardrailType: governance.TypePIISSN,
				Action:        governance.ActionRedact,
				Scope:         governance.ScopeTenant,
			},
		},
		ResolvedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestPolicyCacheRoundTrip(t *testing.T) {
	_, client := testRedis(t)
	cache := NewPolicyCache(client, discardLogger())
	ctx := context.Background()

	got, err := cache.Get(ctx, "t-1", "ws-1", "ag-1")
	if err != nil || got != nil {
		t.Fatalf("Get() before Set = (%v, %v), want miss", got, err)
	}

	set := sampleSet()
	if err := cache.Set(ctx, "t-1", "ws-1", "ag-1", set, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err = cache.Get(ctx, "t-1", "ws-1", "ag-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || len(got.Policies) != 2 {
		t.Fatalf("Get() = %+v, want 2 policies", got)
	}
	if got.Policies[0].GuardrailType != governance.TypeRBAC || got.Policies[0].Scope != governance.ScopeAgent {
		t.Errorf("first policy = %+v", got.Policies[0])
	}

	// A different agent is a different entry.
	other, err := cache.Get(ctx, "t-1", "ws-1", "ag-2")
	if err != nil || other != nil {
		t.Errorf("Get() for other agent = (%v, %v), want miss", other, err)
	}
}

func TestPolicyCacheExpiry(t *testing.T) {
	mr, client := testRedis(t)
	cache := NewPolicyCache(client, discardLogger())
	ctx := context.Background()

	if err := cache.Set(ctx, "t-1", "ws-1", "ag-1", sampleSet(), 10*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	mr.FastForward(11 * time.Second)

	got, err := cache.Get(ctx, "t-1", "ws-1", "ag-1")
	if err != nil || got != nil {
		t.Errorf("Get() after TTL = (%v, %v), want miss", got, err)
	}
}

func TestPolicyCacheInvalidate(t *testing.T) {
	_, client := testRedis(t)
	cache := NewPolicyCache(client, discardLogger())
	ctx := context.Background()

	if err := cache.Set(ctx, "t-1", "ws-1", "ag-1", sampleSet(), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := cache.Invalidate(ctx, "t-1", "ws-1", "ag-1"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	got, err := cache.Get(ctx, "t-1", "ws-1", "ag-1")
	if err != nil || got != nil {
		t.Errorf("Get() after Invalidate = (%v, %v), want miss", got, err)
	}
}

func TestPolicyCacheCorruptEntryIsAMiss(t *testing.T) {
	_, client := testRedis(t)
	cache := NewPolicyCache(client, discardLogger())
	ctx := context.Background()

	if err := client.Set(ctx, cacheKey("t-1", "ws-1", "ag-1"), "{not json", time.Minute).Err(); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}

	got, err := cache.Get(ctx, "t-1", "ws-1", "ag-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want corrupt entry treated as miss", got)
	}
}

func TestPolicyCacheListenInvalidations(t *testing.T) {
	_, client := testRedis(t)
	cache := NewPolicyCache(client, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		cache.ListenInvalidations(ctx)
	}()
	// Give the subscriber a moment to attach.
	time.Sleep(50 * time.Millisecond)

	if err := cache.Set(ctx, "t-1", "ws-1", "ag-1", sampleSet(), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	msg, _ := json.Marshal(invalidation{TenantID: "t-1", WorkspaceID: "ws-1", AgentID: "ag-1"})
	if err := client.Publish(ctx, invalidateChannel, msg).Err(); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got, err := cache.Get(ctx, "t-1", "ws-1", "ag-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("entry not dropped after invalidation message")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on cancel")
	}
}
