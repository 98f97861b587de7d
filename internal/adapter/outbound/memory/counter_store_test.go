package memory

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestCounterStoreIncrAndGet(t *testing.T) {
	store := NewCounterStore()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrWithTTL(ctx, "k", time.Minute)
		if err != nil {
			t.Fatalf("IncrWithTTL() error = %v", err)
		}
		if got != want {
			t.Errorf("count = %d, want %d", got, want)
		}
	}

	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != 3 {
		t.Errorf("Get() = %d, want 3", got)
	}

	if got, _ := store.Get(ctx, "absent"); got != 0 {
		t.Errorf("Get(absent) = %d, want 0", got)
	}
}

func TestCounterStoreExpiry(t *testing.T) {
	store := NewCounterStore()
	now := time.Now()
	store.clock = func() time.Time { return now }
	ctx := context.Background()

	if _, err := store.IncrWithTTL(ctx, "k", time.Minute); err != nil {
		t.Fatalf("IncrWithTTL() error = %v", err)
	}

	now = now.Add(2 * time.Minute)

	if got, _ := store.Get(ctx, "k"); got != 0 {
		t.Errorf("Get() after expiry = %d, want 0", got)
	}

	// An increment after expiry restarts the counter and rearms the TTL.
	got, err := store.IncrWithTTL(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("IncrWithTTL() error = %v", err)
	}
	if got != 1 {
		t.Errorf("count after expiry = %d, want 1", got)
	}
}

func TestCounterStoreCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewCounterStoreWithConfig(10 * time.Millisecond)
	now := time.Now()
	store.clock = func() time.Time { return now }
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.IncrWithTTL(ctx, key, time.Minute); err != nil {
			t.Fatalf("IncrWithTTL(%s) error = %v", key, err)
		}
	}
	now = now.Add(2 * time.Minute)

	store.StartCleanup(ctx)

	deadline := time.After(2 * time.Second)
	for store.Size() > 0 {
		select {
		case <-deadline:
			t.Fatalf("cleanup left %d keys", store.Size())
		case <-time.After(10 * time.Millisecond):
		}
	}

	store.Stop()
	store.Stop() // safe to call twice
}
