package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeCounterStore is an in-process CounterStore for evaluator tests.
type fakeCounterStore struct {
	mu       sync.Mutex
	counts   map[string]int64
	failWith error
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{counts: make(map[string]int64)}
}

func (f *fakeCounterStore) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeCounterStore) Get(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	return f.counts[key], nil
}

func rateLimitEval(t *testing.T, store CounterStore, clock func() time.Time, cfg map[string]interface{}) *Evaluator {
	t.Helper()
	deps := Deps{Counters: store, Clock: clock}.withDefaults()
	ev, err := newRateLimitEvaluator(EffectivePolicy{
		GuardrailType: TypeRateLimitPerMinute,
		Action:        ActionThrottle,
		Config:        cfg,
	}, deps)
	if err != nil {
		t.Fatalf("newRateLimitEvaluator() error = %v", err)
	}
	return ev
}

func TestRateLimitExactAllowance(t *testing.T) {
	// limit=L: exactly L requests pass, the rest throttle.
	const limit = 10
	const extra = 2

	store := newFakeCounterStore()
	now := time.Date(2026, 8, 25, 12, 0, 30, 0, time.UTC)
	ev := rateLimitEval(t, store, func() time.Time { return now }, map[string]interface{}{"limit": limit})

	body := toolCallBody("search_articles")
	var allowed, throttled int
	for i := 0; i < limit+extra; i++ {
		res, err := ev.Evaluate(context.Background(), DirectionRequest, body, testReqCtx())
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		switch res.Action {
		case ActionAllow:
			allowed++
		case ActionThrottle:
			throttled++
		default:
			t.Fatalf("unexpected action %s", res.Action)
		}
	}

	if allowed != limit || throttled != extra {
		t.Errorf("allowed=%d throttled=%d, want %d/%d", allowed, throttled, limit, extra)
	}
}

func TestRateLimitRetryAfter(t *testing.T) {
	store := newFakeCounterStore()
	// 30s into the minute window: retry_after must be the remaining 30s.
	now := time.Date(2026, 8, 25, 12, 0, 30, 0, time.UTC)
	ev := rateLimitEval(t, store, func() time.Time { return now }, map[string]interface{}{"limit": 1})

	body := toolCallBody("x")
	if _, err := ev.Evaluate(context.Background(), DirectionRequest, body, testReqCtx()); err != nil {
		t.Fatalf("first Evaluate() error = %v", err)
	}
	res, err := ev.Evaluate(context.Background(), DirectionRequest, body, testReqCtx())
	if err != nil {
		t.Fatalf("second Evaluate() error = %v", err)
	}

	if res.Action != ActionThrottle {
		t.Fatalf("action = %s, want throttle", res.Action)
	}
	if res.RetryAfter != 30*time.Second {
		t.Errorf("retry_after = %s, want 30s", res.RetryAfter)
	}
}

func TestRateLimitWindowRollover(t *testing.T) {
	store := newFakeCounterStore()
	now := time.Date(2026, 8, 25, 12, 0, 59, 0, time.UTC)
	clock := func() time.Time { return now }
	ev := rateLimitEval(t, store, clock, map[string]interface{}{"limit": 1})

	body := toolCallBody("x")
	if _, err := ev.Evaluate(context.Background(), DirectionRequest, body, testReqCtx()); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	res, _ := ev.Evaluate(context.Background(), DirectionRequest, body, testReqCtx())
	if res.Action != ActionThrottle {
		t.Fatalf("expected throttle before rollover, got %s", res.Action)
	}

	// Next minute: fresh bucket, fresh allowance.
	now = now.Add(time.Second)
	res, err := ev.Evaluate(context.Background(), DirectionRequest, body, testReqCtx())
	if err != nil {
		t.Fatalf("Evaluate() after rollover error = %v", err)
	}
	if res.Action != ActionAllow {
		t.Errorf("action after rollover = %s, want allow", res.Action)
	}
}

func TestRateLimitSlidingBlend(t *testing.T) {
	store := newFakeCounterStore()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	now := base
	clock := func() time.Time { return now }
	ev := rateLimitEval(t, store, clock, map[string]interface{}{"limit": 10, "sliding": true})

	body := toolCallBody("x")
	reqCtx := testReqCtx()

	// Fill the first window past its limit; throttled attempts still
	// count toward the bucket.
	for i := 0; i < 11; i++ {
		if _, err := ev.Evaluate(context.Background(), DirectionRequest, body, reqCtx); err != nil {
			t.Fatalf("warmup Evaluate() error = %v", err)
		}
	}

	// 6s into the next window the previous bucket still weighs 90%:
	// 1 + 11*0.9 = 10.9 > limit, so the first request throttles.
	now = base.Add(time.Minute + 6*time.Second)
	res, err := ev.Evaluate(context.Background(), DirectionRequest, body, reqCtx)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Action != ActionThrottle {
		t.Errorf("action at 10%% of new window = %s, want throttle (sliding blend)", res.Action)
	}

	// Near the end of the next window the previous bucket has decayed:
	// 2 + 11*0.1 = 3.1, well under the limit.
	now = base.Add(2*time.Minute - 6*time.Second)
	res, err = ev.Evaluate(context.Background(), DirectionRequest, body, reqCtx)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Action != ActionAllow {
		t.Errorf("action at 90%% of new window = %s, want allow", res.Action)
	}
}

func TestRateLimitPerToolOverride(t *testing.T) {
	store := newFakeCounterStore()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	ev := rateLimitEval(t, store, func() time.Time { return now }, map[string]interface{}{
		"limit": 100,
		"per_tool_limits": map[string]interface{}{
			"expensive_tool": map[string]interface{}{"limit": 1},
		},
	})

	body := toolCallBody("expensive_tool")
	if _, err := ev.Evaluate(context.Background(), DirectionRequest, body, testReqCtx()); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	res, err := ev.Evaluate(context.Background(), DirectionRequest, body, testReqCtx())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Action != ActionThrottle {
		t.Errorf("action = %s, want throttle under per-tool limit", res.Action)
	}
}

func TestRateLimitStoreDownFailModes(t *testing.T) {
	tests := []struct {
		name    string
		mode    FailMode
		want    Action
		wantErr bool
	}{
		{name: "fail closed throttles", mode: FailClosed, want: ActionThrottle, wantErr: true},
		{name: "fail open allows", mode: FailOpen, want: ActionAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeCounterStore()
			store.failWith = errors.New("connection refused")
			now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
			ev := rateLimitEval(t, store, func() time.Time { return now }, map[string]interface{}{"limit": 10})

			reqCtx := testReqCtx()
			reqCtx.FailMode = tt.mode

			res, err := ev.Evaluate(context.Background(), DirectionRequest, toolCallBody("x"), reqCtx)
			if res.Action != tt.want {
				t.Errorf("action = %s, want %s", res.Action, tt.want)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrCounterStore) {
					t.Errorf("error = %v, want ErrCounterStore", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
