package governance

import (
	"context"
	"fmt"
	"time"
)

// Default limits when the policy config carries none.
const (
	defaultLimitPerMinute = 100
	defaultLimitPerHour   = 1000
)

// CounterStore is the external counter backend for rate limiting.
type CounterStore interface {
	// IncrWithTTL atomically increments key and arms its TTL in a single
	// round-trip, so a crash between the two cannot leak an un-expiring
	// key. Returns the post-increment value.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns the current value of key, 0 when the key is absent.
	Get(ctx context.Context, key string) (int64, error)
}

// newRateLimitEvaluator builds a fixed-window rate limit guardrail.
// Request direction only. With "sliding": true in the config, the previous
// bucket is blended in, weighted by the un-elapsed window fraction.
func newRateLimitEvaluator(p EffectivePolicy, deps Deps) (*Evaluator, error) {
	if deps.Counters == nil {
		return nil, fmt.Errorf("rate limit %s: no counter store configured", p.GuardrailType)
	}

	var window time.Duration
	var defaultLimit int
	switch p.GuardrailType {
	case TypeRateLimitPerMinute:
		window = time.Minute
		defaultLimit = defaultLimitPerMinute
	case TypeRateLimitPerHour:
		window = time.Hour
		defaultLimit = defaultLimitPerHour
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownGuardrail, p.GuardrailType)
	}

	limit := configInt(p.Config, "limit", defaultLimit)
	sliding := configBool(p.Config, "sliding", false)
	perTool, _ := p.Config["per_tool_limits"].(map[string]interface{})
	guardrailType := p.GuardrailType

	fn := func(ctx context.Context, _ Direction, body *Body, reqCtx *RequestContext) (Result, error) {
		_, tool := methodAndTool(body)
		effectiveLimit := toolLimit(perTool, tool, limit)

		now := deps.Clock()
		windowSecs := int64(window / time.Second)
		bucket := now.Unix() / windowSecs
		elapsed := now.Unix() % windowSecs
		retryAfter := time.Duration(windowSecs-elapsed) * time.Second

		key := counterKey(reqCtx, guardrailType, bucket)

		// TTL covers two windows so the previous bucket survives for
		// the sliding blend.
		count, err := deps.Counters.IncrWithTTL(ctx, key, 2*window)
		if err != nil {
			return degradedResult(reqCtx.FailMode, retryAfter, err, deps)
		}

		effective := float64(count)
		if sliding {
			prev, err := deps.Counters.Get(ctx, counterKey(reqCtx, guardrailType, bucket-1))
			if err != nil {
				return degradedResult(reqCtx.FailMode, retryAfter, err, deps)
			}
			remaining := 1 - float64(elapsed)/float64(windowSecs)
			effective += float64(prev) * remaining
		}

		details := map[string]interface{}{
			"current_count": count,
			"limit":         effectiveLimit,
			"window_secs":   windowSecs,
		}
		if tool != "" {
			details["tool"] = tool
		}

		if effective > float64(effectiveLimit) {
			details["retry_after_seconds"] = int(retryAfter / time.Second)
			return Result{
				Action:     ActionThrottle,
				Triggered:  true,
				RetryAfter: retryAfter,
				Details:    details,
			}, nil
		}

		return Result{Action: ActionAllow, Details: details}, nil
	}

	return &Evaluator{
		Type:       p.GuardrailType,
		Action:     p.Action,
		Config:     p.Config,
		directions: requestOnly(),
		fn:         fn,
	}, nil
}

func counterKey(reqCtx *RequestContext, t GuardrailType, bucket int64) string {
	return fmt.Sprintf("rl:%s:%s:%s:%d", reqCtx.TenantID, reqCtx.AgentID, t, bucket)
}

// toolLimit resolves a per-tool override, supporting both the shorthand
// {"tool": 5} and the nested {"tool": {"limit": 5}} forms.
func toolLimit(perTool map[string]interface{}, tool string, def int) int {
	if tool == "" || perTool == nil {
		return def
	}
	switch v := perTool[tool].(type) {
	case map[string]interface{}:
		return configInt(v, "limit", def)
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// degradedResult applies the workspace fail mode when the counter store is
// unreachable: closed throttles, open allows and logs the degradation.
func degradedResult(mode FailMode, retryAfter time.Duration, cause error, deps Deps) (Result, error) {
	if mode == FailOpen {
		deps.Logger.Warn("counter store unavailable, failing open",
			"error", cause)
		return Result{
			Action:  ActionAllow,
			Details: map[string]interface{}{"degraded": true},
		}, nil
	}
	return Result{
		Action:     ActionThrottle,
		Triggered:  true,
		RetryAfter: retryAfter,
		Details: map[string]interface{}{
			"degraded": true,
			"error":    cause.Error(),
		},
	}, fmt.Errorf("%w: %v", ErrCounterStore, cause)
}
