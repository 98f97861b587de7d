package governance

import (
	"context"
)

// EvalFunc is the evaluation function carried by an Evaluator.
type EvalFunc func(ctx context.Context, direction Direction, body *Body, reqCtx *RequestContext) (Result, error)

// Evaluator is a tagged value: a guardrail kind, its resolved configuration,
// and a pure evaluation function. The pipeline is a sequence of these values
// rather than a registry of named objects.
type Evaluator struct {
	// Type identifies the guardrail.
	Type GuardrailType
	// Action is the configured verdict when the guardrail triggers.
	Action Action
	// Config is the resolved guardrail configuration.
	Config map[string]interface{}

	directions map[Direction]bool
	fn         EvalFunc
}

// AppliesTo reports whether the evaluator runs on the given direction.
func (e *Evaluator) AppliesTo(d Direction) bool {
	return e.directions[d]
}

// Evaluate runs the guardrail over a body.
func (e *Evaluator) Evaluate(ctx context.Context, direction Direction, body *Body, reqCtx *RequestContext) (Result, error) {
	return e.fn(ctx, direction, body, reqCtx)
}

func requestOnly() map[Direction]bool {
	return map[Direction]bool{DirectionRequest: true}
}

func bothDirections() map[Direction]bool {
	return map[Direction]bool{DirectionRequest: true, DirectionResponse: true}
}

// directionsFromConfig reads the "direction" config key: "request",
// "response", or "both" (the default).
func directionsFromConfig(cfg map[string]interface{}) map[Direction]bool {
	switch configString(cfg, "direction", "both") {
	case string(DirectionRequest):
		return requestOnly()
	case string(DirectionResponse):
		return map[Direction]bool{DirectionResponse: true}
	default:
		return bothDirections()
	}
}

// Config accessors tolerant of JSON-decoded value types.

func configString(cfg map[string]interface{}, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func configInt(cfg map[string]interface{}, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func configBool(cfg map[string]interface{}, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

func configStringSlice(cfg map[string]interface{}, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
