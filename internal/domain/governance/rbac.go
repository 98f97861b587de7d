package governance

import (
	"context"
)

// newRBACEvaluator builds the tool access control guardrail.
//
// Decision order: denied patterns first, then allowed patterns, then a block
// when an allowed list exists but nothing matched, then default_action.
// Patterns support * (zero or more characters) and ? (exactly one);
// matching is case-sensitive and full-string.
func newRBACEvaluator(p EffectivePolicy, deps Deps) (*Evaluator, error) {
	allowed := configStringSlice(p.Config, "allowed_tools")
	denied := configStringSlice(p.Config, "denied_tools")
	defaultAction := configString(p.Config, "default_action", "deny")

	var cond *condition
	if expr := configString(p.Config, "condition", ""); expr != "" {
		compiled, err := compileCondition(expr)
		if err != nil {
			return nil, err
		}
		cond = compiled
	}

	// A log_only policy records denials without enforcing them.
	blockAction := ActionBlock
	if p.Action == ActionLogOnly {
		blockAction = ActionLogOnly
	}

	fn := func(ctx context.Context, _ Direction, body *Body, reqCtx *RequestContext) (Result, error) {
		method, tool := methodAndTool(body)
		if tool == "" {
			return Result{Action: ActionAllow}, nil
		}

		if cond != nil {
			holds, err := cond.eval(ctx, method, tool, reqCtx)
			if err != nil {
				// Condition failure must not disable governance; the
				// verdict applies as if the condition held.
				deps.Logger.Warn("rbac condition evaluation failed",
					"error", err, "tool", tool)
			} else if !holds {
				return Result{
					Action:  ActionAllow,
					Details: map[string]interface{}{"tool": tool, "match_type": "condition_not_met"},
				}, nil
			}
		}

		for _, pattern := range denied {
			if matchGlob(tool, pattern) {
				return Result{
					Action:    blockAction,
					Triggered: true,
					Details: map[string]interface{}{
						"tool":            tool,
						"matched_pattern": pattern,
						"match_type":      "denied_tools",
					},
				}, nil
			}
		}

		for _, pattern := range allowed {
			if matchGlob(tool, pattern) {
				return Result{
					Action: ActionAllow,
					Details: map[string]interface{}{
						"tool":            tool,
						"matched_pattern": pattern,
						"match_type":      "allowed_tools",
					},
				}, nil
			}
		}

		if len(allowed) > 0 {
			return Result{
				Action:    blockAction,
				Triggered: true,
				Details: map[string]interface{}{
					"tool":       tool,
					"match_type": "not_in_allowed_list",
				},
			}, nil
		}

		if defaultAction == "deny" {
			return Result{
				Action:    blockAction,
				Triggered: true,
				Details: map[string]interface{}{
					"tool":       tool,
					"match_type": "default_deny",
				},
			}, nil
		}

		return Result{
			Action:  ActionAllow,
			Details: map[string]interface{}{"tool": tool, "match_type": "default_allow"},
		}, nil
	}

	return &Evaluator{
		Type:       p.GuardrailType,
		Action:     p.Action,
		Config:     p.Config,
		directions: requestOnly(),
		fn:         fn,
	}, nil
}

// methodAndTool extracts the JSON-RPC method and the effective tool name
// from a structured body. For tools/call the tool name is params.name;
// for every other method the method itself is the effective name.
func methodAndTool(b *Body) (method, tool string) {
	obj, ok := b.Value().(map[string]interface{})
	if !ok {
		return "", ""
	}
	method, _ = obj["method"].(string)
	if method != "tools/call" {
		return method, method
	}
	params, _ := obj["params"].(map[string]interface{})
	if params == nil {
		return method, ""
	}
	tool, _ = params["name"].(string)
	return method, tool
}

// matchGlob reports whether name matches pattern. * matches zero or more
// characters (including path separators), ? matches exactly one.
func matchGlob(name, pattern string) bool {
	nIdx, pIdx := 0, 0
	starIdx, matchIdx := -1, 0

	for nIdx < len(name) {
		switch {
		case pIdx < len(pattern) && (pattern[pIdx] == '?' || pattern[pIdx] == name[nIdx]):
			nIdx++
			pIdx++
		case pIdx < len(pattern) && pattern[pIdx] == '*':
			starIdx = pIdx
			matchIdx = nIdx
			pIdx++
		case starIdx != -1:
			pIdx = starIdx + 1
			matchIdx++
			nIdx = matchIdx
		default:
			return false
		}
	}

	for pIdx < len(pattern) && pattern[pIdx] == '*' {
		pIdx++
	}
	return pIdx == len(pattern)
}
