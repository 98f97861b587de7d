package governance

import (
	"context"
	"fmt"
	"unicode/utf8"
)

// Default content-size ceilings, used when the policy config omits them.
const (
	defaultMaxDocumentChars = 10_000
	defaultMaxSourceChars   = 10_000
	defaultMaxRows          = 1_000
)

// newContentSizeEvaluator builds one of the three content-size guardrails.
// Oversize detection runs in a single pass over the JSON tree and stops at
// the first violation.
func newContentSizeEvaluator(p EffectivePolicy, deps Deps) (*Evaluator, error) {
	action := p.Action
	if action != ActionBlock && action != ActionLogOnly {
		action = ActionBlock
	}

	var fn EvalFunc
	switch p.GuardrailType {
	case TypeContentLargeDocuments:
		maxChars := configInt(p.Config, "max_chars", defaultMaxDocumentChars)
		fn = stringSizeEval(action, maxChars, false)
	case TypeContentSourceCode:
		maxChars := configInt(p.Config, "max_chars", defaultMaxSourceChars)
		fn = stringSizeEval(action, maxChars, true)
	case TypeContentStructuredData:
		maxRows := configInt(p.Config, "max_rows", defaultMaxRows)
		fn = rowCountEval(action, maxRows)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownGuardrail, p.GuardrailType)
	}

	return &Evaluator{
		Type:       p.GuardrailType,
		Action:     p.Action,
		Config:     p.Config,
		directions: directionsFromConfig(p.Config),
		fn:         fn,
	}, nil
}

// stringSizeEval flags string leaves over maxChars. With codeOnly set,
// only leaves carrying source code count.
func stringSizeEval(action Action, maxChars int, codeOnly bool) EvalFunc {
	return func(ctx context.Context, _ Direction, body *Body, _ *RequestContext) (Result, error) {
		if !body.IsStructured() {
			return Result{Action: ActionAllow}, nil
		}

		var violation int
		body.VisitStrings(func(leaf StringLeaf) bool {
			if codeOnly && !leaf.Code {
				return true
			}
			if n := utf8.RuneCountInString(leaf.Value); n > maxChars {
				violation = n
				return false
			}
			return true
		})

		if violation == 0 {
			return Result{Action: ActionAllow}, nil
		}
		return Result{
			Action:    action,
			Triggered: true,
			Details: map[string]interface{}{
				"max_chars": maxChars,
				"found":     violation,
			},
		}, nil
	}
}

// rowCountEval flags array nodes with more than maxRows elements.
func rowCountEval(action Action, maxRows int) EvalFunc {
	return func(ctx context.Context, _ Direction, body *Body, _ *RequestContext) (Result, error) {
		if !body.IsStructured() {
			return Result{Action: ActionAllow}, nil
		}

		var violation int
		body.VisitArrays(func(length int) bool {
			if length > maxRows {
				violation = length
				return false
			}
			return true
		})

		if violation == 0 {
			return Result{Action: ActionAllow}, nil
		}
		return Result{
			Action:    action,
			Triggered: true,
			Details: map[string]interface{}{
				"max_rows": maxRows,
				"found":    violation,
			},
		}, nil
	}
}
