package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// maxConditionLength is the maximum allowed length for condition expressions.
const maxConditionLength = 1024

// maxConditionCost is the CEL runtime cost limit per evaluation.
const maxConditionCost = 100_000

// maxConditionNesting bounds parenthesis/bracket nesting depth.
const maxConditionNesting = 50

// conditionEvalTimeout caps a single condition evaluation.
const conditionEvalTimeout = 5 * time.Second

// conditionInterruptFreq is how often (in comprehension iterations)
// context cancellation is checked.
const conditionInterruptFreq = 100

var (
	condEnvOnce sync.Once
	condEnv     *cel.Env
	condEnvErr  error
)

// conditionEnv builds the shared CEL environment for policy conditions.
// Variables: tool.name, mcp.method, agent.id, workspace.id, tenant.id.
func conditionEnv() (*cel.Env, error) {
	condEnvOnce.Do(func() {
		condEnv, condEnvErr = cel.NewEnv(
			cel.Variable("tool", cel.MapType(cel.StringType, cel.StringType)),
			cel.Variable("mcp", cel.MapType(cel.StringType, cel.StringType)),
			cel.Variable("agent", cel.MapType(cel.StringType, cel.StringType)),
			cel.Variable("workspace", cel.MapType(cel.StringType, cel.StringType)),
			cel.Variable("tenant", cel.MapType(cel.StringType, cel.StringType)),
		)
	})
	return condEnv, condEnvErr
}

// condition is a compiled CEL expression gating an RBAC verdict.
type condition struct {
	prg cel.Program
}

// compileCondition parses, checks, and hardens a condition expression.
func compileCondition(expr string) (*condition, error) {
	if expr == "" {
		return nil, errors.New("condition expression is empty")
	}
	if len(expr) > maxConditionLength {
		return nil, fmt.Errorf("condition too long: %d characters (max %d)", len(expr), maxConditionLength)
	}
	if err := validateConditionNesting(expr); err != nil {
		return nil, err
	}

	env, err := conditionEnv()
	if err != nil {
		return nil, fmt.Errorf("condition environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition compilation failed: %w", issues.Err())
	}

	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxConditionCost),
		cel.InterruptCheckFrequency(conditionInterruptFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("condition program creation failed: %w", err)
	}

	return &condition{prg: prg}, nil
}

func validateConditionNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxConditionNesting {
		return fmt.Errorf("condition nesting too deep: %d levels (max %d)", maxDepth, maxConditionNesting)
	}
	return nil
}

// eval runs the condition against the request identity and tool metadata.
func (c *condition) eval(ctx context.Context, method, tool string, reqCtx *RequestContext) (bool, error) {
	activation := map[string]interface{}{
		"tool":      map[string]string{"name": tool},
		"mcp":       map[string]string{"method": method},
		"agent":     map[string]string{"id": reqCtx.AgentID, "name": reqCtx.AgentName},
		"workspace": map[string]string{"id": reqCtx.WorkspaceID},
		"tenant":    map[string]string{"id": reqCtx.TenantID},
	}

	evalCtx, cancel := context.WithTimeout(ctx, conditionEvalTimeout)
	defer cancel()

	result, _, err := c.prg.ContextEval(evalCtx, activation)
	if err != nil {
		return false, fmt.Errorf("condition evaluation failed: %w", err)
	}

	holds, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return a boolean, got %T", result.Value())
	}
	return holds, nil
}
