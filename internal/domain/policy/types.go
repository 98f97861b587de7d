// Package policy contains the hierarchical policy model and the resolver
// that merges tenant, workspace, and agent scoped policies into the
// effective guardrail set for one request.
package policy

import (
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/governance"
)

// Policy binds a guardrail to a scope with an action and a config.
// Scope is determined by which of WorkspaceID and AgentID are set:
// both empty = tenant scope, workspace only = workspace scope,
// both set = agent scope.
type Policy struct {
	// ID is the unique identifier for this policy.
	ID string
	// TenantID is the owning tenant. Always set.
	TenantID string
	// WorkspaceID narrows the policy to one workspace. Empty at tenant scope.
	WorkspaceID string
	// AgentID narrows the policy to one agent. Empty unless agent scope.
	AgentID string
	// GuardrailType selects the evaluator this policy configures.
	GuardrailType governance.GuardrailType
	// Action is the verdict applied when the guardrail triggers.
	Action governance.Action
	// Config is the guardrail-specific configuration map.
	Config map[string]interface{}
	// Priority breaks ties between policies at the same scope. Higher wins.
	Priority int
	// Enabled indicates if this policy participates in resolution.
	Enabled bool
	// CreatedAt is when the policy was created (UTC).
	CreatedAt time.Time
	// UpdatedAt is when the policy was last modified (UTC).
	UpdatedAt time.Time
	// DeletedAt marks soft deletion; nil for live rows.
	DeletedAt *time.Time
}

// Scope derives the policy's scope from its set fields.
func (p *Policy) Scope() governance.Scope {
	switch {
	case p.AgentID != "":
		return governance.ScopeAgent
	case p.WorkspaceID != "":
		return governance.ScopeWorkspace
	default:
		return governance.ScopeTenant
	}
}

// Matches reports whether the policy applies to a request context at any
// of the three levels.
func (p *Policy) Matches(reqCtx *governance.RequestContext) bool {
	if p.TenantID != reqCtx.TenantID {
		return false
	}
	if p.WorkspaceID != "" && p.WorkspaceID != reqCtx.WorkspaceID {
		return false
	}
	if p.AgentID != "" && p.AgentID != reqCtx.AgentID {
		return false
	}
	return true
}
