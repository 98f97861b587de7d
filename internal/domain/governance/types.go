// Package governance contains the guardrail evaluators and the evaluation
// pipeline that run on every proxied request and response.
package governance

import (
	"errors"
	"time"
)

// GuardrailType identifies a guardrail implementation.
type GuardrailType string

const (
	// TypeRBAC controls which tools an agent may call.
	TypeRBAC GuardrailType = "rbac"
	// TypePIISSN detects US social security numbers.
	TypePIISSN GuardrailType = "pii_ssn"
	// TypePIICreditCard detects Luhn-valid card numbers.
	TypePIICreditCard GuardrailType = "pii_credit_card"
	// TypePIIEmail detects email addresses.
	TypePIIEmail GuardrailType = "pii_email"
	// TypePIIPhone detects phone numbers.
	TypePIIPhone GuardrailType = "pii_phone"
	// TypePIIIPAddress detects IPv4 addresses.
	TypePIIIPAddress GuardrailType = "pii_ip_address"
	// TypeRateLimitPerMinute throttles requests over a 60s window.
	TypeRateLimitPerMinute GuardrailType = "rate_limit_per_minute"
	// TypeRateLimitPerHour throttles requests over a 3600s window.
	TypeRateLimitPerHour GuardrailType = "rate_limit_per_hour"
	// TypeContentLargeDocuments blocks oversized string leaves.
	TypeContentLargeDocuments GuardrailType = "content_large_documents"
	// TypeContentStructuredData blocks arrays with too many rows.
	TypeContentStructuredData GuardrailType = "content_structured_data"
	// TypeContentSourceCode blocks oversized code content.
	TypeContentSourceCode GuardrailType = "content_source_code"
)

// Direction indicates which side of the proxy a body came from.
type Direction string

const (
	// DirectionRequest is client-to-upstream traffic.
	DirectionRequest Direction = "request"
	// DirectionResponse is upstream-to-client traffic.
	DirectionResponse Direction = "response"
)

// Action is the verdict a guardrail (or the whole pipeline) produces.
type Action string

const (
	// ActionAllow lets the body through unchanged.
	ActionAllow Action = "allow"
	// ActionBlock stops the request or response.
	ActionBlock Action = "block"
	// ActionRedact rewrites the body and continues.
	ActionRedact Action = "redact"
	// ActionThrottle rejects the request with a retry-after hint.
	ActionThrottle Action = "throttle"
	// ActionLogOnly records the finding without affecting traffic.
	ActionLogOnly Action = "log_only"
	// ActionModify is the aggregate pipeline action when at least one
	// redaction fired and nothing blocked.
	ActionModify Action = "modify"
)

// Scope is the policy level a guardrail config was resolved from.
type Scope string

const (
	// ScopeTenant applies to every workspace and agent of a tenant.
	ScopeTenant Scope = "tenant"
	// ScopeWorkspace applies to every agent of a workspace.
	ScopeWorkspace Scope = "workspace"
	// ScopeAgent applies to a single agent.
	ScopeAgent Scope = "agent"
)

// Specificity orders scopes for policy merging. Higher wins.
func (s Scope) Specificity() int {
	switch s {
	case ScopeAgent:
		return 3
	case ScopeWorkspace:
		return 2
	case ScopeTenant:
		return 1
	default:
		return 0
	}
}

// FailMode decides behavior when governance infrastructure is degraded.
type FailMode string

const (
	// FailClosed blocks traffic on infrastructure failure.
	FailClosed FailMode = "closed"
	// FailOpen allows traffic on infrastructure failure.
	FailOpen FailMode = "open"
)

// RequestContext carries the authenticated identity of one request.
// Derived per request, never persisted.
type RequestContext struct {
	// RequestID correlates all log lines and audit rows of one request.
	RequestID string
	// TenantID is the top-level isolation boundary.
	TenantID string
	// WorkspaceID is the environment the agent key belongs to.
	WorkspaceID string
	// AgentID identifies the calling agent within the workspace.
	AgentID string
	// AgentName is the human-readable agent label, for logs.
	AgentName string
	// UpstreamURL is the workspace's MCP server base URL.
	UpstreamURL string
	// FailMode is the workspace's degradation policy.
	FailMode FailMode
	// DecisionTimeout bounds the per-request pipeline budget.
	DecisionTimeout time.Duration
	// ReceivedAt is when the gateway accepted the request (UTC).
	ReceivedAt time.Time
}

// EffectivePolicy is one resolved guardrail binding: the winning action and
// config for a guardrail type after scope merging.
type EffectivePolicy struct {
	// GuardrailType selects the evaluator.
	GuardrailType GuardrailType
	// Action is the configured verdict when the guardrail triggers.
	Action Action
	// Config is the guardrail-specific configuration map.
	Config map[string]interface{}
	// Scope records which policy level won the merge.
	Scope Scope
	// Priority is the winning policy's priority, kept for audit detail.
	Priority int
}

// EffectivePolicySet is the merged, canonically ordered policy list for
// one request context.
type EffectivePolicySet struct {
	// Policies is ordered by the canonical pipeline order.
	Policies []EffectivePolicy
	// ResolvedAt is when the set was computed or fetched from cache.
	ResolvedAt time.Time
}

// Get returns the policy for a guardrail type, or nil when absent.
func (s *EffectivePolicySet) Get(t GuardrailType) *EffectivePolicy {
	for i := range s.Policies {
		if s.Policies[i].GuardrailType == t {
			return &s.Policies[i]
		}
	}
	return nil
}

// Result is the outcome of a single guardrail evaluation.
type Result struct {
	// Action is the evaluator's verdict.
	Action Action
	// Triggered is true when the guardrail found something, regardless
	// of whether the configured action affects traffic.
	Triggered bool
	// Body carries the rewritten body when Action is ActionRedact.
	Body *Body
	// RetryAfter is the client backoff hint when Action is ActionThrottle.
	RetryAfter time.Duration
	// Details holds structured findings for the audit event.
	Details map[string]interface{}
}

// Event records one evaluator run for the audit trail.
type Event struct {
	// GuardrailType identifies the evaluator.
	GuardrailType GuardrailType `json:"guardrail_type"`
	// Action is the verdict the evaluator returned.
	Action Action `json:"action"`
	// Triggered is true when the guardrail matched.
	Triggered bool `json:"triggered"`
	// Details holds the evaluator's structured findings.
	Details map[string]interface{} `json:"details,omitempty"`
	// DurationMicros is the evaluator's wall time in microseconds.
	DurationMicros int64 `json:"duration_us"`
	// Error is set when the evaluator failed and fail-closed converted
	// the failure into a block.
	Error string `json:"error,omitempty"`
}

// Outcome aggregates one pipeline run over one direction.
type Outcome struct {
	// FinalAction is allow, modify, block, or throttle.
	FinalAction Action
	// Triggered lists guardrail types that matched.
	Triggered []GuardrailType
	// Events records every evaluator run in order.
	Events []Event
	// Body is the final working body. Equals the input body unless a
	// redaction fired.
	Body *Body
	// RetryAfter is propagated from a throttle verdict.
	RetryAfter time.Duration
	// BlockedBy names the guardrail that terminated the pipeline, when any.
	BlockedBy GuardrailType
}

// Blocked reports whether the outcome terminates the request.
func (o *Outcome) Blocked() bool {
	return o.FinalAction == ActionBlock || o.FinalAction == ActionThrottle
}

// TriggeredNames returns the triggered guardrail types as strings, for the
// JSON-RPC error payload.
func (o *Outcome) TriggeredNames() []string {
	names := make([]string, len(o.Triggered))
	for i, t := range o.Triggered {
		names[i] = string(t)
	}
	return names
}

// Sentinel errors for the governance data path.
var (
	// ErrPolicyLoad indicates the policy store was unreachable under
	// fail-closed semantics.
	ErrPolicyLoad = errors.New("policy load failure")
	// ErrCounterStore indicates the rate counter store was unreachable.
	ErrCounterStore = errors.New("counter store unavailable")
	// ErrUnknownGuardrail indicates a policy references a guardrail type
	// with no registered constructor.
	ErrUnknownGuardrail = errors.New("unknown guardrail type")
)
