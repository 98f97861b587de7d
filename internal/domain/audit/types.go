// Package audit contains the decision record persisted for every
// terminal request outcome.
package audit

import (
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/governance"
)

// Marker values recorded in a decision's Marker field.
const (
	// MarkerClientDisconnected notes that the client went away before
	// the upstream response returned; response evaluation was skipped.
	MarkerClientDisconnected = "client_disconnected"
	// MarkerPolicyLoadFailure notes that the effective policy set could
	// not be loaded and the request was blocked under fail-closed.
	MarkerPolicyLoadFailure = "policy_load_failure"
	// MarkerGuardrailBuildFailure notes that a configured guardrail
	// failed to construct and the request was blocked under fail-closed.
	MarkerGuardrailBuildFailure = "guardrail_build_failure"
	// MarkerBodyEncodeFailure notes that a rewritten body failed to
	// re-encode and the message was blocked under fail-closed.
	MarkerBodyEncodeFailure = "body_encode_failure"
)

// Decision is the persisted governance outcome of one pipeline run.
// One request produces one Decision per direction evaluated.
type Decision struct {
	// DecisionID uniquely identifies this decision.
	DecisionID string `json:"decision_id"`
	// RequestID correlates the request and response decisions of one call.
	RequestID string `json:"request_id"`
	// TenantID, WorkspaceID, and AgentID locate the caller.
	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id"`
	AgentID     string `json:"agent_id"`
	// Direction is "request" or "response".
	Direction governance.Direction `json:"direction"`
	// Method is the JSON-RPC method of the proxied message, when parsed.
	Method string `json:"mcp_method,omitempty"`
	// ToolName is the effective tool name, when parsed.
	ToolName string `json:"tool_name,omitempty"`
	// FinalAction is the aggregate pipeline verdict.
	FinalAction governance.Action `json:"final_action"`
	// Events are the per-guardrail evaluation records, in pipeline order.
	Events []governance.Event `json:"events"`
	// Marker carries exceptional conditions such as client_disconnected.
	Marker string `json:"marker,omitempty"`
	// UpstreamAttempts counts upstream tries including retries. Zero for
	// decisions that never reached the upstream.
	UpstreamAttempts int `json:"upstream_attempts,omitempty"`
	// ProcessingTimeMS is the pipeline wall time in milliseconds.
	ProcessingTimeMS int64 `json:"processing_time_ms"`
	// CreatedAt is when the decision was taken (UTC).
	CreatedAt time.Time `json:"created_at"`
}
