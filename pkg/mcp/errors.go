package mcp

import "encoding/json"

// JSON-RPC error codes used by the gateway.
const (
	// CodeGovernanceBlock is returned when a guardrail blocks or throttles traffic.
	CodeGovernanceBlock int64 = -32001
	// CodeUpstreamTimeout is returned when the upstream MCP server times out.
	CodeUpstreamTimeout int64 = -32002
	// CodeUpstreamError is returned when the upstream MCP server is unreachable
	// or answers with a server error.
	CodeUpstreamError int64 = -32003
	// CodeParseError is the standard JSON-RPC parse error.
	CodeParseError int64 = -32700
)

// Block actions reported in the error data of a governance error.
const (
	BlockActionRequest  = "block_request"
	BlockActionResponse = "block_response"
	BlockActionThrottle = "throttle"
)

// ErrorData is the structured payload attached to gateway error responses.
type ErrorData struct {
	DecisionID          string   `json:"decision_id,omitempty"`
	Action              string   `json:"action,omitempty"`
	GuardrailsTriggered []string `json:"guardrails_triggered,omitempty"`
	RetryAfterSeconds   int      `json:"retry_after_seconds,omitempty"`
}

type wireError struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   wireErrorDetail `json:"error"`
}

type wireErrorDetail struct {
	Code    int64      `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// NewErrorResponse builds a JSON-RPC 2.0 error response.
// The id is echoed verbatim when present, null otherwise (per JSON-RPC 2.0
// for requests whose id could not be determined).
func NewErrorResponse(id json.RawMessage, code int64, message string, data *ErrorData) []byte {
	if id == nil {
		id = json.RawMessage("null")
	}
	resp := wireError{
		JSONRPC: "2.0",
		ID:      id,
		Error: wireErrorDetail{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		// Marshal of this struct cannot fail with valid RawMessage inputs;
		// fall back to a static envelope to keep the wire contract.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return raw
}
