// Package mcp provides MCP message types and JSON-RPC envelope utilities
// for the cerberus gateway.
package mcp

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Envelope wraps a decoded JSON-RPC message with the original bytes.
// It stores both the raw bytes (for efficient passthrough) and the decoded
// message (for governance inspection).
type Envelope struct {
	// Raw contains the original bytes of the message.
	// Used for passthrough when no modification is needed.
	Raw []byte

	// Decoded contains the parsed JSON-RPC message.
	// The concrete type is either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// ParsedParams contains the parsed params from a JSON-RPC request.
	// Set lazily by ParseParams() for reuse across guardrails.
	ParsedParams map[string]interface{}
}

// Parse decodes raw JSON-RPC bytes into an Envelope.
// Returns an error when the bytes are not a valid JSON-RPC message;
// callers that want opaque passthrough handle the error themselves.
func Parse(raw []byte) (*Envelope, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	return &Envelope{Raw: raw, Decoded: decoded}, nil
}

// IsRequest returns true if the envelope holds a JSON-RPC request.
func (e *Envelope) IsRequest() bool {
	if e.Decoded == nil {
		return false
	}
	_, ok := e.Decoded.(*jsonrpc.Request)
	return ok
}

// Request returns the underlying Request, or nil if this is not a request.
func (e *Envelope) Request() *jsonrpc.Request {
	if e.Decoded == nil {
		return nil
	}
	req, _ := e.Decoded.(*jsonrpc.Request)
	return req
}

// Method returns the method name if this is a request, empty string otherwise.
func (e *Envelope) Method() string {
	req := e.Request()
	if req == nil {
		return ""
	}
	return req.Method
}

// IsToolCall returns true if this is a tools/call request.
func (e *Envelope) IsToolCall() bool {
	return e.Method() == "tools/call"
}

// ParseParams parses the request params and caches them on the envelope.
// Safe to call multiple times. Returns nil if this is not a request or
// the params are not a JSON object.
func (e *Envelope) ParseParams() map[string]interface{} {
	if e.ParsedParams != nil {
		return e.ParsedParams
	}

	req := e.Request()
	if req == nil || req.Params == nil {
		return nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}

	e.ParsedParams = params
	return params
}

// ToolName returns the effective tool name for governance decisions.
// For tools/call requests it is params.name; for every other method the
// method itself is the effective name.
func (e *Envelope) ToolName() string {
	method := e.Method()
	if method != "tools/call" {
		return method
	}
	params := e.ParseParams()
	if params == nil {
		return ""
	}
	name, _ := params["name"].(string)
	return name
}

// RawID extracts the request ID from the raw message bytes as json.RawMessage.
// The ID is extracted directly from the raw JSON so its original format
// (number, string, or null) is preserved when echoed in error responses.
// Returns nil if no ID is present.
func (e *Envelope) RawID() json.RawMessage {
	return ExtractID(e.Raw)
}

// ExtractID pulls the "id" field out of raw JSON-RPC bytes.
// Returns nil when the bytes are not a JSON object or carry no id.
func ExtractID(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return fields["id"]
}
