package governance

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Body is the working representation of a request or response payload.
// It keeps the original bytes so an unmodified body forwards verbatim,
// plus the decoded JSON tree when the payload parsed as JSON.
type Body struct {
	raw      []byte
	value    interface{}
	parsed   bool
	modified bool
}

// NewBody wraps raw payload bytes and attempts to decode them as JSON.
// A payload that does not parse stays opaque: content-aware guardrails
// skip it, and Bytes returns the original bytes untouched.
func NewBody(raw []byte) *Body {
	b := &Body{raw: raw}
	if len(raw) == 0 {
		return b
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err == nil {
		b.value = v
		b.parsed = true
	}
	return b
}

// NewOpaqueBody wraps bytes that must never be inspected as JSON.
func NewOpaqueBody(raw []byte) *Body {
	return &Body{raw: raw}
}

// IsStructured reports whether the body decoded as JSON.
func (b *Body) IsStructured() bool { return b.parsed }

// Modified reports whether a redaction rewrote the body.
func (b *Body) Modified() bool { return b.modified }

// Value returns the decoded JSON tree, or nil for opaque bodies.
func (b *Body) Value() interface{} { return b.value }

// Bytes returns the wire form of the body. Unmodified bodies return the
// original bytes so passthrough is byte-exact. Modified bodies re-encode
// without HTML escaping: json.Marshal would rewrite <, >, and & in every
// string leaf, corrupting redaction tokens like <<PHONE>> and content
// that was never touched.
func (b *Body) Bytes() ([]byte, error) {
	if !b.modified {
		return b.raw, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(b.value); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Len returns the size of the original payload in bytes.
func (b *Body) Len() int { return len(b.raw) }

// Replace returns a new Body whose string leaves have every occurrence of
// each key in replacements substituted by its value. The receiver is not
// mutated; redactions on the pipeline's working copy compose by chaining.
func (b *Body) Replace(replacements map[string]string) *Body {
	if !b.parsed || len(replacements) == 0 {
		return b
	}
	return &Body{
		raw:      b.raw,
		value:    applyReplacements(b.value, replacements),
		parsed:   true,
		modified: true,
	}
}

func applyReplacements(v interface{}, replacements map[string]string) interface{} {
	switch node := v.(type) {
	case string:
		s := node
		for from, to := range replacements {
			s = strings.ReplaceAll(s, from, to)
		}
		return s
	case map[string]interface{}:
		out := make(map[string]interface{}, len(node))
		for k, child := range node {
			out[k] = applyReplacements(child, replacements)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(node))
		for i, child := range node {
			out[i] = applyReplacements(child, replacements)
		}
		return out
	default:
		return v
	}
}

// StringLeaf is one textual leaf of the JSON tree.
type StringLeaf struct {
	// Value is the leaf's string content.
	Value string
	// Code is true when the leaf carries source code: either its parent
	// object declares "type":"code" or the text contains a fenced block.
	Code bool
}

// VisitStrings walks the JSON tree depth-first and calls fn for every
// string leaf. fn returning false stops the walk early. Returns false
// when the walk was stopped.
func (b *Body) VisitStrings(fn func(leaf StringLeaf) bool) bool {
	if !b.parsed {
		return true
	}
	return visitStrings(b.value, false, fn)
}

func visitStrings(v interface{}, code bool, fn func(leaf StringLeaf) bool) bool {
	switch node := v.(type) {
	case string:
		return fn(StringLeaf{Value: node, Code: code || strings.Contains(node, "```")})
	case map[string]interface{}:
		childCode := code
		if t, ok := node["type"].(string); ok && t == "code" {
			childCode = true
		}
		for _, child := range node {
			if !visitStrings(child, childCode, fn) {
				return false
			}
		}
	case []interface{}:
		for _, child := range node {
			if !visitStrings(child, code, fn) {
				return false
			}
		}
	}
	return true
}

// VisitArrays walks the JSON tree depth-first and calls fn with the length
// of every array node. fn returning false stops the walk early.
func (b *Body) VisitArrays(fn func(length int) bool) bool {
	if !b.parsed {
		return true
	}
	return visitArrays(b.value, fn)
}

func visitArrays(v interface{}, fn func(length int) bool) bool {
	switch node := v.(type) {
	case map[string]interface{}:
		for _, child := range node {
			if !visitArrays(child, fn) {
				return false
			}
		}
	case []interface{}:
		if !fn(len(node)) {
			return false
		}
		for _, child := range node {
			if !visitArrays(child, fn) {
				return false
			}
		}
	}
	return true
}
