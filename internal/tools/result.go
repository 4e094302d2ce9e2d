package tools

import (
	"encoding/json"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// Result is the unified return type from tool invocation. Exactly one of
// Data or Err is meaningful; errors never propagate past the registry.
type Result struct {
	Data interface{}
	Err  error
}

// IsError reports whether the invocation failed.
func (r *Result) IsError() bool { return r.Err != nil }

// ErrorCode returns the taxonomy code for a failed result, "" otherwise.
func (r *Result) ErrorCode() string {
	if r.Err == nil {
		return ""
	}
	return protocol.CodeOf(r.Err)
}

// JSON renders the result as the wire-level JSON text: the data payload on
// success, the {error, errorCode} body on failure.
func (r *Result) JSON() string {
	if r.Err != nil {
		return protocol.ErrorJSON(r.Err)
	}
	b, err := json.Marshal(r.Data)
	if err != nil {
		return protocol.ErrorJSON(protocol.WrapError(protocol.CodeInternalError, err))
	}
	return string(b)
}

// AsMap returns the data payload as a generic map when possible.
func (r *Result) AsMap() map[string]interface{} {
	if m, ok := r.Data.(map[string]interface{}); ok {
		return m
	}
	return nil
}
