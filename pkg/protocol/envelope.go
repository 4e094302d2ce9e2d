package protocol

import "encoding/json"

// ProtocolVersion is bumped whenever the tool result envelope changes shape.
const ProtocolVersion = 1

// ToolError is the JSON body carried inside an isError content block.
type ToolError struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// ErrorJSON renders an error as the wire-level tool error payload.
func ErrorJSON(err error) string {
	b, _ := json.Marshal(ToolError{Error: MessageOf(err), ErrorCode: CodeOf(err)})
	return string(b)
}

// TrustLevel gates capability-sensitive templates (login) to local callers.
type TrustLevel string

const (
	TrustLocal  TrustLevel = "local"
	TrustRemote TrustLevel = "remote"
)

// RuntimeProfile is returned by the get_runtime_profile tool.
type RuntimeProfile struct {
	Version           string     `json:"version"`
	MaxConcurrentRuns int        `json:"maxConcurrentRuns"`
	TrustLevel        TrustLevel `json:"trustLevel"`
	SupportedModes    []string   `json:"supportedModes"`
}
