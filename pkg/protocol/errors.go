package protocol

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers and keyed on by the recovery policy.
const (
	CodeInvalidParameter     = "INVALID_PARAMETER"
	CodeTemplateNotFound     = "TEMPLATE_NOT_FOUND"
	CodeRunNotFound          = "RUN_NOT_FOUND"
	CodeRunCanceled          = "RUN_CANCELED"
	CodeRunTimeout           = "RUN_TIMEOUT"
	CodeRunBackpressure      = "RUN_BACKPRESSURE"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodePageCrashed          = "PAGE_CRASHED"
	CodeNavigationTimeout    = "NAVIGATION_TIMEOUT"
	CodeElementNotFound      = "ELEMENT_NOT_FOUND"
	CodeExecutionError       = "EXECUTION_ERROR"
	CodeTrustLevelNotAllowed = "TRUST_LEVEL_NOT_ALLOWED"
	CodeLoginFieldNotFound   = "TPL_LOGIN_FIELD_NOT_FOUND"
	CodeInternalError        = "INTERNAL_ERROR"
)

// maxErrorMessageLen bounds messages attached to INTERNAL_ERROR envelopes.
const maxErrorMessageLen = 500

// CodedError carries a stable error code alongside a human-readable message.
type CodedError struct {
	Code    string
	Message string
	Err     error // wrapped cause, optional
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.Err }

// NewError creates a CodedError with a formatted message.
func NewError(code, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an existing error, preserving the cause chain.
func WrapError(code string, err error) *CodedError {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Message: err.Error(), Err: err}
}

// CodeOf extracts the error code from an error chain.
// Unknown errors map to INTERNAL_ERROR.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternalError
}

// MessageOf returns a caller-safe message for an error: coded errors pass
// through, anything else is truncated so internals never leak unbounded text.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Message
	}
	msg := err.Error()
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen] + "..."
	}
	return msg
}
