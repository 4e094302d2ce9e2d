package agent

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// Recovery action kinds.
const (
	ActionRetry      = "retry"
	ActionInjectHint = "inject_hint"
	ActionAbort      = "abort"
)

// RecoveryAction is the loop's response to one error result.
type RecoveryAction struct {
	Kind    string
	DelayMs int    // retry only
	Message string // inject_hint only
	Reason  string // abort only
}

// llmTransientPattern matches transport-level failures worth retrying.
var llmTransientPattern = regexp.MustCompile(`(?i)(ECONNREFUSED|ECONNRESET|ETIMEDOUT|EAI_AGAIN|\b429\b|\b5\d\d\b|rate.?limit|overloaded)`)

// Recover decides how the loop reacts to a failed tool or LLM call.
func Recover(errorCode, errorMessage, toolName string, consecutiveErrors int) RecoveryAction {
	switch errorCode {
	case protocol.CodePageCrashed, protocol.CodeSessionNotFound:
		return RecoveryAction{Kind: ActionAbort, Reason: "unrecoverable browser state: " + errorCode}
	case protocol.CodeElementNotFound:
		return RecoveryAction{
			Kind:    ActionInjectHint,
			Message: "The element was not found. Call get_page_info to refresh the element list; ids change when the page changes.",
		}
	case protocol.CodeNavigationTimeout:
		if consecutiveErrors < 3 {
			return RecoveryAction{Kind: ActionRetry, DelayMs: BackoffMs(consecutiveErrors)}
		}
		return RecoveryAction{
			Kind:    ActionInjectHint,
			Message: "Navigation keeps timing out. Try a different URL, wait_for_stable with a longer timeout, or continue with the already loaded content.",
		}
	case protocol.CodeExecutionError:
		return RecoveryAction{
			Kind:    ActionInjectHint,
			Message: "The page script failed (" + clip(errorMessage, 120) + "). Check get_console_logs for diagnostics before retrying.",
		}
	case protocol.CodeInvalidParameter:
		return RecoveryAction{
			Kind:    ActionInjectHint,
			Message: "The arguments were rejected: " + clip(errorMessage, 160) + ". Correct them against the tool schema.",
		}
	}
	if llmTransientPattern.MatchString(errorMessage) {
		return RecoveryAction{Kind: ActionRetry, DelayMs: BackoffMs(consecutiveErrors)}
	}
	return RecoveryAction{Kind: ActionRetry, DelayMs: BackoffMs(consecutiveErrors)}
}

// BackoffMs is min(2000·2^(n-1), 16000) for the nth consecutive error.
func BackoffMs(consecutiveErrors int) int {
	if consecutiveErrors < 1 {
		consecutiveErrors = 1
	}
	ms := 2000
	for i := 1; i < consecutiveErrors; i++ {
		ms *= 2
		if ms >= 16000 {
			return 16000
		}
	}
	return ms
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…"
}
