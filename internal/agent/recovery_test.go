package agent

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

func TestRecoverPolicyTable(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		message     string
		consecutive int
		wantKind    string
		wantHint    string
	}{
		{"page crash aborts", protocol.CodePageCrashed, "target crashed", 1, ActionAbort, ""},
		{"lost session aborts", protocol.CodeSessionNotFound, "session s1 not found", 1, ActionAbort, ""},
		{"missing element hints a refresh", protocol.CodeElementNotFound, "el-9 not found", 1, ActionInjectHint, "get_page_info"},
		{"nav timeout retries early", protocol.CodeNavigationTimeout, "deadline exceeded", 1, ActionRetry, ""},
		{"nav timeout retries twice", protocol.CodeNavigationTimeout, "deadline exceeded", 2, ActionRetry, ""},
		{"nav timeout gives up at three", protocol.CodeNavigationTimeout, "deadline exceeded", 3, ActionInjectHint, "wait_for_stable"},
		{"script failure hints diagnostics", protocol.CodeExecutionError, "ReferenceError: x", 1, ActionInjectHint, "get_console_logs"},
		{"bad args hint a correction", protocol.CodeInvalidParameter, "url is required", 1, ActionInjectHint, "url is required"},
		{"llm refused connection retries", "", "connect ECONNREFUSED 127.0.0.1:8080", 1, ActionRetry, ""},
		{"llm rate limit retries", "", "unexpected status 429 Too Many Requests", 1, ActionRetry, ""},
		{"llm server error retries", "", "upstream returned 503", 1, ActionRetry, ""},
		{"unknown defaults to retry", "SOMETHING_ELSE", "mystery", 1, ActionRetry, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Recover(tt.code, tt.message, "click", tt.consecutive)
			if got.Kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s", got.Kind, tt.wantKind)
			}
			if tt.wantHint != "" && !strings.Contains(got.Message, tt.wantHint) {
				t.Fatalf("hint %q does not mention %q", got.Message, tt.wantHint)
			}
			if got.Kind == ActionRetry && got.DelayMs != BackoffMs(tt.consecutive) {
				t.Fatalf("delay = %d, want %d", got.DelayMs, BackoffMs(tt.consecutive))
			}
		})
	}
}

func TestBackoffMs(t *testing.T) {
	want := map[int]int{0: 2000, 1: 2000, 2: 4000, 3: 8000, 4: 16000, 5: 16000, 10: 16000}
	for n, ms := range want {
		if got := BackoffMs(n); got != ms {
			t.Errorf("BackoffMs(%d) = %d, want %d", n, got, ms)
		}
	}
}
