package enrich

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// defaultToolBudget bounds a tool result in characters when no per-tool
// budget is configured.
const defaultToolBudget = 8000

// perToolBudgets adjusts budgets for tools with characteristically large or
// small outputs.
var perToolBudgets = map[string]int{
	"get_page_content":   12000,
	"get_page_info":      10000,
	"get_network_logs":   4000,
	"get_console_logs":   4000,
	"get_task_run":       3000,
	"list_task_runs":     3000,
	"list_task_templates": 3000,
	"screenshot":         1000,
}

// Formatter renders envelopes to bounded JSON text for the conversation.
type Formatter struct {
	Budgets map[string]int
	Default int
}

func NewFormatter() *Formatter {
	return &Formatter{Budgets: perToolBudgets, Default: defaultToolBudget}
}

// Budget returns the character budget for a tool.
func (f *Formatter) Budget(toolName string) int {
	if b, ok := f.Budgets[toolName]; ok && b > 0 {
		return b
	}
	if f.Default > 0 {
		return f.Default
	}
	return defaultToolBudget
}

// Format marshals the envelope and enforces the tool's budget. Oversized
// payloads are reduced in stages: long string fields are clipped first so the
// JSON stays parseable, then the whole text is hard cut with a marker.
func (f *Formatter) Format(toolName string, envelope map[string]interface{}) string {
	budget := f.Budget(toolName)

	text := marshal(envelope)
	if len(text) <= budget {
		return text
	}

	clipped := clipStrings(envelope, budget/8)
	text = marshal(clipped)
	if len(text) <= budget {
		return text
	}

	marker := fmt.Sprintf("…[truncated %d chars]", len(text)-budget)
	cut := budget - len(marker)
	if cut < 0 {
		cut = 0
	}
	cut = runeBoundary(text, cut)
	return text[:cut] + marker
}

// runeBoundary backs cut off to the start of a rune so a multi-byte
// character is never split.
func runeBoundary(s string, cut int) int {
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return cut
}

func marshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// clipStrings returns a deep copy with every string longer than max clipped.
func clipStrings(v interface{}, max int) interface{} {
	if max < 64 {
		max = 64
	}
	switch t := v.(type) {
	case string:
		if len(t) > max {
			cut := runeBoundary(t, max)
			return t[:cut] + fmt.Sprintf("…[+%d chars]", len(t)-cut)
		}
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = clipStrings(e, max)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = clipStrings(e, max)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = clipStrings(e, max)
		}
		return out
	}
	return v
}
