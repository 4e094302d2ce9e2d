// Package enrich transforms raw tool output into the standard envelope the
// agent loop feeds back to the model: a short summary, structured markdown,
// hints, normalized next actions, and per-tool change deltas.
package enrich

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// SchemaVersion marks the envelope layout.
const SchemaVersion = 1

const summaryMaxChars = 200

// Detail levels.
const (
	DetailBrief  = "brief"
	DetailNormal = "normal"
	DetailFull   = "full"
)

// Config tunes the enricher.
type Config struct {
	DetailLevel string // default detail level; "normal" when empty
	Adaptive    bool   // enable run-state sensitive detail switching
}

// NextAction is one normalized follow-up suggestion.
type NextAction struct {
	Tool     string                 `json:"tool"`
	Args     map[string]interface{} `json:"args,omitempty"`
	Priority string                 `json:"priority"`
	Reason   string                 `json:"reason"`
}

// Enricher is safe for concurrent use. It keeps a small keyed memory of the
// previous envelope per tool target so repeated calls report deltas.
type Enricher struct {
	cfg Config

	mu   sync.Mutex
	last map[string]map[string]interface{}
}

func New(cfg Config) *Enricher {
	if cfg.DetailLevel == "" {
		cfg.DetailLevel = DetailNormal
	}
	return &Enricher{cfg: cfg, last: make(map[string]map[string]interface{})}
}

// Enrich wraps a raw tool payload. A payload that already carries a
// well-formed envelope passes through with only its deltaSummary refreshed.
func (e *Enricher) Enrich(toolName string, args, payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(payload)+8)
	for k, v := range payload {
		out[k] = v
	}

	key := deltaKey(toolName, args)

	if hasEnvelope(payload) {
		out["deltaSummary"] = e.delta(key, out)
		return out
	}

	level, policy := e.detailLevel(toolName, payload)
	out["aiSchemaVersion"] = SchemaVersion
	out["aiDetailLevel"] = level
	out["aiSummary"] = summarize(toolName, payload)
	out["aiMarkdown"] = renderMarkdown(toolName, payload, level)
	if hints := buildHints(payload); len(hints) > 0 {
		out["aiHints"] = hints
	}
	if actions := NormalizeNextActions(continuations(toolName, args, payload)); len(actions) > 0 {
		out["nextActions"] = actions
	}
	if policy != nil {
		out["aiDetailPolicy"] = policy
	}
	if guidance := repairGuidance(payload); guidance != nil {
		out["schemaRepairGuidance"] = guidance
	}
	out["deltaSummary"] = e.delta(key, out)
	return out
}

func hasEnvelope(payload map[string]interface{}) bool {
	_, hasVersion := payload["aiSchemaVersion"]
	_, hasSummary := payload["aiSummary"]
	return hasVersion && hasSummary
}

// detailLevel resolves the effective detail level. An explicit aiDetailLevel
// in the raw payload wins; adaptive mode then downgrades polling results for
// runs that are still going and upgrades failure terminals.
func (e *Enricher) detailLevel(toolName string, payload map[string]interface{}) (string, map[string]interface{}) {
	if explicit, ok := payload["aiDetailLevel"].(string); ok && explicit != "" {
		return explicit, nil
	}
	if e.cfg.Adaptive {
		status, _ := payload["status"].(string)
		if toolName == "get_task_run" {
			switch status {
			case "queued", "running":
				return DetailBrief, map[string]interface{}{
					"mode": DetailBrief, "reason": "run still in progress", "source": "adaptive",
				}
			case "failed", "canceled":
				return DetailFull, map[string]interface{}{
					"mode": DetailFull, "reason": "run ended in failure", "source": "adaptive",
				}
			}
		}
	}
	return e.cfg.DetailLevel, nil
}

func summarize(toolName string, payload map[string]interface{}) string {
	var s string
	switch {
	case payload["error"] != nil:
		code, _ := payload["errorCode"].(string)
		if code == "" {
			code = "error"
		}
		s = fmt.Sprintf("%s failed (%s): %v", toolName, code, payload["error"])
	case payload["summary"] != nil:
		if sum, ok := payload["summary"].(map[string]interface{}); ok {
			s = fmt.Sprintf("%s: %v/%v succeeded, %v failed", toolName, sum["succeeded"], sum["total"], sum["failed"])
		}
	case payload["title"] != nil && payload["url"] != nil:
		s = fmt.Sprintf("%s: %v (%v)", toolName, payload["title"], payload["url"])
	case payload["status"] != nil:
		s = fmt.Sprintf("%s: run %v is %v", toolName, payload["id"], payload["status"])
	}
	if s == "" {
		keys := sortedKeys(payload)
		s = fmt.Sprintf("%s returned %d fields: %s", toolName, len(keys), strings.Join(keys, ", "))
	}
	return truncateRunes(s, summaryMaxChars)
}

// renderMarkdown produces the structured section. Brief strips tables and
// element lists down to the summary line.
func renderMarkdown(toolName string, payload map[string]interface{}, level string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", toolName)

	if level == DetailBrief {
		b.WriteString(summarize(toolName, payload))
		b.WriteString("\n")
		return b.String()
	}

	scalarKeys := []string{}
	for _, k := range sortedKeys(payload) {
		switch payload[k].(type) {
		case string, float64, int, bool, nil:
			scalarKeys = append(scalarKeys, k)
		}
	}
	if len(scalarKeys) > 0 {
		b.WriteString("| field | value |\n|---|---|\n")
		for _, k := range scalarKeys {
			fmt.Fprintf(&b, "| %s | %s |\n", k, truncateRunes(fmt.Sprintf("%v", payload[k]), 120))
		}
	}

	if results, ok := payload["results"].([]map[string]interface{}); ok {
		fmt.Fprintf(&b, "\n### results (%d)\n", len(results))
		for _, r := range results {
			fmt.Fprintf(&b, "- %v: success=%v\n", r["url"], r["success"])
		}
	}
	if level == DetailFull {
		if raw, err := json.MarshalIndent(payload, "", "  "); err == nil {
			b.WriteString("\n```json\n")
			b.Write(raw)
			b.WriteString("\n```\n")
		}
	}
	return b.String()
}

func buildHints(payload map[string]interface{}) []string {
	var hints []string
	if payload["error"] != nil {
		hints = append(hints, "The call failed; inspect the error before retrying the same arguments.")
	}
	if hasMore, _ := payload["hasMore"].(bool); hasMore {
		hints = append(hints, "More entries are available; pass the returned cursor to continue.")
	}
	return hints
}

// continuations derives typical follow-up actions from the payload.
func continuations(toolName string, args, payload map[string]interface{}) []NextAction {
	var actions []NextAction
	if hasMore, _ := payload["hasMore"].(bool); hasMore {
		next := map[string]interface{}{}
		for k, v := range args {
			next[k] = v
		}
		if cursor, ok := payload["cursor"]; ok {
			next["cursor"] = cursor
		}
		actions = append(actions, NextAction{
			Tool: toolName, Args: next, Priority: "medium",
			Reason: "Fetch the remaining entries",
		})
	}
	if status, _ := payload["status"].(string); status == "queued" || status == "running" {
		if id, ok := payload["id"].(string); ok {
			actions = append(actions, NextAction{
				Tool: "get_task_run", Args: map[string]interface{}{"runId": id},
				Priority: "high", Reason: "Poll the run until it reaches a terminal status",
			})
		}
	}
	return actions
}

// NormalizeNextActions enforces the envelope's shape rules: a reason ending
// in sentence punctuation, a valid priority, and no (tool, args) duplicates.
func NormalizeNextActions(actions []NextAction) []NextAction {
	seen := map[string]bool{}
	out := make([]NextAction, 0, len(actions))
	for _, a := range actions {
		if a.Tool == "" {
			continue
		}
		switch a.Priority {
		case "high", "medium", "low":
		default:
			a.Priority = "medium"
		}
		a.Reason = strings.TrimSpace(a.Reason)
		if a.Reason == "" {
			a.Reason = "Suggested follow-up."
		}
		if !strings.ContainsAny(a.Reason[len(a.Reason)-1:], ".!?") {
			a.Reason += "."
		}
		argsJSON, _ := json.Marshal(a.Args)
		key := a.Tool + string(argsJSON)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}

// repairGuidance maps a failing verification record to recommended checks.
func repairGuidance(payload map[string]interface{}) map[string]interface{} {
	verification, ok := payload["verification"].(map[string]interface{})
	if !ok {
		return nil
	}
	if pass, _ := verification["pass"].(bool); pass {
		return nil
	}

	missing := toStringSlice(verification["missingFields"])
	mismatches := toStringSlice(verification["typeMismatches"])

	checks := []string{}
	for _, f := range missing {
		if structuralField(f) {
			checks = append(checks, "get_page_info for "+f)
		} else {
			checks = append(checks, "get_page_content for "+f)
		}
	}
	return map[string]interface{}{
		"missing":           missing,
		"typeMismatches":    mismatches,
		"recommendedChecks": checks,
	}
}

func structuralField(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "element") || strings.Contains(n, "heading") ||
		strings.Contains(n, "link") || strings.Contains(n, "structure")
}

// delta compares the envelope against the previous one for the same key and
// reports semantic changes. First sighting reports "initial snapshot".
func (e *Enricher) delta(key string, envelope map[string]interface{}) map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, seen := e.last[key]
	snapshot := make(map[string]interface{}, len(envelope))
	for k, v := range envelope {
		snapshot[k] = v
	}
	e.last[key] = snapshot

	if !seen {
		return map[string]interface{}{"key": key, "changes": []string{"initial snapshot"}}
	}

	changes := []string{}
	if ps, ok := prev["status"].(string); ok {
		if ns, ok := envelope["status"].(string); ok && ns != ps {
			changes = append(changes, fmt.Sprintf("status changed %s→%s", ps, ns))
		}
	}
	if pp, ok := progressDone(prev); ok {
		if np, ok := progressDone(envelope); ok && np > pp {
			changes = append(changes, fmt.Sprintf("progress advanced %d→%d", pp, np))
		}
	}
	if pa := countOf(prev["artifactIds"]); countOf(envelope["artifactIds"]) > pa {
		changes = append(changes, fmt.Sprintf("new artifacts (+%d)", countOf(envelope["artifactIds"])-pa))
	}
	if pc, _ := prev["errorCode"].(string); pc == "" {
		if nc, _ := envelope["errorCode"].(string); nc != "" {
			changes = append(changes, "new error class "+nc)
		}
	}
	if len(changes) == 0 {
		changes = append(changes, "no change")
	}
	return map[string]interface{}{"key": key, "changes": changes}
}

func progressDone(m map[string]interface{}) (int, bool) {
	progress, ok := m["progress"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch v := progress["doneSteps"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func countOf(v interface{}) int {
	switch s := v.(type) {
	case []interface{}:
		return len(s)
	case []string:
		return len(s)
	}
	return 0
}

// deltaKey identifies the tool target: the tool name plus its most
// distinguishing argument.
func deltaKey(toolName string, args map[string]interface{}) string {
	for _, k := range []string{"runId", "sessionId", "url", "artifactId"} {
		if v, ok := args[k].(string); ok && v != "" {
			return toolName + ":" + v
		}
	}
	return toolName
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toStringSlice(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
