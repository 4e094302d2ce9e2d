package agent

import (
	"encoding/json"
)

// Detection types, in evaluation order.
const (
	DetectFutileRetry   = "futile_retry"
	DetectExactRepeat   = "exact_repeat"
	DetectOscillation   = "oscillation"
	DetectProgressStall = "progress_stall"
)

// hintTemplates keyed by detection type; the loop injects them verbatim.
var hintTemplates = map[string]string{
	DetectFutileRetry:   "The last two identical calls both failed. Do not repeat the same call; inspect the page state with get_page_info and adjust the arguments.",
	DetectExactRepeat:   "The same call was issued three times in a row. The result will not change; take a different action.",
	DetectOscillation:   "The recent calls alternate between two operations without progress. Step back, re-observe the page, and choose a new approach.",
	DetectProgressStall: "The last five calls only observed the page without acting. Navigate, click, or extract to make progress toward the goal.",
}

// observationTools and actionTools partition the catalog for stall detection.
var observationTools = map[string]bool{
	"get_page_info":    true,
	"get_page_content": true,
	"find_element":     true,
	"screenshot":       true,
}

var actionTools = map[string]bool{
	"navigate": true,
	"click":    true,
	"go_back":  true,
}

// Detection is one tracker hit.
type Detection struct {
	Type string
	Hint string
}

type trackedCall struct {
	name    string
	argsKey string
	failed  bool
}

// Tracker watches the tool-call history of one run for unproductive
// patterns. Not safe for concurrent use; a run's tool calls are sequential.
type Tracker struct {
	calls []trackedCall

	consecutiveErrors int
}

const trackerWindow = 16

func NewTracker() *Tracker { return &Tracker{} }

// Record notes one completed tool call.
func (t *Tracker) Record(name string, args map[string]interface{}, failed bool) {
	argsJSON, _ := json.Marshal(args)
	t.calls = append(t.calls, trackedCall{name: name, argsKey: name + ":" + string(argsJSON), failed: failed})
	if len(t.calls) > trackerWindow {
		t.calls = t.calls[len(t.calls)-trackerWindow:]
	}
	if failed {
		t.consecutiveErrors++
	} else {
		t.consecutiveErrors = 0
	}
}

// ConsecutiveErrors returns the current failure streak length.
func (t *Tracker) ConsecutiveErrors() int { return t.consecutiveErrors }

// DetectAny evaluates the detectors in order and returns the first hit.
func (t *Tracker) DetectAny() (Detection, bool) {
	switch {
	case t.futileRetry():
		return Detection{Type: DetectFutileRetry, Hint: hintTemplates[DetectFutileRetry]}, true
	case t.exactRepeat():
		return Detection{Type: DetectExactRepeat, Hint: hintTemplates[DetectExactRepeat]}, true
	case t.oscillation():
		return Detection{Type: DetectOscillation, Hint: hintTemplates[DetectOscillation]}, true
	case t.progressStall():
		return Detection{Type: DetectProgressStall, Hint: hintTemplates[DetectProgressStall]}, true
	}
	return Detection{}, false
}

// futileRetry: last 2 calls identical and both failed.
func (t *Tracker) futileRetry() bool {
	n := len(t.calls)
	if n < 2 {
		return false
	}
	a, b := t.calls[n-2], t.calls[n-1]
	return a.argsKey == b.argsKey && a.failed && b.failed
}

// exactRepeat: last 3 calls identical.
func (t *Tracker) exactRepeat() bool {
	n := len(t.calls)
	if n < 3 {
		return false
	}
	return t.calls[n-1].argsKey == t.calls[n-2].argsKey &&
		t.calls[n-2].argsKey == t.calls[n-3].argsKey
}

// oscillation: last 6 calls form A-B-A-B-A-B with A≠B.
func (t *Tracker) oscillation() bool {
	n := len(t.calls)
	if n < 6 {
		return false
	}
	w := t.calls[n-6:]
	a, b := w[0].argsKey, w[1].argsKey
	if a == b {
		return false
	}
	for i := 2; i < 6; i++ {
		want := a
		if i%2 == 1 {
			want = b
		}
		if w[i].argsKey != want {
			return false
		}
	}
	return true
}

// progressStall: last 5 calls all observational, none in the action subset.
func (t *Tracker) progressStall() bool {
	n := len(t.calls)
	if n < 5 {
		return false
	}
	for _, c := range t.calls[n-5:] {
		if !observationTools[c.name] || actionTools[c.name] {
			return false
		}
	}
	return true
}
