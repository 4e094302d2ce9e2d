// Package planner maps task specs to executable plans, verifies task output
// against the declared schema, and builds repair plans for failed
// verifications.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/webpilot/internal/providers"
)

// Plan sources recorded on the plan_created event.
const (
	SourceRules       = "rules"
	SourceLLMFallback = "llm_fallback"
	SourceRepair      = "repair"
)

// Step kinds.
const (
	StepTemplate  = "template"
	StepAgentGoal = "agent_goal"
)

// TaskSpec is the immutable task request.
type TaskSpec struct {
	Goal        string                 `json:"goal"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Constraints Constraints            `json:"constraints,omitempty"`
	Budget      Budget                 `json:"budget,omitempty"`
	Output      *OutputSchema          `json:"outputSchema,omitempty"`
}

// Constraints bound a single run.
type Constraints struct {
	MaxDurationMs int64 `json:"maxDurationMs,omitempty"`
	MaxSteps      int   `json:"maxSteps,omitempty"`
}

// Budget bounds the whole task across repair attempts.
type Budget struct {
	MaxRetries   int `json:"maxRetries,omitempty"`
	MaxToolCalls int `json:"maxToolCalls,omitempty"`
}

// OutputSchema is the structural expectation on the task result: required
// top-level fields and their primitive types.
type OutputSchema struct {
	Required []string          `json:"required,omitempty"`
	Types    map[string]string `json:"types,omitempty"` // string|number|boolean|array|object
}

// Step is one plan step: either a template invocation or a free agent goal.
type Step struct {
	ID         string                 `json:"id"`
	Kind       string                 `json:"kind"`
	TemplateID string                 `json:"templateId,omitempty"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	Goal       string                 `json:"goal,omitempty"`
	Hints      []string               `json:"hints,omitempty"`
}

// Plan is what the orchestrator executes.
type Plan struct {
	Steps  []Step `json:"steps"`
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Planner decides plans. The fallback provider is optional; without it the
// deterministic rules are all there is.
type Planner struct {
	fallback      providers.Provider
	fallbackModel string
}

// Option configures a Planner.
type Option func(*Planner)

// WithLLMFallback enables the classifier consulted when the rules miss.
func WithLLMFallback(p providers.Provider, model string) Option {
	return func(pl *Planner) {
		pl.fallback = p
		pl.fallbackModel = model
	}
}

func New(opts ...Option) *Planner {
	p := &Planner{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// batch phrasing lexicon; matched case-insensitively against the goal.
var batchKeywords = []string{
	"batch", "each page", "each url", "every page", "every url", "all pages",
	"all urls", "these pages", "these urls", "from each", "per page",
	"批量", "每个页面", "每个链接", "所有页面", "逐个",
}

// compare phrasing lexicon.
var compareKeywords = []string{
	"compare", "comparison", "difference", "differences", "diff", " vs ",
	"versus", "side by side", "对比", "比较", "区别", "差异",
}

// Plan maps a task spec to a plan. Rules are deterministic: the same spec
// always yields the same plan. The LLM fallback is consulted only when the
// rules land on the generic agent goal.
func (p *Planner) Plan(ctx context.Context, spec TaskSpec) *Plan {
	urls := specURLs(spec)
	goal := strings.ToLower(spec.Goal)

	if len(urls) >= 1 && containsAny(goal, batchKeywords) {
		return &Plan{
			Source: SourceRules,
			Reason: "batch phrasing with url inputs",
			Steps: []Step{{
				ID:         "s1",
				Kind:       StepTemplate,
				TemplateID: "batch_extract_pages",
				Inputs:     batchInputs(spec, urls),
			}},
		}
	}

	if len(urls) >= 2 && containsAny(goal, compareKeywords) {
		return &Plan{
			Source: SourceRules,
			Reason: "compare phrasing with multiple urls",
			Steps: []Step{{
				ID:         "s1",
				Kind:       StepTemplate,
				TemplateID: "multi_tab_compare",
				Inputs:     compareInputs(spec, urls),
			}},
		}
	}

	if p.fallback != nil {
		if plan := p.classify(ctx, spec, urls); plan != nil {
			return plan
		}
	}

	return &Plan{
		Source: SourceRules,
		Reason: "no template rule matched",
		Steps:  []Step{agentStep("s1", spec, nil)},
	}
}

func agentStep(id string, spec TaskSpec, hints []string) Step {
	return Step{ID: id, Kind: StepAgentGoal, Goal: spec.Goal, Hints: hints, Inputs: spec.Inputs}
}

func batchInputs(spec TaskSpec, urls []string) map[string]interface{} {
	inputs := map[string]interface{}{
		"urls":    urls,
		"extract": map[string]interface{}{"pageInfo": true, "content": true},
	}
	if c, ok := spec.Inputs["concurrency"]; ok {
		inputs["concurrency"] = c
	}
	if e, ok := spec.Inputs["extract"]; ok {
		inputs["extract"] = e
	}
	return inputs
}

func compareInputs(spec TaskSpec, urls []string) map[string]interface{} {
	inputs := map[string]interface{}{"urls": urls}
	if e, ok := spec.Inputs["extract"]; ok {
		inputs["extract"] = e
	}
	if c, ok := spec.Inputs["compare"]; ok {
		inputs["compare"] = c
	}
	return inputs
}

// classify asks the fallback model to pick a template. Any failure falls
// back to the agent goal silently; the classifier is best effort.
func (p *Planner) classify(ctx context.Context, spec TaskSpec, urls []string) *Plan {
	prompt := fmt.Sprintf(
		"Classify this browser task. Reply with exactly one word out of: batch_extract_pages, multi_tab_compare, agent_goal.\nGoal: %s\nURL count: %d",
		spec.Goal, len(urls))
	resp, err := p.fallback.Chat(ctx, providers.ChatRequest{
		Model:    p.fallbackModel,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Options:  map[string]interface{}{providers.OptMaxTokens: 8, providers.OptTemperature: 0.0},
	})
	if err != nil {
		slog.Warn("planner.fallback_failed", "error", err)
		return nil
	}
	choice := strings.TrimSpace(strings.ToLower(resp.Content))
	switch {
	case choice == "batch_extract_pages" && len(urls) >= 1:
		return &Plan{
			Source: SourceLLMFallback,
			Reason: "classifier chose batch_extract_pages",
			Steps: []Step{{
				ID: "s1", Kind: StepTemplate,
				TemplateID: "batch_extract_pages",
				Inputs:     batchInputs(spec, urls),
			}},
		}
	case choice == "multi_tab_compare" && len(urls) >= 2:
		return &Plan{
			Source: SourceLLMFallback,
			Reason: "classifier chose multi_tab_compare",
			Steps: []Step{{
				ID: "s1", Kind: StepTemplate,
				TemplateID: "multi_tab_compare",
				Inputs:     compareInputs(spec, urls),
			}},
		}
	case choice == "agent_goal":
		return &Plan{
			Source: SourceLLMFallback,
			Reason: "classifier chose agent_goal",
			Steps:  []Step{agentStep("s1", spec, nil)},
		}
	}
	slog.Warn("planner.fallback_unusable", "choice", choice)
	return nil
}

// Repair builds a follow-up plan that targets the verification gaps.
func Repair(spec TaskSpec, v Verification, attempt int) *Plan {
	var wants []string
	wants = append(wants, v.MissingFields...)
	for _, m := range v.TypeMismatches {
		wants = append(wants, m)
	}
	goal := fmt.Sprintf(
		"The previous attempt at %q returned an incomplete result. Produce the missing or malformed fields (%s) and return them together with the fields already gathered.",
		spec.Goal, strings.Join(wants, ", "))
	return &Plan{
		Source: SourceRepair,
		Reason: fmt.Sprintf("verification failed, repair attempt %d", attempt),
		Steps: []Step{{
			ID:    fmt.Sprintf("r%d", attempt),
			Kind:  StepAgentGoal,
			Goal:  goal,
			Hints: v.RepairHints,
		}},
	}
}

func specURLs(spec TaskSpec) []string {
	raw, ok := spec.Inputs["urls"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containsAny(goal string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(goal, kw) {
			return true
		}
	}
	return false
}

// Fingerprint is a stable digest of a plan, used in tests and event payloads
// to compare plans for equality.
func (p *Plan) Fingerprint() string {
	raw, _ := json.Marshal(p)
	return string(raw)
}
