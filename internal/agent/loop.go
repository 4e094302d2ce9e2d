// Package agent implements the iterative reason-act loop driving a browser
// goal through an LLM, with conversation compression, usage tracking, and an
// error recovery policy.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/webpilot/internal/enrich"
	"github.com/nextlevelbuilder/webpilot/internal/providers"
	"github.com/nextlevelbuilder/webpilot/internal/runs"
	"github.com/nextlevelbuilder/webpilot/internal/tools"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// doneToolName is the virtual tool the model calls to finish the goal.
const doneToolName = "done"

// tokenPollInterval bounds how long any wait goes without a cancel check.
const tokenPollInterval = 250 * time.Millisecond

const systemPrompt = `You are a web automation agent. You control a browser through the provided tools.
Work step by step toward the user's goal: observe the page, act, verify the effect.
Element ids come from get_page_info and find_element; they are invalidated by navigation.
When the goal is reached (or cannot be reached), call the done tool with your result.`

// Event is emitted during loop execution for streaming to watchers.
type Event struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Config bounds one loop run.
type Config struct {
	Model                string
	MaxIterations        int
	MaxConsecutiveErrors int
	MaxToolCalls         int
	MaxDurationMs        int64
	Conversation         ConversationConfig
}

func (c *Config) defaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 20
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 3
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = 60
	}
	c.Conversation.defaults()
}

// Loop executes agent goals. One Loop serves many runs; per-run state lives
// in Run locals.
type Loop struct {
	provider  providers.Provider
	tools     *tools.Registry
	enricher  *enrich.Enricher
	formatter *enrich.Formatter
	cfg       Config
	limiter   *rate.Limiter
	tracer    trace.Tracer
	onEvent   func(Event)

	// sleepFn is swapped in tests to avoid real backoff waits.
	sleepFn func(ctx context.Context, token *runs.CancelToken, d time.Duration) error
}

// LoopConfig wires a Loop.
type LoopConfig struct {
	Provider  providers.Provider
	Tools     *tools.Registry
	Enricher  *enrich.Enricher
	Formatter *enrich.Formatter
	Config    Config

	// Limiter paces LLM calls; nil means unpaced.
	Limiter *rate.Limiter
	// Tracer records per-iteration and per-tool spans; nil disables tracing.
	Tracer  trace.Tracer
	OnEvent func(Event)
}

func NewLoop(cfg LoopConfig) *Loop {
	cfg.Config.defaults()
	if cfg.Enricher == nil {
		cfg.Enricher = enrich.New(enrich.Config{})
	}
	if cfg.Formatter == nil {
		cfg.Formatter = enrich.NewFormatter()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("agent")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Loop{
		provider:  cfg.Provider,
		tools:     cfg.Tools,
		enricher:  cfg.Enricher,
		formatter: cfg.Formatter,
		cfg:       cfg.Config,
		limiter:   cfg.Limiter,
		tracer:    cfg.Tracer,
		onEvent:   cfg.OnEvent,
		sleepFn:   sleepWithToken,
	}
}

// Run drives one goal to completion. knowledge, when non-empty, is appended
// to the system prompt as site-specific guidance.
func (l *Loop) Run(ctx context.Context, token *runs.CancelToken, goal, knowledge string, onProgress func(done, total int)) (map[string]interface{}, error) {
	ctx, span := l.tracer.Start(ctx, "agent.run", trace.WithAttributes(attribute.String("agent.goal", clip(goal, 200))))
	defer span.End()

	system := systemPrompt
	if knowledge != "" {
		system += "\n\n" + knowledge
	}
	conv := NewConversation(system, []providers.Message{{Role: "user", Content: goal}}, l.cfg.Conversation)
	tracker := NewTracker()
	defs := l.toolDefs()

	start := time.Now()
	toolCalls := 0
	llmErrors := 0
	lastTool := ""

	for iteration := 1; iteration <= l.cfg.MaxIterations; {
		if err := token.Err(); err != nil {
			return nil, err
		}
		if l.cfg.MaxDurationMs > 0 && time.Since(start).Milliseconds() > l.cfg.MaxDurationMs {
			return nil, protocol.NewError(protocol.CodeExecutionError, "agent exceeded maxDurationMs=%d", l.cfg.MaxDurationMs)
		}

		conv.Compress()
		l.reportProgress(onProgress, iteration, lastTool)

		resp, err := l.chat(ctx, token, conv.Messages(), defs)
		if err != nil {
			llmErrors++
			if llmErrors > l.cfg.MaxConsecutiveErrors {
				return nil, protocol.WrapError(protocol.CodeExecutionError, err)
			}
			action := Recover("", err.Error(), "", llmErrors)
			if action.Kind == ActionRetry {
				if werr := l.sleepFn(ctx, token, time.Duration(action.DelayMs)*time.Millisecond); werr != nil {
					return nil, werr
				}
			}
			// a retried provider failure does not consume the reasoning budget
			continue
		}
		llmErrors = 0
		iteration++

		conv.Push(providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		if len(resp.ToolCalls) == 0 {
			l.emit(Event{Type: protocol.EventDone})
			return map[string]interface{}{"success": true, "message": resp.Content}, nil
		}

		var hints []string
		for _, call := range resp.ToolCalls {
			if err := token.Err(); err != nil {
				return nil, err
			}

			if call.Name == doneToolName {
				l.emit(Event{Type: protocol.EventDone, Payload: call.Arguments})
				return doneResult(call.Arguments), nil
			}

			// polling a run must never exhaust the budget
			if call.Name != "get_task_run" {
				toolCalls++
				if toolCalls > l.cfg.MaxToolCalls {
					return nil, protocol.NewError(protocol.CodeExecutionError, "agent exceeded maxToolCalls=%d", l.cfg.MaxToolCalls)
				}
			}
			lastTool = call.Name

			l.emit(Event{Type: protocol.EventToolCall, Payload: map[string]interface{}{"tool": call.Name, "args": call.Arguments}})

			toolCtx, toolSpan := l.tracer.Start(ctx, "agent.tool", trace.WithAttributes(attribute.String("tool.name", call.Name)))
			result := l.tools.Invoke(toolCtx, call.Name, call.Arguments)
			toolSpan.End()

			payload := resultPayload(result)
			envelope := l.enricher.Enrich(call.Name, call.Arguments, payload)
			text := l.formatter.Format(call.Name, envelope)
			conv.Push(providers.Message{Role: "tool", Content: text, ToolCallID: call.ID})
			tracker.Record(call.Name, call.Arguments, result.IsError())

			l.emit(Event{Type: protocol.EventToolResult, Payload: map[string]interface{}{
				"tool": call.Name, "isError": result.IsError(), "errorCode": result.ErrorCode(),
			}})

			if result.IsError() {
				action := Recover(result.ErrorCode(), protocol.MessageOf(result.Err), call.Name, tracker.ConsecutiveErrors())
				switch action.Kind {
				case ActionAbort:
					return nil, protocol.NewError(result.ErrorCode(), "%s", action.Reason)
				case ActionInjectHint:
					// pushed after the loop: a user message between an
					// assistant's tool results would split the group
					hints = append(hints, action.Message)
				case ActionRetry:
					if werr := l.sleepFn(ctx, token, time.Duration(action.DelayMs)*time.Millisecond); werr != nil {
						return nil, werr
					}
				}
				if tracker.ConsecutiveErrors() >= l.cfg.MaxConsecutiveErrors {
					return nil, protocol.NewError(result.ErrorCode(), "agent aborted after %d consecutive tool errors", tracker.ConsecutiveErrors())
				}
			}
		}

		for _, hint := range hints {
			conv.Push(providers.Message{Role: "user", Content: hint})
		}

		if detection, ok := tracker.DetectAny(); ok {
			slog.Debug("agent.pattern_detected", "type", detection.Type)
			conv.Push(providers.Message{Role: "user", Content: detection.Hint})
		}
	}

	return nil, protocol.NewError(protocol.CodeExecutionError, "agent exceeded maxIterations=%d", l.cfg.MaxIterations)
}

// chat invokes the model under the rate limiter.
func (l *Loop) chat(ctx context.Context, token *runs.CancelToken, msgs []providers.Message, defs []providers.ToolDefinition) (*providers.ChatResponse, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := token.Err(); err != nil {
		return nil, err
	}
	return l.provider.Chat(ctx, providers.ChatRequest{
		Messages: msgs,
		Tools:    defs,
		Model:    l.cfg.Model,
	})
}

// toolDefs converts the registry catalog plus the virtual done tool.
func (l *Loop) toolDefs() []providers.ToolDefinition {
	list := l.tools.List()
	defs := make([]providers.ToolDefinition, 0, len(list)+1)
	for _, t := range list {
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	defs = append(defs, providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        doneToolName,
			Description: "Finish the goal and report the outcome.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"success": map[string]interface{}{"type": "boolean"},
					"result":  map[string]interface{}{"type": "object"},
					"message": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"success"},
			},
		},
	})
	return defs
}

// phase weights for progress reporting; percent is capped below 100 until
// the loop actually finishes.
var phaseWeights = map[string]int{
	"navigating": 20,
	"observing":  40,
	"acting":     60,
	"extracting": 80,
}

func phaseOf(tool string) string {
	switch {
	case tool == "navigate" || tool == "go_back":
		return "navigating"
	case tool == "get_page_content" || tool == "get_artifact":
		return "extracting"
	case observationTools[tool]:
		return "observing"
	case tool == "":
		return "navigating"
	}
	return "acting"
}

func (l *Loop) reportProgress(onProgress func(done, total int), iteration int, lastTool string) {
	if onProgress == nil {
		return
	}
	percent := phaseWeights[phaseOf(lastTool)] + iteration*40/l.cfg.MaxIterations
	if percent > 99 {
		percent = 99
	}
	onProgress(percent, 100)
}

// sleepWithToken waits while polling the cancel token at least every 250 ms.
func sleepWithToken(ctx context.Context, token *runs.CancelToken, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		if err := token.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		step := remaining
		if step > tokenPollInterval {
			step = tokenPollInterval
		}
		select {
		case <-time.After(step):
		case <-token.Done():
			return token.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) emit(e Event) {
	if l.onEvent != nil {
		l.onEvent(e)
	}
}

// resultPayload converts a tool result into a generic map for enrichment.
func resultPayload(result *tools.Result) map[string]interface{} {
	if result.IsError() {
		return map[string]interface{}{
			"error":     protocol.MessageOf(result.Err),
			"errorCode": result.ErrorCode(),
		}
	}
	if m := result.AsMap(); m != nil {
		return m
	}
	// typed payloads round-trip through JSON
	raw, err := json.Marshal(result.Data)
	if err != nil {
		return map[string]interface{}{"value": fmt.Sprintf("%v", result.Data)}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]interface{}{"value": json.RawMessage(raw)}
	}
	return m
}

func doneResult(args map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"success": true}
	if v, ok := args["success"].(bool); ok {
		out["success"] = v
	}
	if v, ok := args["result"].(map[string]interface{}); ok {
		for k, val := range v {
			if k != "success" {
				out[k] = val
			}
		}
	}
	if v, ok := args["message"].(string); ok && v != "" {
		out["message"] = v
	}
	return out
}
