// Package orchestrator is the task control plane: it plans incoming task
// specs, executes the plan steps through templates or the agent loop,
// verifies results against the declared output schema, and drives repair
// attempts within the task budget.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/webpilot/internal/agent"
	"github.com/nextlevelbuilder/webpilot/internal/artifacts"
	"github.com/nextlevelbuilder/webpilot/internal/browser"
	"github.com/nextlevelbuilder/webpilot/internal/enrich"
	"github.com/nextlevelbuilder/webpilot/internal/knowledge"
	"github.com/nextlevelbuilder/webpilot/internal/planner"
	"github.com/nextlevelbuilder/webpilot/internal/providers"
	"github.com/nextlevelbuilder/webpilot/internal/runs"
	"github.com/nextlevelbuilder/webpilot/internal/templates"
	"github.com/nextlevelbuilder/webpilot/internal/tools"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// Default task budget when the spec leaves it unset.
const (
	defaultMaxRetries   = 2
	defaultMaxToolCalls = 60
)

// Config wires the orchestrator.
type Config struct {
	Version           string
	Trust             protocol.TrustLevel
	MaxConcurrentRuns int
	Agent             agent.Config
}

// Deps are the collaborating subsystems.
type Deps struct {
	Planner   *planner.Planner
	Templates *templates.Service
	Runs      *runs.Manager
	Sessions  *browser.Manager
	Artifacts *artifacts.Store
	Tools     *tools.Registry
	Provider  providers.Provider
	Knowledge *knowledge.Store // optional
	Tracer    trace.Tracer     // optional

	// Enricher is shared across agent runs so delta summaries survive
	// between iterations of the same task.
	Enricher *enrich.Enricher // optional

	// Limiter paces agent LLM calls across all concurrent tasks.
	Limiter *rate.Limiter // optional
}

// Service implements the task service consumed by the tool surface and the
// HTTP API.
type Service struct {
	cfg  Config
	deps Deps

	mu    sync.Mutex
	tasks map[string]*task
	order []*task
}

func New(cfg Config, deps Deps) *Service {
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	return &Service{cfg: cfg, deps: deps, tasks: make(map[string]*task)}
}

// SubmitTask plans and starts a task asynchronously. The returned snapshot
// is always status=running; progress flows through the event feed.
func (s *Service) SubmitTask(spec planner.TaskSpec) (*TaskSnapshot, error) {
	if strings.TrimSpace(spec.Goal) == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParameter, "goal is required")
	}
	if spec.Budget.MaxRetries <= 0 {
		spec.Budget.MaxRetries = defaultMaxRetries
	}
	if spec.Budget.MaxToolCalls <= 0 {
		spec.Budget.MaxToolCalls = defaultMaxToolCalls
	}

	t := newTask(uuid.NewString(), uuid.NewString(), spec)
	s.mu.Lock()
	s.tasks[t.id] = t
	s.order = append(s.order, t)
	s.mu.Unlock()

	go s.execute(t)
	return t.snapshot(), nil
}

// Task returns a task snapshot.
func (s *Service) Task(id string) (*TaskSnapshot, bool) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return t.snapshot(), true
}

// Tasks lists snapshots, newest first.
func (s *Service) Tasks() []*TaskSnapshot {
	s.mu.Lock()
	ordered := append([]*task(nil), s.order...)
	s.mu.Unlock()

	out := make([]*TaskSnapshot, len(ordered))
	for i, t := range ordered {
		out[i] = t.snapshot()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Events subscribes to a task's event feed: the history so far plus a live
// channel that closes when the task finishes.
func (s *Service) Events(id string) ([]TaskEvent, <-chan TaskEvent, func(), bool) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil, nil, false
	}
	history, ch, cancel := t.subscribe()
	return history, ch, cancel, true
}

// CancelTask requests cooperative cancellation of a task's current run.
func (s *Service) CancelTask(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.mu.Lock()
	running := t.status == TaskRunning
	t.mu.Unlock()
	if !running {
		return false
	}
	t.requestCancel()
	return true
}

// execute drives one task to a terminal status.
func (s *Service) execute(t *task) {
	ctx, span := s.deps.Tracer.Start(context.Background(), "task.execute",
		trace.WithAttributes(attribute.String("task.id", t.id), attribute.String("task.trace_id", t.traceID)))
	defer span.End()

	plan := s.deps.Planner.Plan(ctx, t.spec)
	t.mu.Lock()
	t.planSource = plan.Source
	t.mu.Unlock()
	t.emit(protocol.EventPlanCreated, map[string]interface{}{
		"source": plan.Source,
		"reason": plan.Reason,
		"steps":  plan.Steps,
	})
	slog.Info("task.plan_created", "task", t.id, "source", plan.Source, "steps", len(plan.Steps))

	accumulated := map[string]interface{}{}
	attempt := 0
	for {
		for _, step := range plan.Steps {
			t.emit(protocol.EventStepStarted, map[string]interface{}{
				"stepId": step.ID, "kind": step.Kind, "templateId": step.TemplateID,
			})
			result, err := s.executeStep(ctx, t, step)
			if err != nil {
				s.finish(t, nil, asCoded(err))
				return
			}
			for k, v := range result {
				accumulated[k] = v
			}
		}

		verification := planner.Verify(accumulated, t.spec.Output)
		t.mu.Lock()
		t.verification = &verification
		t.result = accumulated
		t.mu.Unlock()
		t.emit(protocol.EventVerificationResult, map[string]interface{}{
			"pass":           verification.Pass,
			"missingFields":  verification.MissingFields,
			"typeMismatches": verification.TypeMismatches,
			"reason":         verification.Reason,
		})
		if verification.Pass {
			s.finish(t, accumulated, nil)
			return
		}
		if attempt >= t.spec.Budget.MaxRetries {
			s.finish(t, accumulated, protocol.NewError(protocol.CodeExecutionError,
				"verification failed after %d repair attempts: %s", attempt, verification.Reason))
			return
		}
		if t.toolCallCount() >= t.spec.Budget.MaxToolCalls {
			s.finish(t, accumulated, protocol.NewError(protocol.CodeExecutionError,
				"task exceeded budget.maxToolCalls=%d", t.spec.Budget.MaxToolCalls))
			return
		}

		attempt++
		plan = planner.Repair(t.spec, verification, attempt)
		t.emit(protocol.EventRepairAttempted, map[string]interface{}{
			"attempt":       attempt,
			"missingFields": verification.MissingFields,
		})
		slog.Info("task.repair", "task", t.id, "attempt", attempt, "missing", verification.MissingFields)
	}
}

// executeStep runs one plan step synchronously and returns its result map.
func (s *Service) executeStep(ctx context.Context, t *task, step planner.Step) (map[string]interface{}, error) {
	switch step.Kind {
	case planner.StepTemplate:
		return s.executeTemplate(ctx, t, step)
	case planner.StepAgentGoal:
		return s.executeAgentGoal(ctx, t, step)
	}
	return nil, protocol.NewError(protocol.CodeInternalError, "unknown plan step kind %q", step.Kind)
}

func (s *Service) executeTemplate(ctx context.Context, t *task, step planner.Step) (map[string]interface{}, error) {
	// Run blocks in sync mode, so the cancel hook is installed from inside
	// the executor once the run id exists.
	run, err := s.deps.Templates.Run(ctx, step.TemplateID, step.Inputs, runs.ModeSync,
		templates.WithOnStart(func(runID string) {
			t.installCancel(func() { s.deps.Runs.Cancel(runID) })
		}))
	if err != nil {
		return nil, err
	}
	t.clearCancel()
	t.mu.Lock()
	t.runIDs = append(t.runIDs, run.ID)
	t.mu.Unlock()
	t.addToolCalls(run.Progress.TotalSteps)

	switch run.Status {
	case runs.StatusFailed, runs.StatusCanceled:
		code := protocol.CodeExecutionError
		msg := "template run " + run.ID + " " + string(run.Status)
		if run.Error != nil {
			code, msg = run.Error.ErrorCode, run.Error.Message
		}
		return nil, protocol.NewError(code, "%s", msg)
	}
	if m, ok := run.Result.(map[string]interface{}); ok {
		return m, nil
	}
	return map[string]interface{}{}, nil
}

func (s *Service) executeAgentGoal(ctx context.Context, t *task, step planner.Step) (map[string]interface{}, error) {
	session, err := s.deps.Sessions.Create(ctx)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeExecutionError, err)
	}
	sessionID := session.ID()

	goal := step.Goal
	if sessionID != "" {
		goal += fmt.Sprintf("\nA browser session %q is already open for you; pass it as sessionId to the browser tools.", sessionID)
	}
	for _, hint := range step.Hints {
		goal += "\nHint: " + hint
	}

	fragment := ""
	domain := s.taskDomain(t.spec)
	if s.deps.Knowledge != nil && domain != "" {
		fragment = s.deps.Knowledge.Fragment(domain, t.spec.Goal)
	}

	loop := agent.NewLoop(agent.LoopConfig{
		Provider: s.deps.Provider,
		Tools:    s.deps.Tools,
		Enricher: s.deps.Enricher,
		Config:   s.agentConfig(t),
		Limiter:  s.deps.Limiter,
		Tracer:   s.deps.Tracer,
		OnEvent:  func(e agent.Event) { t.emit(e.Type, e.Payload) },
	})

	exec := func(runID string, token *runs.CancelToken, onProgress func(done, total int)) (interface{}, error) {
		// Submit blocks in sync mode, so the cancel hook has to be
		// installed from inside the executor.
		t.installCancel(func() { s.deps.Runs.Cancel(runID) })

		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-token.Done():
				cancel()
			case <-runCtx.Done():
			}
		}()
		return loop.Run(runCtx, token, goal, fragment, onProgress)
	}

	run, err := s.deps.Runs.Submit("agent_goal", sessionID, true, 100, exec, runs.SubmitOptions{
		Mode:      runs.ModeSync,
		TimeoutMs: t.spec.Constraints.MaxDurationMs,
		OnTerminal: func(r *runs.Run) {
			if r.OwnsSession && r.SessionID != "" {
				if cerr := s.deps.Sessions.Close(context.Background(), r.SessionID); cerr != nil {
					slog.Warn("task.session_reap_failed", "session", r.SessionID, "error", cerr)
				}
			}
		},
	})
	if err != nil {
		_ = s.deps.Sessions.Close(context.Background(), sessionID)
		return nil, err
	}
	t.clearCancel()
	t.mu.Lock()
	t.runIDs = append(t.runIDs, run.ID)
	t.mu.Unlock()

	switch run.Status {
	case runs.StatusFailed, runs.StatusCanceled:
		code := protocol.CodeExecutionError
		msg := "agent run " + run.ID + " " + string(run.Status)
		if run.Error != nil {
			code, msg = run.Error.ErrorCode, run.Error.Message
		}
		return nil, protocol.NewError(code, "%s", msg)
	}

	result, _ := run.Result.(map[string]interface{})
	if result == nil {
		result = map[string]interface{}{}
	}
	s.absorbKnowledge(domain, t.spec, result)
	return result, nil
}

// agentConfig clamps the loop budget to what the task has left.
func (s *Service) agentConfig(t *task) agent.Config {
	cfg := s.cfg.Agent
	remaining := t.spec.Budget.MaxToolCalls - t.toolCallCount()
	if remaining < 1 {
		remaining = 1
	}
	if cfg.MaxToolCalls <= 0 || cfg.MaxToolCalls > remaining {
		cfg.MaxToolCalls = remaining
	}
	if t.spec.Constraints.MaxSteps > 0 {
		cfg.MaxIterations = t.spec.Constraints.MaxSteps
	}
	cfg.MaxDurationMs = t.spec.Constraints.MaxDurationMs
	return cfg
}

// absorbKnowledge records successful task experience as a task_intent
// pattern so future goals on the same domain start warmer.
func (s *Service) absorbKnowledge(domain string, spec planner.TaskSpec, result map[string]interface{}) {
	if s.deps.Knowledge == nil || domain == "" {
		return
	}
	if success, ok := result["success"].(bool); ok && !success {
		return
	}
	err := s.deps.Knowledge.SavePatterns(domain, []knowledge.Pattern{{
		Type:        knowledge.TypeTaskIntent,
		Description: spec.Goal,
		Value:       "this goal completed successfully here",
		Confidence:  0.6,
		Source:      knowledge.SourceAgentAuto,
	}})
	if err != nil {
		slog.Warn("task.knowledge_save_failed", "domain", domain, "error", err)
	}
}

// taskDomain derives the knowledge domain from the spec's URL inputs.
func (s *Service) taskDomain(spec planner.TaskSpec) string {
	candidates := []string{}
	if raw, ok := spec.Inputs["urls"]; ok {
		switch v := raw.(type) {
		case []string:
			candidates = append(candidates, v...)
		case []interface{}:
			for _, item := range v {
				if u, ok := item.(string); ok {
					candidates = append(candidates, u)
				}
			}
		}
	}
	if u, ok := spec.Inputs["startUrl"].(string); ok {
		candidates = append(candidates, u)
	}
	for _, raw := range candidates {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			if d, err := knowledge.NormalizeDomain(u.Hostname()); err == nil {
				return d
			}
		}
	}
	return ""
}

func (s *Service) finish(t *task, result map[string]interface{}, err *protocol.CodedError) {
	status := TaskSucceeded
	success := err == nil
	if err != nil {
		status = TaskFailed
		if err.Code == protocol.CodeRunCanceled {
			status = TaskCanceled
		}
	}
	t.mu.Lock()
	if result != nil {
		t.result = result
	}
	t.mu.Unlock()

	payload := map[string]interface{}{"success": success, "traceId": t.traceID}
	if err != nil {
		payload["errorCode"] = err.Code
		payload["error"] = err.Message
	}
	t.emit(protocol.EventDone, payload)
	t.finish(status, err)
	slog.Info("task.done", "task", t.id, "status", status, "toolCalls", t.toolCallCount())
}

func asCoded(err error) *protocol.CodedError {
	if ce, ok := err.(*protocol.CodedError); ok {
		return ce
	}
	return protocol.WrapError(protocol.CodeOf(err), err)
}
