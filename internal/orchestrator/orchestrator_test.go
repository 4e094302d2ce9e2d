package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/webpilot/internal/agent"
	"github.com/nextlevelbuilder/webpilot/internal/artifacts"
	"github.com/nextlevelbuilder/webpilot/internal/browser"
	"github.com/nextlevelbuilder/webpilot/internal/browser/browsertest"
	"github.com/nextlevelbuilder/webpilot/internal/knowledge"
	"github.com/nextlevelbuilder/webpilot/internal/planner"
	"github.com/nextlevelbuilder/webpilot/internal/providers"
	"github.com/nextlevelbuilder/webpilot/internal/providers/providertest"
	"github.com/nextlevelbuilder/webpilot/internal/runs"
	"github.com/nextlevelbuilder/webpilot/internal/templates"
	"github.com/nextlevelbuilder/webpilot/internal/tools"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

type fixture struct {
	svc      *Service
	driver   *browsertest.Driver
	provider *providertest.Scripted
	runs     *runs.Manager
	know     *knowledge.Store
}

func newFixture(t *testing.T, responses ...*providers.ChatResponse) *fixture {
	t.Helper()

	driver := browsertest.NewDriver()
	sessions := browser.NewManager(driver, 16)
	store := artifacts.NewStore(artifacts.StoreConfig{})

	reg := tools.NewRegistry()
	tools.RegisterBrowserTools(reg, &tools.BrowserDeps{
		Sessions:  sessions,
		Artifacts: store,
		Guard:     &tools.URLGuard{AllowFile: true},
		Trust:     protocol.TrustLocal,
	})
	reg.MustRegister(tools.New("probe",
		"Report a static observation.",
		map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"observed": true}, nil
		}))

	runMgr := runs.NewManager(runs.ManagerConfig{MaxConcurrentRuns: 4, MaxPendingRuns: 16})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		runMgr.Dispose(ctx)
	})

	know, err := knowledge.NewStore(knowledge.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { know.Close() })

	provider := &providertest.Scripted{Responses: responses}
	svc := New(Config{
		Version:           "test",
		Trust:             protocol.TrustLocal,
		MaxConcurrentRuns: 4,
		Agent:             agent.Config{MaxIterations: 10},
	}, Deps{
		Planner:   planner.New(),
		Templates: templates.NewService(reg, runMgr, templates.Config{Trust: protocol.TrustLocal}),
		Runs:      runMgr,
		Sessions:  sessions,
		Artifacts: store,
		Tools:     reg,
		Provider:  provider,
		Knowledge: know,
	})
	return &fixture{svc: svc, driver: driver, provider: provider, runs: runMgr, know: know}
}

func (f *fixture) waitTerminal(t *testing.T, taskID string) *TaskSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := f.svc.Task(taskID)
		if !ok {
			t.Fatalf("task %s vanished", taskID)
		}
		if snap.Status != TaskRunning {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", taskID)
	return nil
}

func doneResponse(id string, result map[string]interface{}) *providers.ChatResponse {
	return providertest.ToolCallResponse(id, "done", map[string]interface{}{
		"success": true,
		"result":  result,
		"message": "finished",
	})
}

func eventTypes(events []TaskEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestSubmitRequiresGoal(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitTask(planner.TaskSpec{Goal: "   "})
	if protocol.CodeOf(err) != protocol.CodeInvalidParameter {
		t.Fatalf("err = %v, want INVALID_PARAMETER", err)
	}
}

func TestAgentGoalTaskSucceeds(t *testing.T) {
	f := newFixture(t,
		providertest.ToolCallResponse("c1", "probe", map[string]interface{}{}),
		doneResponse("c2", map[string]interface{}{"title": "Red Bicycle"}),
	)

	snap, err := f.svc.SubmitTask(planner.TaskSpec{
		Goal:   "Find the product title on the page",
		Output: &planner.OutputSchema{Required: []string{"title"}, Types: map[string]string{"title": "string"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != TaskRunning || snap.TraceID == "" {
		t.Fatalf("snapshot = %+v", snap)
	}

	final := f.waitTerminal(t, snap.ID)
	if final.Status != TaskSucceeded {
		t.Fatalf("status = %s, error = %+v", final.Status, final.Error)
	}
	if final.PlanSource != planner.SourceRules {
		t.Fatalf("planSource = %s", final.PlanSource)
	}
	if final.Result["title"] != "Red Bicycle" {
		t.Fatalf("result = %v", final.Result)
	}
	if final.Verification == nil || !final.Verification.Pass {
		t.Fatalf("verification = %+v", final.Verification)
	}
	if len(final.RunIDs) != 1 {
		t.Fatalf("runIds = %v", final.RunIDs)
	}

	history, _, cancel, ok := f.svc.Events(snap.ID)
	if !ok {
		t.Fatal("no event feed")
	}
	defer cancel()
	types := eventTypes(history)
	joined := strings.Join(types, ",")
	for _, want := range []string{
		protocol.EventPlanCreated,
		protocol.EventStepStarted,
		protocol.EventToolCall,
		protocol.EventToolResult,
		protocol.EventVerificationResult,
		protocol.EventDone,
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("events missing %s: %v", want, types)
		}
	}
	if types[len(types)-1] != protocol.EventDone {
		t.Fatalf("last event = %s", types[len(types)-1])
	}
}

func TestAgentSessionReaped(t *testing.T) {
	f := newFixture(t, doneResponse("c1", map[string]interface{}{}))

	snap, err := f.svc.SubmitTask(planner.TaskSpec{Goal: "Check something quickly"})
	if err != nil {
		t.Fatal(err)
	}
	f.waitTerminal(t, snap.ID)

	if len(f.driver.ClosedSessions) != 1 {
		t.Fatalf("closed sessions = %v, want 1", f.driver.ClosedSessions)
	}
}

func TestRepairRecoversMissingField(t *testing.T) {
	f := newFixture(t,
		doneResponse("c1", map[string]interface{}{"title": "Red Bicycle"}),
		doneResponse("c2", map[string]interface{}{"price": float64(199)}),
	)

	snap, err := f.svc.SubmitTask(planner.TaskSpec{
		Goal:   "Extract product title and price",
		Output: &planner.OutputSchema{Required: []string{"title", "price"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	final := f.waitTerminal(t, snap.ID)
	if final.Status != TaskSucceeded {
		t.Fatalf("status = %s, error = %+v", final.Status, final.Error)
	}
	if final.Result["title"] != "Red Bicycle" || final.Result["price"] != float64(199) {
		t.Fatalf("result = %v", final.Result)
	}
	if len(final.RunIDs) != 2 {
		t.Fatalf("runIds = %v, want one initial plus one repair run", final.RunIDs)
	}

	history, _, cancel, _ := f.svc.Events(snap.ID)
	defer cancel()
	if !strings.Contains(strings.Join(eventTypes(history), ","), protocol.EventRepairAttempted) {
		t.Fatalf("no repair event in %v", eventTypes(history))
	}

	// the repair goal must name the gap
	req := f.provider.Requests[1]
	if !strings.Contains(req.Messages[1].Content, "price") {
		t.Fatalf("repair goal = %q", req.Messages[1].Content)
	}
}

func TestTaskFailsAfterRetryBudget(t *testing.T) {
	f := newFixture(t,
		doneResponse("c1", map[string]interface{}{}),
		doneResponse("c2", map[string]interface{}{}),
	)

	snap, err := f.svc.SubmitTask(planner.TaskSpec{
		Goal:   "Extract the price",
		Budget: planner.Budget{MaxRetries: 1},
		Output: &planner.OutputSchema{Required: []string{"price"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	final := f.waitTerminal(t, snap.ID)
	if final.Status != TaskFailed {
		t.Fatalf("status = %s", final.Status)
	}
	if final.Error == nil || final.Error.ErrorCode != protocol.CodeExecutionError {
		t.Fatalf("error = %+v", final.Error)
	}
	if !strings.Contains(final.Error.Message, "repair") {
		t.Fatalf("error message = %q", final.Error.Message)
	}
	if f.provider.Calls() != 2 {
		t.Fatalf("calls = %d, want 2", f.provider.Calls())
	}

	history, _, cancel, _ := f.svc.Events(snap.ID)
	defer cancel()
	last := history[len(history)-1]
	if last.Type != protocol.EventDone || last.Payload["success"] != false {
		t.Fatalf("last event = %+v", last)
	}
}

func TestTemplatePathRunsWithoutLLM(t *testing.T) {
	f := newFixture(t)
	f.driver.AddPage("file:///tmp/a.html", &browsertest.Page{
		Title:    "Page A",
		HTML:     "<html><head><title>Page A</title></head><body><article><p>Body text long enough to extract as readable content here.</p></article></body></html>",
		Headings: []string{"Page A"},
	})

	snap, err := f.svc.SubmitTask(planner.TaskSpec{
		Goal:   "Extract the title from each URL in the list",
		Inputs: map[string]interface{}{"urls": []interface{}{"file:///tmp/a.html"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	final := f.waitTerminal(t, snap.ID)
	if final.Status != TaskSucceeded {
		t.Fatalf("status = %s, error = %+v", final.Status, final.Error)
	}
	if f.provider.Calls() != 0 {
		t.Fatalf("template plan consulted the LLM %d times", f.provider.Calls())
	}
	if _, ok := final.Result["summary"]; !ok {
		t.Fatalf("result = %v", final.Result)
	}
}

func TestCancelMidTemplateStep(t *testing.T) {
	f := newFixture(t)
	navStarted := make(chan struct{})
	release := make(chan struct{})
	f.driver.AddPage("file:///tmp/slow.html", &browsertest.Page{
		Title: "Slow Page",
		HTML:  "<html><head><title>Slow Page</title></head><body><p>body</p></body></html>",
		OnNavigate: func() string {
			close(navStarted)
			<-release
			return ""
		},
	})

	snap, err := f.svc.SubmitTask(planner.TaskSpec{
		Goal:   "Extract the title from each URL in the list",
		Inputs: map[string]interface{}{"urls": []interface{}{"file:///tmp/slow.html"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-navStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("template never reached navigation")
	}
	if !f.svc.CancelTask(snap.ID) {
		t.Fatal("cancel refused for a running task")
	}
	close(release)

	final := f.waitTerminal(t, snap.ID)
	if final.Status != TaskCanceled {
		t.Fatalf("status = %s, error = %+v", final.Status, final.Error)
	}
	if len(final.RunIDs) != 1 {
		t.Fatalf("runIds = %v", final.RunIDs)
	}
	run, err := f.runs.Get(final.RunIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != runs.StatusCanceled {
		t.Fatalf("run status = %s", run.Status)
	}
}

func TestKnowledgeInjectedAndAbsorbed(t *testing.T) {
	f := newFixture(t,
		doneResponse("c1", map[string]interface{}{"title": "Item"}),
	)
	if err := f.know.SavePatterns("shop.example.com", []knowledge.Pattern{{
		Type:        knowledge.TypeSelector,
		Description: "product title",
		Value:       "#product-title",
		Confidence:  0.9,
		Source:      knowledge.SourceManual,
	}}); err != nil {
		t.Fatal(err)
	}

	snap, err := f.svc.SubmitTask(planner.TaskSpec{
		Goal:   "Read the product title",
		Inputs: map[string]interface{}{"startUrl": "https://shop.example.com/item/1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	final := f.waitTerminal(t, snap.ID)
	if final.Status != TaskSucceeded {
		t.Fatalf("status = %s, error = %+v", final.Status, final.Error)
	}

	// injection: the system prompt carries the stored selector hint
	sys := f.provider.Requests[0].Messages[0].Content
	if !strings.Contains(sys, "#product-title") {
		t.Fatalf("knowledge fragment missing from system prompt:\n%s", sys)
	}

	// absorption: the successful goal is remembered as a task intent
	card, err := f.know.Card("shop.example.com")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range card.Patterns {
		if p.Type == knowledge.TypeTaskIntent && p.Description == "Read the product title" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no task_intent pattern absorbed: %+v", card.Patterns)
	}
}

func TestCancelUnknownAndTerminalTasks(t *testing.T) {
	f := newFixture(t, doneResponse("c1", map[string]interface{}{}))

	if f.svc.CancelTask("t_missing") {
		t.Fatal("canceled an unknown task")
	}

	snap, err := f.svc.SubmitTask(planner.TaskSpec{Goal: "quick check"})
	if err != nil {
		t.Fatal(err)
	}
	f.waitTerminal(t, snap.ID)
	if f.svc.CancelTask(snap.ID) {
		t.Fatal("canceled a terminal task")
	}
}

func TestEventsAfterTerminalReplayHistory(t *testing.T) {
	f := newFixture(t, doneResponse("c1", map[string]interface{}{}))

	snap, err := f.svc.SubmitTask(planner.TaskSpec{Goal: "quick check"})
	if err != nil {
		t.Fatal(err)
	}
	f.waitTerminal(t, snap.ID)

	history, ch, cancel, ok := f.svc.Events(snap.ID)
	if !ok {
		t.Fatal("no event feed")
	}
	defer cancel()
	if len(history) == 0 {
		t.Fatal("history empty after terminal")
	}
	select {
	case _, open := <-ch:
		if open {
			t.Fatal("terminal feed delivered a live event")
		}
	case <-time.After(time.Second):
		t.Fatal("terminal feed channel not closed")
	}
}

func TestTaskServiceSurface(t *testing.T) {
	f := newFixture(t)

	infos := f.svc.Templates()
	if len(infos) != 3 {
		t.Fatalf("templates = %d, want 3", len(infos))
	}

	if _, ok := f.svc.GetRun("r_missing"); ok {
		t.Fatal("found a run that does not exist")
	}
	if f.svc.CancelRun("r_missing", "test") {
		t.Fatal("canceled a run that does not exist")
	}

	profile := f.svc.Profile()
	if profile.Version != "test" || profile.TrustLevel != protocol.TrustLocal {
		t.Fatalf("profile = %+v", profile)
	}
	if len(profile.SupportedModes) != 3 {
		t.Fatalf("modes = %v", profile.SupportedModes)
	}
}
