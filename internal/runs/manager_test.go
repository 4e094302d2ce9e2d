package runs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

func newTestManager(t *testing.T, maxConcurrent int) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{MaxConcurrentRuns: maxConcurrent})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Dispose(ctx)
	})
	return m
}

func immediateExecutor(result interface{}) Executor {
	return func(runID string, token *CancelToken, onProgress func(int, int)) (interface{}, error) {
		return result, nil
	}
}

func TestSubmit_SyncReturnsTerminal(t *testing.T) {
	m := newTestManager(t, 4)

	run, err := m.Submit("tpl", "", false, 1, immediateExecutor(map[string]interface{}{"ok": true}), SubmitOptions{Mode: ModeSync})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", run.Status)
	}
	if run.Metrics.EndedAt == nil || run.Metrics.StartedAt == nil {
		t.Error("terminal run missing timing metrics")
	}
	if run.Metrics.ElapsedMs != run.Metrics.EndedAt.Sub(*run.Metrics.StartedAt).Milliseconds() {
		t.Error("elapsedMs does not match endedAt-startedAt")
	}
}

func TestStatusDerivation(t *testing.T) {
	tests := []struct {
		name   string
		result interface{}
		want   Status
	}{
		{"plain result", map[string]interface{}{"data": 1}, StatusSucceeded},
		{"all succeeded", map[string]interface{}{"summary": map[string]interface{}{"total": 3.0, "succeeded": 3.0, "failed": 0.0}}, StatusSucceeded},
		{"partial", map[string]interface{}{"summary": map[string]interface{}{"total": 2.0, "succeeded": 1.0, "failed": 1.0}}, StatusPartialSuccess},
		{"all failed", map[string]interface{}{"summary": map[string]interface{}{"total": 2.0, "succeeded": 0.0, "failed": 2.0}}, StatusFailed},
		{"explicit failure", map[string]interface{}{"success": false}, StatusFailed},
		{"non-map result", "done", StatusSucceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveStatus(tt.result); got != tt.want {
				t.Errorf("deriveStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSubmit_TimeoutFailsRun(t *testing.T) {
	m := newTestManager(t, 2)

	slow := func(runID string, token *CancelToken, onProgress func(int, int)) (interface{}, error) {
		// Poll the token like a well-behaved executor.
		for i := 0; i < 50; i++ {
			if err := token.Err(); err != nil {
				return nil, err
			}
			time.Sleep(100 * time.Millisecond)
		}
		return "done", nil
	}

	start := time.Now()
	run, err := m.Submit("tpl", "", false, 1, slow, SubmitOptions{Mode: ModeSync, TimeoutMs: 100})
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %v, want well under 500ms", elapsed)
	}
	if run.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if run.Error == nil || run.Error.ErrorCode != protocol.CodeRunTimeout {
		t.Errorf("error = %+v, want RUN_TIMEOUT", run.Error)
	}
}

func TestCancel_PreservesPartialResult(t *testing.T) {
	m := newTestManager(t, 2)

	started := make(chan string, 1)
	release := make(chan struct{})
	exec := func(runID string, token *CancelToken, onProgress func(int, int)) (interface{}, error) {
		started <- runID
		<-release
		// Executor ignores the token and returns a partial result anyway.
		return map[string]interface{}{"partial": true}, nil
	}

	run, err := m.Submit("tpl", "", false, 100, exec, SubmitOptions{Mode: ModeAsync})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if !m.Cancel(run.ID) {
		t.Fatal("cancel returned false for a running run")
	}
	if m.Cancel("nonexistent") {
		t.Error("cancel returned true for unknown run")
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	final, err := m.Wait(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusCanceled {
		t.Errorf("status = %s, want canceled", final.Status)
	}
	if final.Error == nil || final.Error.ErrorCode != protocol.CodeRunCanceled {
		t.Errorf("error = %+v, want RUN_CANCELED", final.Error)
	}
	if final.Result == nil {
		t.Error("partial result was not preserved on canceled run")
	}
	if m.Cancel(run.ID) {
		t.Error("cancel returned true for terminal run")
	}
}

func TestTerminalOnce_NoPostTerminalMutation(t *testing.T) {
	m := newTestManager(t, 2)

	var hookCalls int
	var mu sync.Mutex
	run, err := m.Submit("tpl", "", false, 1, immediateExecutor("ok"), SubmitOptions{
		Mode: ModeSync,
		OnTerminal: func(r *Run) {
			mu.Lock()
			hookCalls++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Late cancel and artifact attach must both bounce off the terminal run.
	if m.Cancel(run.ID) {
		t.Error("cancel succeeded on terminal run")
	}
	if err := m.AttachArtifact(run.ID, "a1"); err == nil {
		t.Error("attachArtifact succeeded on terminal run")
	}

	got, _ := m.Get(run.ID)
	if got.Status != StatusSucceeded {
		t.Errorf("status mutated post-terminal: %s", got.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if hookCalls != 1 {
		t.Errorf("onTerminal called %d times, want 1", hookCalls)
	}
}

func TestAttachArtifact_NoDuplicates(t *testing.T) {
	m := newTestManager(t, 2)

	release := make(chan struct{})
	exec := func(runID string, token *CancelToken, onProgress func(int, int)) (interface{}, error) {
		<-release
		return "ok", nil
	}
	run, err := m.Submit("tpl", "", false, 100, exec, SubmitOptions{Mode: ModeAsync})
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"a1", "a2", "a1"} {
		if err := m.AttachArtifact(run.ID, id); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := m.Get(run.ID)
	if len(got.ArtifactIDs) != 2 || got.ArtifactIDs[0] != "a1" || got.ArtifactIDs[1] != "a2" {
		t.Errorf("artifactIds = %v, want [a1 a2]", got.ArtifactIDs)
	}
	close(release)
}

func TestList_TotalIsFilteredSetSize(t *testing.T) {
	m := newTestManager(t, 4)

	for i := 0; i < 5; i++ {
		tpl := "tpl_a"
		if i%2 == 1 {
			tpl = "tpl_b"
		}
		if _, err := m.Submit(tpl, "", false, 1, immediateExecutor("ok"), SubmitOptions{Mode: ModeSync}); err != nil {
			t.Fatal(err)
		}
	}

	items, total := m.List(ListFilter{TemplateID: "tpl_a", Limit: 1})
	if total != 3 {
		t.Errorf("total = %d, want 3 (pre-pagination)", total)
	}
	if len(items) != 1 {
		t.Errorf("items = %d, want 1", len(items))
	}

	// Newest first.
	all, _ := m.List(ListFilter{})
	for i := 1; i < len(all); i++ {
		if all[i].Metrics.CreatedAt.After(all[i-1].Metrics.CreatedAt) {
			t.Error("list not ordered createdAt descending")
		}
	}
}

func TestBackpressure(t *testing.T) {
	m := NewManager(ManagerConfig{MaxConcurrentRuns: 1, MaxPendingRuns: 2})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Dispose(ctx)
	})

	release := make(chan struct{})
	blocker := func(runID string, token *CancelToken, onProgress func(int, int)) (interface{}, error) {
		select {
		case <-release:
		case <-token.Done():
		}
		return "ok", nil
	}

	for i := 0; i < 2; i++ {
		if _, err := m.Submit("tpl", "", false, 100, blocker, SubmitOptions{Mode: ModeAsync}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	_, err := m.Submit("tpl", "", false, 100, blocker, SubmitOptions{Mode: ModeAsync})
	if err == nil {
		t.Fatal("submit beyond pending bound succeeded")
	}
	if protocol.CodeOf(err) != protocol.CodeRunBackpressure {
		t.Errorf("code = %s, want RUN_BACKPRESSURE", protocol.CodeOf(err))
	}
	close(release)
}

func TestConcurrencyGate(t *testing.T) {
	m := newTestManager(t, 2)

	var mu sync.Mutex
	var active, peak int
	exec := func(runID string, token *CancelToken, onProgress func(int, int)) (interface{}, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return "ok", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Submit("tpl", "", false, 1, exec, SubmitOptions{Mode: ModeSync})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want ≤ 2", peak)
	}
}

func TestCancelQueuedRun(t *testing.T) {
	m := NewManager(ManagerConfig{MaxConcurrentRuns: 1, MaxPendingRuns: 8})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Dispose(ctx)
	})

	release := make(chan struct{})
	blocker := func(runID string, token *CancelToken, onProgress func(int, int)) (interface{}, error) {
		select {
		case <-release:
		case <-token.Done():
		}
		return "ok", nil
	}

	if _, err := m.Submit("tpl", "", false, 100, blocker, SubmitOptions{Mode: ModeAsync}); err != nil {
		t.Fatal(err)
	}
	queued, err := m.Submit("tpl", "", false, 100, blocker, SubmitOptions{Mode: ModeAsync})
	if err != nil {
		t.Fatal(err)
	}

	if !m.Cancel(queued.ID) {
		t.Fatal("cancel of queued run returned false")
	}
	got, _ := m.Get(queued.ID)
	if got.Status != StatusCanceled {
		t.Errorf("status = %s, want canceled", got.Status)
	}
	close(release)
}
