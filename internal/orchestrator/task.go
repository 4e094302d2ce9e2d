package orchestrator

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/webpilot/internal/planner"
	"github.com/nextlevelbuilder/webpilot/internal/runs"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// Task statuses. A task is coarser than a run: one task may spawn several
// runs across repair attempts.
const (
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskCanceled  = "canceled"
)

// TaskEvent is one entry of a task's event feed.
type TaskEvent struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	At      time.Time              `json:"at"`
}

// TaskSnapshot is the externally visible task state.
type TaskSnapshot struct {
	ID           string                 `json:"taskId"`
	TraceID      string                 `json:"traceId"`
	Status       string                 `json:"status"`
	Goal         string                 `json:"goal"`
	PlanSource   string                 `json:"planSource,omitempty"`
	RunIDs       []string               `json:"runIds,omitempty"`
	Verification *planner.Verification  `json:"verification,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	Error        *runs.RunError         `json:"error,omitempty"`
	LastEvent    *TaskEvent             `json:"lastEvent,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	EndedAt      *time.Time             `json:"endedAt,omitempty"`
}

// task is the internal mutable state behind a snapshot.
type task struct {
	id      string
	traceID string
	spec    planner.TaskSpec

	mu           sync.Mutex
	status       string
	planSource   string
	runIDs       []string
	verification *planner.Verification
	result       map[string]interface{}
	err          *protocol.CodedError
	events       []TaskEvent
	subs         map[chan TaskEvent]struct{}
	toolCalls    int
	cancel       func()
	cancelAsked  bool
	createdAt    time.Time
	endedAt      *time.Time
}

func newTask(id, traceID string, spec planner.TaskSpec) *task {
	return &task{
		id:        id,
		traceID:   traceID,
		spec:      spec,
		status:    TaskRunning,
		subs:      make(map[chan TaskEvent]struct{}),
		createdAt: time.Now(),
	}
}

// emit appends to the event history and fans out to subscribers. Slow
// subscribers drop events rather than block the task.
func (t *task) emit(eventType string, payload map[string]interface{}) {
	ev := TaskEvent{Type: eventType, Payload: payload, At: time.Now()}
	t.mu.Lock()
	t.events = append(t.events, ev)
	if eventType == protocol.EventToolCall {
		t.toolCalls++
	}
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	t.mu.Unlock()
}

// Subscribe returns the event history so far plus a live channel. The
// channel is closed when the task finishes.
func (t *task) subscribe() ([]TaskEvent, <-chan TaskEvent, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	history := make([]TaskEvent, len(t.events))
	copy(history, t.events)

	if t.status != TaskRunning {
		closed := make(chan TaskEvent)
		close(closed)
		return history, closed, func() {}
	}

	ch := make(chan TaskEvent, 64)
	t.subs[ch] = struct{}{}
	cancel := func() {
		t.mu.Lock()
		if _, ok := t.subs[ch]; ok {
			delete(t.subs, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
	return history, ch, cancel
}

// finish makes the task terminal and releases subscribers. Idempotent.
func (t *task) finish(status string, err *protocol.CodedError) {
	t.mu.Lock()
	if t.status != TaskRunning {
		t.mu.Unlock()
		return
	}
	t.status = status
	t.err = err
	now := time.Now()
	t.endedAt = &now
	subs := t.subs
	t.subs = make(map[chan TaskEvent]struct{})
	t.mu.Unlock()

	for ch := range subs {
		close(ch)
	}
}

// installCancel registers the cancel hook for the run in flight. If the task
// was already asked to cancel, the hook fires immediately so a cancel landing
// between steps is not lost.
func (t *task) installCancel(fn func()) {
	t.mu.Lock()
	t.cancel = fn
	asked := t.cancelAsked
	t.mu.Unlock()
	if asked {
		fn()
	}
}

func (t *task) clearCancel() {
	t.mu.Lock()
	t.cancel = nil
	t.mu.Unlock()
}

// requestCancel marks the task canceled-on-next-run and fires the hook of the
// run in flight, if any.
func (t *task) requestCancel() {
	t.mu.Lock()
	t.cancelAsked = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *task) addToolCalls(n int) {
	t.mu.Lock()
	t.toolCalls += n
	t.mu.Unlock()
}

func (t *task) toolCallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toolCalls
}

func (t *task) snapshot() *TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := &TaskSnapshot{
		ID:           t.id,
		TraceID:      t.traceID,
		Status:       t.status,
		Goal:         t.spec.Goal,
		PlanSource:   t.planSource,
		RunIDs:       append([]string(nil), t.runIDs...),
		Verification: t.verification,
		CreatedAt:    t.createdAt,
		EndedAt:      t.endedAt,
	}
	if t.err != nil {
		snap.Error = &runs.RunError{ErrorCode: t.err.Code, Message: t.err.Message}
	}
	if t.result != nil {
		snap.Result = t.result
	}
	if n := len(t.events); n > 0 && t.status != TaskRunning {
		ev := t.events[n-1]
		snap.LastEvent = &ev
	}
	return snap
}
