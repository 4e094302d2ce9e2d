package runs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// runState is the mutable record behind a Run snapshot.
type runState struct {
	mu   sync.Mutex
	run  Run
	seq  uint64 // insertion order, tie-break for equal CreatedAt
	opts SubmitOptions

	token           *CancelToken
	timeout         *time.Timer
	cancelRequested bool
	executor        Executor

	terminalOnce sync.Once
	done         chan struct{}
}

// snapshot returns a caller-safe copy of the run.
func (rs *runState) snapshot() *Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	cp := rs.run
	cp.ArtifactIDs = append([]string(nil), rs.run.ArtifactIDs...)
	return &cp
}

// EventFunc receives run lifecycle notifications for the event feed.
type EventFunc func(runID, event string, payload interface{})

// ManagerConfig bounds the run manager.
type ManagerConfig struct {
	MaxConcurrentRuns int
	MaxPendingRuns    int // queued+running bound; beyond it Submit fails
	OnEvent           EventFunc
}

// Manager owns the run registry: a FIFO queue of queued runs gated by a
// concurrency semaphore, with cooperative cancellation and timeouts.
type Manager struct {
	mu    sync.Mutex
	runs  map[string]*runState
	order []*runState // insertion order, for list tie-breaks
	seq   uint64

	queue   chan *runState
	sem     *semaphore.Weighted
	maxPend int
	onEvent EventFunc

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	closed   bool
}

// NewManager creates and starts a run manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 16
	}
	if cfg.MaxPendingRuns <= 0 {
		cfg.MaxPendingRuns = cfg.MaxConcurrentRuns * 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		runs:    make(map[string]*runState),
		queue:   make(chan *runState, cfg.MaxPendingRuns),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		maxPend: cfg.MaxPendingRuns,
		onEvent: cfg.OnEvent,
		ctx:     ctx,
		cancel:  cancel,
	}
	go m.schedule()
	return m
}

// schedule admits queued runs in FIFO order, one semaphore slot each.
func (m *Manager) schedule() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case rs := <-m.queue:
			if err := m.sem.Acquire(m.ctx, 1); err != nil {
				return
			}
			m.inflight.Add(1)
			go func(rs *runState) {
				defer m.inflight.Done()
				defer m.sem.Release(1)
				m.execute(rs)
			}(rs)
		}
	}
}

// Submit registers a new run and schedules it. In sync mode the call blocks
// until the run is terminal and returns the terminal snapshot; in async mode
// it returns immediately with the queued snapshot. Auto resolves to sync for
// light workloads (≤10 units).
func (m *Manager) Submit(templateID, sessionID string, ownsSession bool, totalSteps int, exec Executor, opts SubmitOptions) (*Run, error) {
	if exec == nil {
		return nil, protocol.NewError(protocol.CodeInvalidParameter, "executor is required")
	}

	mode := opts.Mode
	switch mode {
	case ModeSync, ModeAsync:
	case ModeAuto, "":
		if totalSteps <= autoSyncMaxUnits {
			mode = ModeSync
		} else {
			mode = ModeAsync
		}
	default:
		return nil, protocol.NewError(protocol.CodeInvalidParameter, "mode must be sync, async, or auto")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeRunBackpressure, "run manager is shutting down")
	}
	pending := 0
	for _, rs := range m.runs {
		rs.mu.Lock()
		if !rs.run.Status.Terminal() {
			pending++
		}
		rs.mu.Unlock()
	}
	if pending >= m.maxPend {
		m.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeRunBackpressure, "too many pending runs (%d)", pending)
	}

	m.seq++
	rs := &runState{
		run: Run{
			ID:          uuid.NewString(),
			TemplateID:  templateID,
			SessionID:   sessionID,
			OwnsSession: ownsSession,
			Status:      StatusQueued,
			Progress:    Progress{TotalSteps: totalSteps},
			Metrics:     Metrics{CreatedAt: time.Now().UTC()},
		},
		seq:      m.seq,
		opts:     opts,
		token:    NewCancelToken(),
		executor: exec,
		done:     make(chan struct{}),
	}
	m.runs[rs.run.ID] = rs
	m.order = append(m.order, rs)
	m.mu.Unlock()

	slog.Debug("run.submitted", "run", rs.run.ID, "template", templateID, "mode", mode)
	m.queue <- rs

	if mode == ModeSync {
		<-rs.done
		return rs.snapshot(), nil
	}
	return rs.snapshot(), nil
}

// execute drives one run from queued to terminal.
func (m *Manager) execute(rs *runState) {
	rs.mu.Lock()
	if rs.run.Status.Terminal() {
		rs.mu.Unlock()
		return
	}
	if rs.token.Canceled() {
		rs.mu.Unlock()
		m.finalize(rs, nil, nil)
		return
	}
	now := time.Now().UTC()
	rs.run.Status = StatusRunning
	rs.run.Metrics.StartedAt = &now
	if rs.opts.TimeoutMs > 0 {
		d := time.Duration(rs.opts.TimeoutMs) * time.Millisecond
		rs.timeout = time.AfterFunc(d, func() {
			rs.token.Cancel(protocol.CodeRunTimeout)
		})
	}
	runID := rs.run.ID
	exec := rs.executor
	token := rs.token
	rs.mu.Unlock()

	m.emit(runID, protocol.RunEventStarted, nil)
	slog.Info("run.started", "run", runID)

	result, err := m.safeExecute(exec, runID, token, func(done, total int) {
		rs.mu.Lock()
		if !rs.run.Status.Terminal() {
			rs.run.Progress.DoneSteps = done
			if total > 0 {
				rs.run.Progress.TotalSteps = total
			}
		}
		progress := rs.run.Progress
		rs.mu.Unlock()
		m.emit(runID, protocol.RunEventProgress, progress)
	})

	m.finalize(rs, result, err)
}

// safeExecute shields the manager from executor panics.
func (m *Manager) safeExecute(exec Executor, runID string, token *CancelToken, onProgress func(int, int)) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("run.executor_panic", "run", runID, "panic", r)
			err = protocol.NewError(protocol.CodeInternalError, "executor panic: %v", r)
		}
	}()
	return exec(runID, token, onProgress)
}

// finalize sets the terminal status exactly once. Cancellation wins over
// completion; a timeout after a successful return is a no-op.
func (m *Manager) finalize(rs *runState, result interface{}, err error) {
	rs.mu.Lock()
	if rs.run.Status.Terminal() {
		rs.mu.Unlock()
		return
	}
	if rs.timeout != nil {
		rs.timeout.Stop()
	}

	switch {
	case rs.cancelRequested:
		rs.run.Status = StatusCanceled
		rs.run.Error = &RunError{ErrorCode: protocol.CodeRunCanceled, Message: "run canceled"}
		// A partial result produced after cancel is preserved on the record.
		if result != nil {
			rs.run.Result = result
		}
	case rs.token.Reason() == protocol.CodeRunTimeout:
		rs.run.Status = StatusFailed
		rs.run.Error = &RunError{ErrorCode: protocol.CodeRunTimeout, Message: "run exceeded its timeout"}
		if result != nil {
			rs.run.Result = result
		}
	case err != nil:
		rs.run.Status = StatusFailed
		rs.run.Error = &RunError{ErrorCode: protocol.CodeOf(err), Message: protocol.MessageOf(err)}
	default:
		rs.run.Status = deriveStatus(result)
		rs.run.Result = result
		if rs.run.Status == StatusFailed {
			rs.run.Error = &RunError{ErrorCode: protocol.CodeExecutionError, Message: "all work units failed"}
		}
	}

	now := time.Now().UTC()
	rs.run.Metrics.EndedAt = &now
	if rs.run.Metrics.StartedAt != nil {
		rs.run.Metrics.ElapsedMs = now.Sub(*rs.run.Metrics.StartedAt).Milliseconds()
	}
	status := rs.run.Status
	hook := rs.opts.OnTerminal
	rs.mu.Unlock()

	slog.Info("run.terminal", "run", rs.run.ID, "status", status)

	rs.terminalOnce.Do(func() {
		if hook != nil {
			hook(rs.snapshot())
		}
		close(rs.done)
	})

	switch status {
	case StatusCanceled:
		m.emit(rs.run.ID, protocol.RunEventCanceled, nil)
	case StatusFailed:
		m.emit(rs.run.ID, protocol.RunEventFailed, rs.snapshot().Error)
	default:
		m.emit(rs.run.ID, protocol.RunEventCompleted, nil)
	}
}

// Get returns a snapshot of a run.
func (m *Manager) Get(runID string) (*Run, error) {
	m.mu.Lock()
	rs, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return nil, protocol.NewError(protocol.CodeRunNotFound, "run %s not found", runID)
	}
	return rs.snapshot(), nil
}

// ListFilter selects and pages runs. Order is createdAt descending with
// insertion-order tie-break.
type ListFilter struct {
	Status     Status
	TemplateID string
	SessionID  string
	Limit      int
	Offset     int
}

// List returns matching run snapshots plus the pre-pagination total.
func (m *Manager) List(f ListFilter) ([]*Run, int) {
	m.mu.Lock()
	states := append([]*runState(nil), m.order...)
	m.mu.Unlock()

	var filtered []*runState
	for _, rs := range states {
		snap := rs.snapshot()
		if f.Status != "" && snap.Status != f.Status {
			continue
		}
		if f.TemplateID != "" && snap.TemplateID != f.TemplateID {
			continue
		}
		if f.SessionID != "" && snap.SessionID != f.SessionID {
			continue
		}
		filtered = append(filtered, rs)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		at, bt := a.run.Metrics.CreatedAt, b.run.Metrics.CreatedAt
		if at.Equal(bt) {
			return a.seq > b.seq
		}
		return at.After(bt)
	})

	total := len(filtered)
	if f.Offset > 0 {
		if f.Offset >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[f.Offset:]
		}
	}
	if f.Limit > 0 && len(filtered) > f.Limit {
		filtered = filtered[:f.Limit]
	}

	out := make([]*Run, 0, len(filtered))
	for _, rs := range filtered {
		out = append(out, rs.snapshot())
	}
	return out, total
}

// Cancel requests cooperative cancellation. Idempotent; returns false for
// unknown or already-terminal runs.
func (m *Manager) Cancel(runID string) bool {
	m.mu.Lock()
	rs, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	rs.mu.Lock()
	if rs.run.Status.Terminal() || rs.cancelRequested {
		terminal := rs.run.Status.Terminal()
		rs.mu.Unlock()
		return !terminal
	}
	rs.cancelRequested = true
	queued := rs.run.Status == StatusQueued
	rs.mu.Unlock()

	rs.token.Cancel(protocol.CodeRunCanceled)
	slog.Info("run.cancel_requested", "run", runID)

	// A queued run has no executor to resolve; finalize immediately.
	if queued {
		m.finalize(rs, nil, nil)
	}
	return true
}

// AttachArtifact appends an artifact id to a run. The list is append-only,
// duplicate-free, and frozen once the run is terminal.
func (m *Manager) AttachArtifact(runID, artifactID string) error {
	m.mu.Lock()
	rs, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.CodeRunNotFound, "run %s not found", runID)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.run.Status.Terminal() {
		return protocol.NewError(protocol.CodeInvalidParameter, "run %s is terminal", runID)
	}
	for _, id := range rs.run.ArtifactIDs {
		if id == artifactID {
			return nil
		}
	}
	rs.run.ArtifactIDs = append(rs.run.ArtifactIDs, artifactID)
	return nil
}

// Token exposes a run's cancel token to its executor wiring.
func (m *Manager) Token(runID string) (*CancelToken, bool) {
	m.mu.Lock()
	rs, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return rs.token, true
}

// Wait blocks until the run is terminal or ctx expires.
func (m *Manager) Wait(ctx context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	rs, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return nil, protocol.NewError(protocol.CodeRunNotFound, "run %s not found", runID)
	}
	select {
	case <-rs.done:
		return rs.snapshot(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for run %s: %w", runID, ctx.Err())
	}
}

// Dispose cancels in-flight runs, waits for them to drain, and stops the
// scheduler. Further submissions fail with RUN_BACKPRESSURE.
func (m *Manager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	states := append([]*runState(nil), m.order...)
	m.mu.Unlock()

	for _, rs := range states {
		rs.mu.Lock()
		terminal := rs.run.Status.Terminal()
		queued := rs.run.Status == StatusQueued
		if !terminal {
			rs.cancelRequested = true
		}
		rs.mu.Unlock()
		if !terminal {
			rs.token.Cancel(protocol.CodeRunCanceled)
			if queued {
				m.finalize(rs, nil, nil)
			}
		}
	}

	drained := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("dispose: %w", ctx.Err())
	}
	m.cancel()
	return nil
}

func (m *Manager) emit(runID, event string, payload interface{}) {
	if m.onEvent != nil {
		m.onEvent(runID, event, payload)
	}
}
