package runs

import (
	"time"
)

// Status is the lifecycle state of a run. Terminal statuses are set at most
// once; a terminal run never transitions again.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusSucceeded      Status = "succeeded"
	StatusPartialSuccess Status = "partial_success"
	StatusFailed         Status = "failed"
	StatusCanceled       Status = "canceled"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusPartialSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Progress counts completed work units against the declared total.
type Progress struct {
	DoneSteps  int `json:"doneSteps"`
	TotalSteps int `json:"totalSteps"`
}

// RunError is the terminal error attached to failed/canceled runs.
type RunError struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// Metrics holds run timing. ElapsedMs = EndedAt − StartedAt once terminal.
type Metrics struct {
	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	ElapsedMs int64      `json:"elapsedMs,omitempty"`
}

// Run is a point-in-time snapshot of one task execution.
type Run struct {
	ID          string      `json:"id"`
	TemplateID  string      `json:"templateId"`
	SessionID   string      `json:"sessionId,omitempty"`
	OwnsSession bool        `json:"ownsSession"`
	Status      Status      `json:"status"`
	Progress    Progress    `json:"progress"`
	Result      interface{} `json:"result,omitempty"`
	Error       *RunError   `json:"error,omitempty"`
	ArtifactIDs []string    `json:"artifactIds,omitempty"`
	Metrics     Metrics     `json:"metrics"`
}

// Executor runs the body of a run. It observes the cancel token at yield
// points and reports unit-of-work completion via onProgress. Returning an
// error makes the run terminal failed (unless cancellation wins).
type Executor func(runID string, token *CancelToken, onProgress func(done, total int)) (interface{}, error)

// Mode selects how Submit returns.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
	ModeAuto  Mode = "auto"
)

// autoSyncMaxUnits is the workload bound under which auto resolves to sync.
const autoSyncMaxUnits = 10

// SubmitOptions tune a single submission.
type SubmitOptions struct {
	Mode      Mode
	TimeoutMs int64

	// OnTerminal is invoked exactly once after the run turns terminal,
	// before a sync caller is released. Session reaping lives here.
	OnTerminal func(*Run)
}

// deriveStatus maps a successful executor result to a terminal status using
// the summary{total, succeeded, failed} convention.
func deriveStatus(result interface{}) Status {
	m, ok := result.(map[string]interface{})
	if !ok {
		return StatusSucceeded
	}
	if success, ok := m["success"].(bool); ok && !success {
		return StatusFailed
	}
	summary, ok := m["summary"].(map[string]interface{})
	if !ok {
		return StatusSucceeded
	}
	total := intField(summary, "total")
	succeeded := intField(summary, "succeeded")
	switch {
	case total > 0 && succeeded == 0:
		return StatusFailed
	case total > 0 && succeeded < total:
		return StatusPartialSuccess
	default:
		return StatusSucceeded
	}
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
