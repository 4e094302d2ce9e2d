package protocol

// Task event names streamed over SSE and the WebSocket feed.
const (
	EventPlanCreated        = "plan_created"
	EventStepStarted        = "step_started"
	EventToolCall           = "tool_call"
	EventToolResult         = "tool_result"
	EventVerificationResult = "verification_result"
	EventRepairAttempted    = "repair_attempted"
	EventDone               = "done"
)

// Run event subtypes broadcast on the WebSocket feed (payload.type).
const (
	RunEventStarted   = "run.started"
	RunEventProgress  = "run.progress"
	RunEventCompleted = "run.completed"
	RunEventFailed    = "run.failed"
	RunEventCanceled  = "run.canceled"
)
