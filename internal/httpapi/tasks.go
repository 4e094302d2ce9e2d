package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/webpilot/internal/orchestrator"
	"github.com/nextlevelbuilder/webpilot/internal/planner"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// createTaskRequest is the POST /v1/tasks body.
type createTaskRequest struct {
	Goal        string                 `json:"goal"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Constraints planner.Constraints    `json:"constraints,omitempty"`
	Budget      planner.Budget         `json:"budget,omitempty"`
	Output      *planner.OutputSchema  `json:"output,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidParameter, "invalid JSON body: "+err.Error())
		return
	}

	snap, err := s.orch.SubmitTask(planner.TaskSpec{
		Goal:        req.Goal,
		Inputs:      req.Inputs,
		Constraints: req.Constraints,
		Budget:      req.Budget,
		Output:      req.Output,
	})
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"taskId":  snap.ID,
		"traceId": snap.TraceID,
		"status":  snap.Status,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.orch.Tasks()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"total": len(tasks),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.orch.Task(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, protocol.CodeRunNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskView(snap))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.orch.Task(id); !ok {
		writeError(w, http.StatusNotFound, protocol.CodeRunNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"canceled": s.orch.CancelTask(id),
	})
}

// handleTaskEvents streams the task's event feed as server-sent events.
// The stream replays history first and always ends with the done event.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	history, live, cancel, ok := s.orch.Events(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, protocol.CodeRunNotFound, "task not found")
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, protocol.CodeInternalError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(ev orchestrator.TaskEvent) {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			data = []byte("{}")
		}
		w.Write([]byte("event: " + ev.Type + "\ndata: " + string(data) + "\n\n"))
		flusher.Flush()
	}

	for _, ev := range history {
		writeEvent(ev)
	}
	for {
		select {
		case ev, open := <-live:
			if !open {
				return
			}
			writeEvent(ev)
		case <-r.Context().Done():
			return
		}
	}
}

// taskView shapes a snapshot for GET responses: terminal tasks carry a
// result object with success and traceId folded in. Failure is still a 200
// here; HTTP status codes are reserved for request-level errors.
func taskView(snap *orchestrator.TaskSnapshot) map[string]interface{} {
	view := map[string]interface{}{
		"taskId":    snap.ID,
		"traceId":   snap.TraceID,
		"status":    snap.Status,
		"goal":      snap.Goal,
		"createdAt": snap.CreatedAt,
	}
	if snap.PlanSource != "" {
		view["planSource"] = snap.PlanSource
	}
	if len(snap.RunIDs) > 0 {
		view["runIds"] = snap.RunIDs
	}
	if snap.Verification != nil {
		view["verification"] = snap.Verification
	}
	if snap.Error != nil {
		view["error"] = snap.Error
	}
	if snap.EndedAt != nil {
		view["endedAt"] = snap.EndedAt
	}
	if snap.Status != orchestrator.TaskRunning {
		result := map[string]interface{}{
			"success": snap.Status == orchestrator.TaskSucceeded,
			"traceId": snap.TraceID,
		}
		for k, v := range snap.Result {
			if k != "success" && k != "traceId" {
				result[k] = v
			}
		}
		view["result"] = result
		if snap.LastEvent != nil {
			view["lastEvent"] = snap.LastEvent
		}
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"errorCode": code,
	})
}

// writeCodedError maps protocol error codes onto HTTP statuses.
func writeCodedError(w http.ResponseWriter, err error) {
	code := protocol.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case protocol.CodeInvalidParameter:
		status = http.StatusBadRequest
	case protocol.CodeRunNotFound, protocol.CodeSessionNotFound, protocol.CodeTemplateNotFound:
		status = http.StatusNotFound
	case protocol.CodeTrustLevelNotAllowed:
		status = http.StatusForbidden
	case protocol.CodeRunBackpressure:
		status = http.StatusTooManyRequests
	}
	writeError(w, status, code, protocol.MessageOf(err))
}
