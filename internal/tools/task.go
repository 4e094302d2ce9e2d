package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/nextlevelbuilder/webpilot/internal/artifacts"
	"github.com/nextlevelbuilder/webpilot/internal/runs"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// TemplateInfo describes one template in the catalog listing.
type TemplateInfo struct {
	ID           string                 `json:"id"`
	Description  string                 `json:"description"`
	InputSchema  map[string]interface{} `json:"inputSchema,omitempty"`
	OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`
}

// TaskService is the slice of the orchestrator the task op cluster needs.
type TaskService interface {
	Templates() []TemplateInfo
	RunTemplate(ctx context.Context, templateID string, args map[string]interface{}, mode runs.Mode) (*runs.Run, error)
	GetRun(id string) (*runs.Run, bool)
	ListRuns(f runs.ListFilter) ([]*runs.Run, int)
	CancelRun(id, reason string) bool
	Artifact(id string) (*artifacts.Artifact, bool)
	Profile() protocol.RuntimeProfile
}

// RegisterTaskTools installs the task op cluster into the registry.
func RegisterTaskTools(reg *Registry, svc TaskService) {
	reg.MustRegister(
		New("list_task_templates",
			"List available task templates with their input and output schemas.",
			schemaObject(map[string]interface{}{}),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return map[string]interface{}{"templates": svc.Templates()}, nil
			}),

		New("run_task_template",
			"Start a task template run. Mode sync waits for the result, async returns the queued run, auto decides by estimated work.",
			schemaObject(map[string]interface{}{
				"templateId": schemaString("Template id from list_task_templates"),
				"args":       map[string]interface{}{"type": "object", "description": "Template input object"},
				"mode":       schemaEnum("Execution mode", "sync", "async", "auto"),
			}, "templateId"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				templateID, err := requireString(args, "templateId")
				if err != nil {
					return nil, err
				}
				mode := runs.Mode(argString(args, "mode"))
				if mode == "" {
					mode = runs.ModeAuto
				}
				switch mode {
				case runs.ModeSync, runs.ModeAsync, runs.ModeAuto:
				default:
					return nil, protocol.NewError(protocol.CodeInvalidParameter, "mode must be sync, async, or auto")
				}
				run, err := svc.RunTemplate(ctx, templateID, argMap(args, "args"), mode)
				if err != nil {
					return nil, err
				}
				return run, nil
			}),

		New("get_task_run",
			"Fetch the current snapshot of a task run.",
			schemaObject(map[string]interface{}{
				"runId": schemaString("Run id"),
			}, "runId"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				id, err := requireString(args, "runId")
				if err != nil {
					return nil, err
				}
				run, ok := svc.GetRun(id)
				if !ok {
					return nil, protocol.NewError(protocol.CodeRunNotFound, "run %s not found", id)
				}
				return run, nil
			}),

		New("list_task_runs",
			"List task runs, newest first, with optional filters and pagination.",
			schemaObject(map[string]interface{}{
				"status":     schemaEnum("Filter by status", "queued", "running", "succeeded", "partial_success", "failed", "canceled"),
				"templateId": schemaString("Filter by template id"),
				"sessionId":  schemaString("Filter by browser session id"),
				"limit":      schemaNumber("Page size; default 20"),
				"offset":     schemaNumber("Page offset"),
			}),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				filter := runs.ListFilter{
					Status:     runs.Status(argString(args, "status")),
					TemplateID: argString(args, "templateId"),
					SessionID:  argString(args, "sessionId"),
					Limit:      argInt(args, "limit", 20),
					Offset:     argInt(args, "offset", 0),
				}
				items, total := svc.ListRuns(filter)
				return map[string]interface{}{"runs": items, "total": total}, nil
			}),

		New("cancel_task_run",
			"Request cooperative cancellation of a run.",
			schemaObject(map[string]interface{}{
				"runId":  schemaString("Run id"),
				"reason": schemaString("Optional reason recorded on the run"),
			}, "runId"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				id, err := requireString(args, "runId")
				if err != nil {
					return nil, err
				}
				reason := argString(args, "reason")
				if reason == "" {
					reason = "canceled by caller"
				}
				canceled := svc.CancelRun(id, reason)
				return map[string]interface{}{"runId": id, "canceled": canceled}, nil
			}),

		New("get_artifact",
			"Fetch an artifact by id. JSON artifacts are returned parsed, text as-is, binary base64-encoded.",
			schemaObject(map[string]interface{}{
				"artifactId": schemaString("Artifact id"),
			}, "artifactId"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				id, err := requireString(args, "artifactId")
				if err != nil {
					return nil, err
				}
				art, ok := svc.Artifact(id)
				if !ok {
					return nil, protocol.NewError(protocol.CodeInvalidParameter, "artifact %s not found or expired", id)
				}
				out := map[string]interface{}{
					"artifactId": art.ID,
					"kind":       string(art.Kind),
					"size":       art.Size,
					"createdAt":  art.CreatedAt,
				}
				switch art.Kind {
				case artifacts.KindJSON:
					var v interface{}
					if err := json.Unmarshal(art.Bytes, &v); err != nil {
						out["content"] = string(art.Bytes)
					} else {
						out["content"] = v
					}
				case artifacts.KindText:
					out["content"] = string(art.Bytes)
				default:
					out["contentBase64"] = base64.StdEncoding.EncodeToString(art.Bytes)
				}
				return out, nil
			}),

		New("get_runtime_profile",
			"Report server version, concurrency limits, trust level, and supported modes.",
			schemaObject(map[string]interface{}{}),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return svc.Profile(), nil
			}),
	)
}
