package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// Handler executes one tool call. Returned errors are converted to error
// envelopes by the registry; they never reach the protocol client raw.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Tool is one entry of the uniform catalog.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON schema (object with required/type)
	Handler     Handler

	schema *jsonschema.Schema
}

// New builds a tool from its schema and handler.
func New(name, description string, parameters map[string]interface{}, handler Handler) *Tool {
	return &Tool{Name: name, Description: description, Parameters: parameters, Handler: handler}
}

// Registry is the uniform tool catalog invoked by both the agent loop and
// the template executor.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its argument schema. Re-registering a name
// replaces the previous entry.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool requires a name and handler")
	}
	if t.Parameters != nil {
		schema, err := compileSchema(t.Name, t.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s: %w", t.Name, err)
		}
		t.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	return nil
}

// MustRegister registers a batch and panics on schema bugs (init-time only).
func (r *Registry) MustRegister(ts ...*Tool) {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up a tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke is the safety envelope: schema validation, panic recovery, and
// error capture. It never panics and never returns a nil result.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return &Result{Err: protocol.NewError(protocol.CodeInvalidParameter, "unknown tool %q", name)}
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	if t.schema != nil {
		if err := t.schema.Validate(normalizeForSchema(args)); err != nil {
			return &Result{Err: protocol.NewError(protocol.CodeInvalidParameter, "%s: %s", name, schemaErrorField(err))}
		}
	}

	result := r.safeCall(ctx, t, args)
	if result.Err != nil {
		slog.Warn("tool.error", "tool", name, "code", result.ErrorCode(), "error", protocol.MessageOf(result.Err))
	} else {
		slog.Debug("tool.ok", "tool", name)
	}
	return result
}

func (r *Registry) safeCall(ctx context.Context, t *Tool, args map[string]interface{}) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool.panic", "tool", t.Name, "panic", rec)
			result = &Result{Err: protocol.NewError(protocol.CodeInternalError, "tool %s panicked: %v", t.Name, rec)}
		}
	}()
	data, err := t.Handler(ctx, args)
	if err != nil {
		return &Result{Err: err}
	}
	return &Result{Data: data}
}

func compileSchema(name string, params map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// normalizeForSchema round-trips args through JSON so validation sees the
// same shapes a wire client would send.
func normalizeForSchema(args map[string]interface{}) interface{} {
	b, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return args
	}
	return v
}

// schemaErrorField reduces a validation error to its most specific leaf so
// callers get a human-readable field name.
func schemaErrorField(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := strings.TrimPrefix(ve.InstanceLocation, "/")
	if loc == "" {
		return ve.Message
	}
	return fmt.Sprintf("%s: %s", strings.ReplaceAll(loc, "/", "."), ve.Message)
}
