// Package templates implements the closed set of task templates. Every
// template validates its input before a run is created and executes as a
// sequence of tool-surface calls under a cooperative cancel token.
package templates

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/nextlevelbuilder/webpilot/internal/runs"
	"github.com/nextlevelbuilder/webpilot/internal/tools"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// Template is one closed, named procedure.
type Template interface {
	ID() string
	Description() string
	InputSchema() map[string]interface{}
	OutputSchema() map[string]interface{}

	// RequiresLocal gates the template behind trustLevel=local.
	RequiresLocal() bool

	// Validate rejects bad input before a run id is consumed.
	Validate(args map[string]interface{}) error

	// Units estimates workload for auto mode resolution and progress totals.
	Units(args map[string]interface{}) int

	Execute(ctx context.Context, rt *Runtime, args map[string]interface{}) (interface{}, error)
}

// Runtime is the per-run execution context handed to a template.
type Runtime struct {
	Tools    *tools.Registry
	Token    *runs.CancelToken
	Progress func(done, total int)
}

// Invoke funnels one sub-call through the tool surface after a token check.
func (rt *Runtime) Invoke(ctx context.Context, name string, args map[string]interface{}) *tools.Result {
	if err := rt.Token.Err(); err != nil {
		return &tools.Result{Err: err}
	}
	return rt.Tools.Invoke(ctx, name, args)
}

// sessionIDOf pulls the session id out of a create_session result.
func sessionIDOf(created *tools.Result) (string, error) {
	sid, _ := created.AsMap()["sessionId"].(string)
	if sid == "" {
		return "", protocol.NewError(protocol.CodeInternalError, "create_session returned no sessionId")
	}
	return sid, nil
}

func (rt *Runtime) progress(done, total int) {
	if rt.Progress != nil {
		rt.Progress(done, total)
	}
}

// Config tunes template execution.
type Config struct {
	Trust              protocol.TrustLevel
	MaxBatchURLs       int
	DefaultConcurrency int
	MaxConcurrency     int
	IndicatorTimeout   time.Duration
	IndicatorPoll      time.Duration
}

func (c *Config) defaults() {
	if c.MaxBatchURLs <= 0 {
		c.MaxBatchURLs = 50
	}
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = 3
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.IndicatorTimeout <= 0 {
		c.IndicatorTimeout = 10 * time.Second
	}
	if c.IndicatorPoll <= 0 {
		c.IndicatorPoll = 250 * time.Millisecond
	}
}

// Service owns the template catalog and turns template requests into runs.
type Service struct {
	templates map[string]Template
	tools     *tools.Registry
	runs      *runs.Manager
	cfg       Config
}

// NewService registers the built-in templates.
func NewService(toolReg *tools.Registry, runMgr *runs.Manager, cfg Config) *Service {
	cfg.defaults()
	s := &Service{
		templates: make(map[string]Template),
		tools:     toolReg,
		runs:      runMgr,
		cfg:       cfg,
	}
	s.register(&batchExtractPages{cfg: cfg})
	s.register(&loginKeepSession{cfg: cfg})
	s.register(&multiTabCompare{cfg: cfg})
	return s
}

func (s *Service) register(t Template) { s.templates[t.ID()] = t }

// List returns the catalog sorted by id.
func (s *Service) List() []tools.TemplateInfo {
	out := make([]tools.TemplateInfo, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, tools.TemplateInfo{
			ID:           t.ID(),
			Description:  t.Description(),
			InputSchema:  t.InputSchema(),
			OutputSchema: t.OutputSchema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get looks up a template by id.
func (s *Service) Get(id string) (Template, bool) {
	t, ok := s.templates[id]
	return t, ok
}

// RunOption tunes one template run.
type RunOption func(*runOptions)

type runOptions struct {
	onStart func(runID string)
}

// WithOnStart invokes fn with the run id from inside the executor, before the
// template does any work. Sync submitters use it to reach a run that is still
// in flight, for cancellation.
func WithOnStart(fn func(runID string)) RunOption {
	return func(o *runOptions) { o.onStart = fn }
}

// Run validates input, gates trust, and schedules the template as a run.
// Validation and trust failures never consume a run id.
func (s *Service) Run(ctx context.Context, templateID string, args map[string]interface{}, mode runs.Mode, opts ...RunOption) (*runs.Run, error) {
	t, ok := s.templates[templateID]
	if !ok {
		return nil, protocol.NewError(protocol.CodeTemplateNotFound, "template %q not found", templateID)
	}
	if t.RequiresLocal() && s.cfg.Trust != protocol.TrustLocal {
		return nil, protocol.NewError(protocol.CodeTrustLevelNotAllowed, "template %s requires trustLevel=local", templateID)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := t.Validate(args); err != nil {
		return nil, err
	}

	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	sessionID, _ := args["sessionId"].(string)
	units := t.Units(args)
	slog.Info("template.run", "template", templateID, "units", units, "mode", mode)

	// The run outlives the submitting request, so execution gets its own
	// context wired to the cancel token rather than the caller's.
	exec := func(runID string, token *runs.CancelToken, onProgress func(done, total int)) (interface{}, error) {
		if ro.onStart != nil {
			ro.onStart(runID)
		}
		execCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-token.Done():
				cancel()
			case <-execCtx.Done():
			}
		}()
		rt := &Runtime{Tools: s.tools, Token: token, Progress: onProgress}
		return t.Execute(execCtx, rt, args)
	}
	return s.runs.Submit(templateID, sessionID, false, units, exec, runs.SubmitOptions{Mode: mode})
}
