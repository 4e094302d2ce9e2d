package orchestrator

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/webpilot/internal/artifacts"
	"github.com/nextlevelbuilder/webpilot/internal/runs"
	"github.com/nextlevelbuilder/webpilot/internal/tools"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// tools.TaskService implementation. The tool surface talks to the
// orchestrator only through this slice.

func (s *Service) Templates() []tools.TemplateInfo {
	return s.deps.Templates.List()
}

func (s *Service) RunTemplate(ctx context.Context, templateID string, args map[string]interface{}, mode runs.Mode) (*runs.Run, error) {
	return s.deps.Templates.Run(ctx, templateID, args, mode)
}

func (s *Service) GetRun(id string) (*runs.Run, bool) {
	run, err := s.deps.Runs.Get(id)
	if err != nil {
		return nil, false
	}
	return run, true
}

func (s *Service) ListRuns(f runs.ListFilter) ([]*runs.Run, int) {
	return s.deps.Runs.List(f)
}

func (s *Service) CancelRun(id, reason string) bool {
	if reason != "" {
		slog.Info("run.cancel", "run", id, "reason", reason)
	}
	return s.deps.Runs.Cancel(id)
}

func (s *Service) Artifact(id string) (*artifacts.Artifact, bool) {
	return s.deps.Artifacts.Get(id)
}

func (s *Service) Profile() protocol.RuntimeProfile {
	return protocol.RuntimeProfile{
		Version:           s.cfg.Version,
		MaxConcurrentRuns: s.cfg.MaxConcurrentRuns,
		TrustLevel:        s.cfg.Trust,
		SupportedModes:    []string{string(runs.ModeSync), string(runs.ModeAsync), string(runs.ModeAuto)},
	}
}
