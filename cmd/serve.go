package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/webpilot/internal/agent"
	"github.com/nextlevelbuilder/webpilot/internal/artifacts"
	"github.com/nextlevelbuilder/webpilot/internal/browser"
	"github.com/nextlevelbuilder/webpilot/internal/config"
	"github.com/nextlevelbuilder/webpilot/internal/enrich"
	"github.com/nextlevelbuilder/webpilot/internal/httpapi"
	"github.com/nextlevelbuilder/webpilot/internal/knowledge"
	"github.com/nextlevelbuilder/webpilot/internal/mcpserver"
	"github.com/nextlevelbuilder/webpilot/internal/orchestrator"
	"github.com/nextlevelbuilder/webpilot/internal/planner"
	"github.com/nextlevelbuilder/webpilot/internal/providers"
	"github.com/nextlevelbuilder/webpilot/internal/runs"
	"github.com/nextlevelbuilder/webpilot/internal/templates"
	"github.com/nextlevelbuilder/webpilot/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/SSE/WebSocket server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// stack is the assembled runtime: every subsystem wired together once,
// shared by the HTTP server and the MCP surface.
type stack struct {
	cfg       *config.Config
	sessions  *browser.Manager
	runs      *runs.Manager
	registry  *tools.Registry
	orch      *orchestrator.Service
	knowledge *knowledge.Store
	watcher   *knowledge.Watcher
	api       *httpapi.Server
}

func buildStack(cfg *config.Config) (*stack, error) {
	driver := browser.NewRodDriver(browser.RodConfig{
		Headless:   cfg.Browser.Headless,
		NavTimeout: time.Duration(cfg.Browser.NavTimeoutMs) * time.Millisecond,
	})
	sessions := browser.NewManager(driver, cfg.Browser.MaxSessions)

	store := artifacts.NewStore(artifacts.StoreConfig{
		MaxEntries:   cfg.Artifacts.MaxEntries,
		MaxBytes:     cfg.Artifacts.MaxBytes,
		DefaultTTLMs: cfg.Artifacts.DefaultTTLMs,
	})

	reg := tools.NewRegistry()
	tools.RegisterBrowserTools(reg, &tools.BrowserDeps{
		Sessions:   sessions,
		Artifacts:  store,
		Guard:      &tools.URLGuard{AllowFile: cfg.URLGuard.AllowFile, BlockPrivate: cfg.URLGuard.BlockPrivate},
		Trust:      cfg.Server.TrustLevel,
		NavTimeout: time.Duration(cfg.Browser.NavTimeoutMs) * time.Millisecond,
	})
	tools.RegisterCompositeTools(reg)

	s := &stack{cfg: cfg, sessions: sessions, registry: reg}

	// The run manager feeds the WebSocket event feed; the server does not
	// exist yet, so route through the stack.
	s.runs = runs.NewManager(runs.ManagerConfig{
		MaxConcurrentRuns: cfg.Runs.MaxConcurrentRuns,
		MaxPendingRuns:    cfg.Runs.MaxPending(),
		OnEvent: func(runID, event string, payload interface{}) {
			if s.api != nil {
				s.api.PublishRunEvent(runID, event, payload)
			}
		},
	})

	tmpl := templates.NewService(reg, s.runs, templates.Config{Trust: cfg.Server.TrustLevel})
	provider := providers.NewOpenAIProvider("openai", cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model)

	know, err := knowledge.NewStore(knowledge.Config{
		DataDir:                cfg.DataDir,
		MaxDomains:             cfg.Knowledge.MaxDomains,
		MaxPatternsPerDomain:   cfg.Knowledge.MaxPatternsPerDomain,
		MaxArchivesPerDomain:   cfg.Knowledge.MaxArchivesPerDomain,
		CardCacheSize:          cfg.Knowledge.CardCache,
		FlushDelay:             time.Duration(cfg.Knowledge.FlushDelayMs) * time.Millisecond,
		ArchiveChangeThreshold: cfg.Knowledge.ArchiveChangeThreshold,
		ConfidenceDecayBase:    cfg.Knowledge.ConfidenceDecayBase,
		MinConfidence:          cfg.Knowledge.MinConfidence,
		InjectBudget:           cfg.Knowledge.InjectBudgetChars,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge store: %w", err)
	}
	s.knowledge = know

	if cfg.Knowledge.WatchRecordings {
		watcher, err := knowledge.NewWatcher(know, filepath.Join(cfg.DataDir, "memory", "recordings"))
		if err != nil {
			slog.Warn("serve.recording_watcher_failed", "error", err)
		} else {
			s.watcher = watcher
		}
	}

	var plannerOpts []planner.Option
	if cfg.Planner.LLMFallback {
		plannerOpts = append(plannerOpts, planner.WithLLMFallback(provider, cfg.LLM.Model))
	}

	var limiter *rate.Limiter
	if cfg.LLM.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.LLM.RatePerMinute)/60, 1)
	}

	s.orch = orchestrator.New(orchestrator.Config{
		Version:           Version,
		Trust:             cfg.Server.TrustLevel,
		MaxConcurrentRuns: cfg.Runs.MaxConcurrentRuns,
		Agent: agent.Config{
			Model:                cfg.LLM.Model,
			MaxIterations:        cfg.Agent.MaxIterations,
			MaxConsecutiveErrors: cfg.Agent.MaxConsecutiveErrors,
			Conversation: agent.ConversationConfig{
				MaxMessages:       cfg.Agent.Conversation.MaxMessages,
				CompressThreshold: cfg.Agent.Conversation.CompressThreshold,
				KeepRecent:        cfg.Agent.Conversation.KeepRecent,
				CharsPerToken:     cfg.Agent.Conversation.CharsPerToken,
			},
		},
	}, orchestrator.Deps{
		Planner:   planner.New(plannerOpts...),
		Templates: tmpl,
		Runs:      s.runs,
		Sessions:  sessions,
		Artifacts: store,
		Tools:     reg,
		Provider:  provider,
		Knowledge: know,
		Enricher: enrich.New(enrich.Config{
			DetailLevel: cfg.Enrich.DetailLevel,
			Adaptive:    cfg.Enrich.AdaptivePolicy,
		}),
		Limiter: limiter,
	})
	tools.RegisterTaskTools(reg, s.orch)

	s.api = httpapi.NewServer(cfg.Server, s.orch, sessions)
	s.api.MountMCP(mcpserver.StreamableHTTP(mcpserver.New(reg, Version)))
	return s, nil
}

// shutdown drains runs, reaps sessions, and flushes knowledge to disk.
func (s *stack) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.runs.Dispose(ctx); err != nil {
		slog.Warn("serve.runs_dispose_failed", "error", err)
	}
	s.sessions.CloseAll(ctx)
	if s.watcher != nil {
		s.watcher.Close()
	}
	if err := s.knowledge.Close(); err != nil {
		slog.Warn("serve.knowledge_close_failed", "error", err)
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	s, err := buildStack(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	defer s.shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("serve.ready",
		"version", Version,
		"trust", cfg.Server.TrustLevel,
		"tools", len(s.registry.List()),
	)
	if err := s.api.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}
