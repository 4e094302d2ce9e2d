package config

import (
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// Config is the root configuration for the webpilot server.
type Config struct {
	Server    ServerConfig    `json:"server"`
	LLM       LLMConfig       `json:"llm"`
	Agent     AgentConfig     `json:"agent"`
	Runs      RunsConfig      `json:"runs"`
	Browser   BrowserConfig   `json:"browser"`
	Artifacts ArtifactsConfig `json:"artifacts"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Enrich    EnrichConfig    `json:"enrich"`
	URLGuard  URLGuardConfig  `json:"url_guard"`
	Planner   PlannerConfig   `json:"planner"`
	DataDir   string          `json:"data_dir"`
}

// ServerConfig configures the HTTP/SSE/WS surface and the trust gate.
type ServerConfig struct {
	Host       string              `json:"host"`
	Port       int                 `json:"port"`
	Token      string              `json:"-"` // from env WEBPILOT_TOKEN only
	TrustLevel protocol.TrustLevel `json:"trust_level"` // "local" or "remote"

	// AllowedOrigins restricts WebSocket connections; empty = allow all.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// LLMConfig points the agent loop at an OpenAI-compatible endpoint.
// APIKey is NEVER read from the config file — env WEBPILOT_LLM_API_KEY only.
type LLMConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"-"`
	Model   string `json:"model"`

	// RatePerMinute caps LLM calls across all concurrent runs. 0 = unlimited.
	RatePerMinute int `json:"rate_per_minute,omitempty"`
}

// AgentConfig bounds the iterative agent loop.
type AgentConfig struct {
	MaxIterations        int `json:"max_iterations"`
	MaxConsecutiveErrors int `json:"max_consecutive_errors"`

	Conversation ConversationConfig `json:"conversation"`
}

// ConversationConfig bounds the message history held per agent run.
type ConversationConfig struct {
	MaxMessages       int `json:"max_messages"`
	CompressThreshold int `json:"compress_threshold"`
	KeepRecent        int `json:"keep_recent"`
	CharsPerToken     int `json:"chars_per_token"`
}

// RunsConfig bounds the run manager.
type RunsConfig struct {
	MaxConcurrentRuns int `json:"max_concurrent_runs"`

	// MaxPendingRuns bounds queued+running; beyond it submit fails with
	// RUN_BACKPRESSURE. 0 = 4x MaxConcurrentRuns.
	MaxPendingRuns int `json:"max_pending_runs,omitempty"`
}

// BrowserConfig configures the rod-backed driver.
type BrowserConfig struct {
	Headless bool `json:"headless"`

	// NavTimeoutMs bounds page navigation; exceeded ⇒ NAVIGATION_TIMEOUT.
	NavTimeoutMs int `json:"nav_timeout_ms,omitempty"`

	// MaxSessions caps concurrent browser sessions.
	MaxSessions int `json:"max_sessions,omitempty"`
}

// ArtifactsConfig caps the in-memory artifact store.
type ArtifactsConfig struct {
	MaxEntries   int   `json:"max_entries"`
	MaxBytes     int64 `json:"max_bytes"`
	DefaultTTLMs int64 `json:"default_ttl_ms"`
}

// KnowledgeConfig bounds the per-domain knowledge store.
type KnowledgeConfig struct {
	MaxDomains             int     `json:"max_domains"`
	MaxPatternsPerDomain   int     `json:"max_patterns_per_domain"`
	MaxArchivesPerDomain   int     `json:"max_archives_per_domain"`
	CardCache              int     `json:"card_cache"`
	FlushDelayMs           int64   `json:"flush_delay_ms"`
	ArchiveChangeThreshold float64 `json:"archive_change_threshold"`
	ConfidenceDecayBase    float64 `json:"confidence_decay_base"`
	MinConfidence          float64 `json:"min_confidence"`
	InjectBudgetChars      int     `json:"inject_budget_chars"`

	// WatchRecordings enables the fsnotify watcher on <dataDir>/memory/recordings.
	WatchRecordings bool `json:"watch_recordings"`
}

// EnrichConfig controls the result enricher.
type EnrichConfig struct {
	DetailLevel    string `json:"detail_level"` // "brief", "normal", "full"
	AdaptivePolicy bool   `json:"adaptive_policy"`
}

// URLGuardConfig controls URL ingress validation.
type URLGuardConfig struct {
	AllowFile    bool `json:"allow_file"`
	BlockPrivate bool `json:"block_private"`
}

// PlannerConfig controls plan classification.
type PlannerConfig struct {
	// LLMFallback consults the model when keyword rules miss.
	LLMFallback bool `json:"llm_fallback"`
}
