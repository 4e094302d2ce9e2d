package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       18890,
			TrustLevel: protocol.TrustLocal,
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Agent: AgentConfig{
			MaxIterations:        20,
			MaxConsecutiveErrors: 3,
			Conversation: ConversationConfig{
				MaxMessages:       40,
				CompressThreshold: 30,
				KeepRecent:        20,
				CharsPerToken:     4,
			},
		},
		Runs: RunsConfig{
			MaxConcurrentRuns: 16,
		},
		Browser: BrowserConfig{
			Headless:     true,
			NavTimeoutMs: 30000,
			MaxSessions:  32,
		},
		Artifacts: ArtifactsConfig{
			MaxEntries:   256,
			MaxBytes:     64 << 20,
			DefaultTTLMs: 30 * 60 * 1000,
		},
		Knowledge: KnowledgeConfig{
			MaxDomains:             200,
			MaxPatternsPerDomain:   30,
			MaxArchivesPerDomain:   5,
			CardCache:              10,
			FlushDelayMs:           5000,
			ArchiveChangeThreshold: 0.5,
			ConfidenceDecayBase:    0.95,
			MinConfidence:          0.1,
			InjectBudgetChars:      2000,
			WatchRecordings:        true,
		},
		Enrich: EnrichConfig{
			DetailLevel:    "normal",
			AdaptivePolicy: true,
		},
		URLGuard: URLGuardConfig{
			AllowFile:    false,
			BlockPrivate: true,
		},
		DataDir: "~/.webpilot",
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.expandPaths()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values; secrets come from env only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("WEBPILOT_LLM_API_KEY", &c.LLM.APIKey)
	envStr("WEBPILOT_LLM_BASE_URL", &c.LLM.BaseURL)
	envStr("WEBPILOT_LLM_MODEL", &c.LLM.Model)
	envStr("WEBPILOT_TOKEN", &c.Server.Token)
	envStr("WEBPILOT_DATA_DIR", &c.DataDir)

	if v := os.Getenv("WEBPILOT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("WEBPILOT_TRUST_LEVEL"); v == "local" || v == "remote" {
		c.Server.TrustLevel = protocol.TrustLevel(v)
	}
}

// expandPaths resolves "~" in path-valued fields.
func (c *Config) expandPaths() {
	c.DataDir = expandHome(c.DataDir)
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// MaxPending resolves the effective queued+running bound.
func (c *RunsConfig) MaxPending() int {
	if c.MaxPendingRuns > 0 {
		return c.MaxPendingRuns
	}
	return c.MaxConcurrentRuns * 4
}
