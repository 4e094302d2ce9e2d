package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/webpilot/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local environment for common problems",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	ok := true
	check := func(name string, pass bool, detail string) {
		status := "ok"
		if !pass {
			status = "FAIL"
			ok = false
		}
		fmt.Printf("%-28s %-4s %s\n", name, status, detail)
	}

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		check("config", false, err.Error())
		os.Exit(1)
	}
	check("config", true, resolveConfigPath())

	if path, found := launcher.LookPath(); found {
		check("browser binary", true, path)
	} else {
		check("browser binary", false, "no Chromium found; rod will download one on first launch")
	}

	probe := filepath.Join(cfg.DataDir, ".doctor")
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		check("data dir", false, err.Error())
	} else if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		check("data dir", false, err.Error())
	} else {
		os.Remove(probe)
		check("data dir", true, cfg.DataDir)
	}

	check("llm api key", cfg.LLM.APIKey != "", keyDetail(cfg.LLM.APIKey))
	check("llm endpoint", cfg.LLM.BaseURL != "", cfg.LLM.BaseURL+" model="+cfg.LLM.Model)
	check("trust level", cfg.Server.TrustLevel == "local" || cfg.Server.TrustLevel == "remote", string(cfg.Server.TrustLevel))

	if !ok {
		os.Exit(1)
	}
}

func keyDetail(key string) string {
	if key == "" {
		return "set WEBPILOT_LLM_API_KEY"
	}
	return fmt.Sprintf("present (%d chars)", len(key))
}
