package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/webpilot/internal/config"
	"github.com/nextlevelbuilder/webpilot/internal/mcpserver"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool catalog over MCP on stdin/stdout",
		Long: "Runs the full automation stack and exposes every tool over the Model " +
			"Context Protocol. Intended to be spawned by an MCP client; logs go to stderr.",
		Run: func(cmd *cobra.Command, args []string) {
			runMCP()
		},
	}
}

func runMCP() {
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

	if err := mcpserver.ServeStdio(mcpserver.New(s.registry, Version)); err != nil {
		fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
		os.Exit(1)
	}
}
