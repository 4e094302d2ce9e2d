// Package mcpserver exposes the tool catalog over the Model Context
// Protocol. Every registry tool is republished verbatim: same name, same
// argument schema, results as JSON text content blocks with isError set on
// failure.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/webpilot/internal/tools"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

const instructions = "Browser automation tools for LLM agents. Create a session first, " +
	"then navigate and interact through the browser_* tools, or submit whole tasks " +
	"through the task tools. Tool errors carry a machine-readable errorCode."

// New builds an MCP server over the registry catalog.
func New(reg *tools.Registry, version string) *server.MCPServer {
	s := server.NewMCPServer("webpilot", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	for _, t := range reg.List() {
		schema, err := json.Marshal(t.Parameters)
		if err != nil {
			slog.Error("mcp.schema_marshal_failed", "tool", t.Name, "error", err)
			continue
		}
		name := t.Name
		s.AddTool(
			mcp.NewToolWithRawSchema(name, t.Description, schema),
			func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				result := reg.Invoke(ctx, name, req.GetArguments())
				if result.IsError() {
					// protocol errors ride inside the envelope, never as
					// transport-level failures
					return mcp.NewToolResultError(protocol.ErrorJSON(result.Err)), nil
				}
				return mcp.NewToolResultText(result.JSON()), nil
			},
		)
	}

	slog.Info("mcp.server_built", "tools", len(reg.List()))
	return s
}

// ServeStdio blocks serving the MCP server on stdin/stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// StreamableHTTP wraps the MCP server in the streamable HTTP transport so it
// can be mounted on the REST mux.
func StreamableHTTP(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s)
}
