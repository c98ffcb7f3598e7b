// Package mcp implements the Model Context Protocol server for arbiter.
//
// The MCP server exposes the investigator read surface through MCP tools
// and resources, allowing MCP-compatible AI agents to inspect workflows,
// decisions, and override lineage. Every tool is read-only: decisions are
// made by the pipeline, never through this surface.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/arbiterhq/arbiter/internal/service/decisions"
)

// Server wraps the MCP server with arbiter's query service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *decisions.Service
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources and tools.
func New(svc *decisions.Service, serviceVersion string, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"arbiter",
		serviceVersion,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(data []byte) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
