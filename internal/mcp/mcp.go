// Package mcp implements the Model Context Protocol server for threadbox.
//
// The MCP server exposes the thread operations of the HTTP API as MCP tools,
// so MCP-compatible agents can create threads, start runs and read their
// logs. Every tool calls the same threads.Service as the HTTP handlers.
package mcp

import (
	"encoding/json"
	"errors"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/threadbox/internal/service/threads"
	"github.com/ashita-ai/threadbox/internal/storage"
)

// Server wraps the MCP server with threadbox's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	threads   *threads.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools.
func New(svc *threads.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		threads: svc,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"threadbox",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error()), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// serviceErrorResult turns a threads.Service error into a tool error. Input
// and state errors are shown verbatim; anything else is logged and reported
// generically.
func (s *Server) serviceErrorResult(op string, err error) *mcplib.CallToolResult {
	var inputErr *threads.InputError
	switch {
	case errors.As(err, &inputErr):
		return errorResult(inputErr.Error())
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("thread not found")
	case errors.Is(err, threads.ErrAlreadyRunning):
		return errorResult("thread already has an active run; wait for it to finish")
	case errors.Is(err, threads.ErrShuttingDown):
		return errorResult("server is shutting down; retry shortly")
	default:
		s.logger.Error("mcp: tool failed", "op", op, "error", err)
		return errorResult(op + " failed")
	}
}
