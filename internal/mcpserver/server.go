// Package mcpserver exposes the engine's tool-invocation surface over MCP:
// background task execution, patch review/apply/reject, task graph queries,
// and system status, all registered on a single server.MCPServer and served
// over stdio.
package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/agentexec"
	"github.com/kandev/taskforge/internal/authreader"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/persist"
	"github.com/kandev/taskforge/internal/pool"
	"github.com/kandev/taskforge/internal/streaming"
)

// Deps wires the engine components a tool handler may need. Every field is
// a pointer to a long-lived, already-started component; nothing here is
// owned by the MCP server itself.
type Deps struct {
	Agent  *agentexec.Manager
	Store  persist.Store
	Auth   *authreader.Reader
	Pool   *pool.Pool
	Hub    *streaming.Hub
	LogDir string
	// DashboardURL is where open_dashboard points a browser and
	// dashboard_status probes; empty when the Streaming Hub is disabled.
	DashboardURL string
}

// Server wraps an MCP server bound to Deps, served over stdio.
type Server struct {
	deps Deps
	log  *logger.Logger
	mcp  *server.MCPServer
}

// New builds a Server and registers every tool in the external interface.
func New(deps Deps, log *logger.Logger) *Server {
	mcpServer := server.NewMCPServer(
		"taskforge",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	s := &Server{deps: deps, log: log, mcp: mcpServer}
	registerTools(mcpServer, deps, log)
	return s
}

// Serve runs the MCP server over stdio until stdin closes or the process is
// signaled. This call blocks.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("mcp server serving over stdio")
	if err := server.ServeStdio(s.mcp); err != nil {
		s.log.Error("mcp stdio server exited with error", zap.Error(err))
		return err
	}
	return nil
}
