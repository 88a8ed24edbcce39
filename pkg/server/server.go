// Package server provides the MCP server that exposes the changeset tools
// over stdio, and the HTTP server for metrics and health endpoints.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/NERVsystems/osmadiff/pkg/tools"
	"github.com/NERVsystems/osmadiff/pkg/version"
)

// ServerName is the name of the MCP server
const ServerName = "osmadiff"

// Server encapsulates the MCP server with the changeset tools.
type Server struct {
	srv    *mcpserver.MCPServer
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewServer creates an MCP server with every tool of registry registered.
func NewServer(registry *tools.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("initializing MCP server",
		"name", ServerName,
		"version", version.BuildVersion)

	srv := mcpserver.NewMCPServer(
		ServerName,
		version.BuildVersion,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	registry.RegisterTools(srv)

	return &Server{
		srv:    srv,
		logger: logger,
		doneCh: make(chan struct{}),
	}
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.srv
}

// RunWithContext serves MCP on stdin/stdout until ctx is cancelled, stdin is
// closed or Shutdown is called.
func (s *Server) RunWithContext(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve serves MCP over the given streams. A server runs at most once.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	defer close(s.doneCh)
	defer s.cancel()

	stdio := mcpserver.NewStdioServer(s.srv)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	s.logger.Info("serving MCP on stdio")
	err := stdio.Listen(ctx, in, out)
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		s.logger.Info("MCP server stopped")
		return nil
	}
	s.logger.Error("server error", "error", err)
	return err
}

// Shutdown initiates a graceful shutdown of the server.
// It does not block and returns immediately.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

// WaitForShutdown blocks until a started server has fully shut down.
func (s *Server) WaitForShutdown() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		<-s.doneCh
	}
}
