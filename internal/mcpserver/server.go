// Package mcpserver exposes a read-only MCP tool surface over the campaign
// catalogue so external AI clients can assist with campaign prep. The tools
// query entities, scan prose for entity references, and pre-check proposed
// names; none of them mutate state. Mutations stay behind the HTTP API where
// the forge pipeline enforces review.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/castfell/loresmith/internal/config"
	"github.com/castfell/loresmith/internal/entity"
	"github.com/castfell/loresmith/internal/forge/scan"
	"github.com/castfell/loresmith/internal/forge/validate"
	"github.com/castfell/loresmith/internal/observe"
)

const (
	// serverName identifies this MCP server to clients.
	serverName = "Loresmith MCP"

	// serverVersion identifies the MCP server version.
	serverVersion = "0.1.0"

	// httpShutdownTimeout bounds graceful drain of the streamable HTTP
	// listener after context cancellation.
	httpShutdownTimeout = 5 * time.Second
)

// Server hosts the MCP tool surface.
type Server struct {
	cfg       config.MCPConfig
	mcpServer *mcp.Server
	metrics   *observe.Metrics
	log       *slog.Logger
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics used for tool call accounting. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates an MCP server with the read-only campaign tools registered.
func New(cfg config.MCPConfig, store entity.Store, scanner *scan.Scanner, validator *validate.Validator, opts ...Option) *Server {
	s := &Server{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	mcp.AddTool(s.mcpServer, QueryEntitiesTool(), QueryEntitiesHandler(store, s.metrics))
	mcp.AddTool(s.mcpServer, ScanTextTool(), ScanTextHandler(scanner, s.metrics))
	mcp.AddTool(s.mcpServer, ValidateNameTool(), ValidateNameHandler(validator, s.metrics))
	return s
}

// Serve blocks until the context is cancelled or the transport fails. The
// transport comes from the configuration; an empty transport means stdio.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil || s.mcpServer == nil {
		return errors.New("mcpserver: server is not configured")
	}

	transport := s.cfg.Transport
	if transport == "" {
		transport = config.MCPTransportStdio
	}

	switch transport {
	case config.MCPTransportStdio:
		s.log.Info("mcp server starting", "transport", transport)
		return s.serveWithTransport(ctx, &mcp.StdioTransport{})
	case config.MCPTransportStreamableHTTP:
		return s.serveHTTP(ctx)
	default:
		return fmt.Errorf("mcpserver: transport %q is not supported", transport)
	}
}

// serveWithTransport runs the MCP server over the given transport. Context
// cancellation is the normal stop path, not an error.
func (s *Server) serveWithTransport(ctx context.Context, transport mcp.Transport) error {
	err := s.mcpServer.Run(ctx, transport)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mcpserver: serve: %w", err)
	}
	return nil
}

// serveHTTP exposes the MCP server over streamable HTTP on the configured
// listen address and drains the listener when the context ends.
func (s *Server) serveHTTP(ctx context.Context) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)

	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("mcp server listening", "transport", s.cfg.Transport, "addr", s.cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("mcpserver: shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mcpserver: serve http: %w", err)
		}
		return nil
	}
}
