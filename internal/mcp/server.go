package mcp

import (
	"context"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/spigot/internal/service"
)

// Deps are the services the operator tools act through.
type Deps struct {
	Admins   *service.AdminService
	Sessions *service.SessionRegistry
	Lockout  *service.LockoutGuard
}

// MCPServer wraps the mcp-go server with spigot's operator tools. It lets an
// MCP client inspect administrators, sessions and lockouts and revoke or
// clear them. Every call acts with local operator authority, so it should
// only be exposed over stdio or on a trusted interface.
type MCPServer struct {
	deps   Deps
	policy Policy
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer with all tools and resources
// registered. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(deps Deps, policy Policy, version string, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		deps:   deps,
		policy: policy,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"Spigot Session Security",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio serves MCP over in and out until ctx is cancelled or in is
// closed. This is how desktop MCP clients launch the server.
func (s *MCPServer) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.NewStdioServer(s.server).Listen(ctx, in, out)
}

// ServeHTTP serves MCP in Streamable HTTP mode on addr until ctx is
// cancelled.
func (s *MCPServer) ServeHTTP(ctx context.Context, addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("MCP HTTP server starting", "addr", addr)
		errCh <- httpServer.Start(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	if err := httpServer.Shutdown(context.Background()); err != nil {
		return err
	}
	return ctx.Err()
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
