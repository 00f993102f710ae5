package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for operator agents",
		Long: `Start a Model Context Protocol (MCP) server exposing operator tools: list
administrators, sessions and lockouts, revoke sessions and clear lockouts.

Tools act with local operator authority. In stdio mode the server talks JSON-RPC
over stdin/stdout, suitable for desktop MCP clients. HTTP mode listens on
localhost only; put an authenticating proxy in front before exposing it.`,
		Example: `  spigot mcp                             # stdio mode
  spigot mcp --transport http --port 3001  # Streamable HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "", "Transport mode: stdio or http (default from mcp.transport)")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")

	return cmd
}

func runMCP(transport string, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if transport == "" {
		transport = cfg.MCP.Transport
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "mcp" // operator tools never issue tokens
	}

	// stdout carries the protocol in stdio mode, so logs always go to stderr.
	logger := newLogger(cfg.Logging, os.Stderr)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := a.mcpServer()
	switch transport {
	case "", "stdio":
		return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
	case "http":
		err := srv.ServeHTTP(ctx, fmt.Sprintf("127.0.0.1:%d", port))
		if ctx.Err() != nil {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
