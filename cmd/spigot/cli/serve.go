package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/spigot/internal/server"
	"github.com/faucetdb/spigot/internal/service"
)

const banner = `
 ___ ___ ___ ___  ___ _____
/ __| _ \_ _/ __|/ _ \_   _|
\__ \  _/| | (_ | (_) || |
|___/_| |___\___|\___/ |_|
`

func newServeCmd() *cobra.Command {
	var (
		port          int
		host          string
		noUI          bool
		dev           bool
		background    bool
		sweepInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Spigot server",
		Long: `Start the HTTP server that authenticates administrators and guards the admin API.

A sweeper runs alongside the server and periodically deletes dead sessions and
expired lockouts. Both run under a supervisor that restarts them on failure.`,
		Example: `  spigot serve
  spigot serve --port 9090 --no-ui
  spigot serve --background   # detach; stop with 'spigot stop'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if background {
				return startBackground()
			}
			return runServe(noUI, dev, sweepInterval)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&noUI, "no-ui", false, "Disable the admin UI")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")
	cmd.Flags().BoolVar(&background, "background", false, "Run the server as a detached background process")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 5*time.Minute, "How often dead sessions and expired lockouts are deleted")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(noUI, dev bool, sweepInterval time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if noUI {
		cfg.Server.EnableUI = false
	}
	if dev {
		cfg.Logging.Level = "debug"
	}

	if cfg.Logging.File == "" {
		fmt.Print(banner)
		fmt.Println()
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	logger.Info("store initialized", "driver", a.store.Dialect())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hasAdmin, err := a.store.HasAnyAdmin(ctx)
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - POST /auth/register or run: spigot admin create")
	}

	srv := a.server()
	sweeper := service.NewSweeper(a.sessions, a.lockout, sweepInterval, service.WithLogger(logger))

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}
	defer removePID()

	host := cfg.Server.Host
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	fmt.Printf("→ Spigot %s\n", versionString())
	fmt.Printf("→ Listening on %s\n", base)
	if cfg.Server.EnableUI {
		fmt.Printf("→ Admin UI:   %s/admin\n", base)
	}
	fmt.Printf("→ OpenAPI:    %s/openapi.json\n", base)
	fmt.Printf("→ Health:     %s/healthz\n", base)
	fmt.Println()

	return server.Run(ctx, server.DefaultSupervisorConfig(), logger, srv, sweeper)
}

// startBackground re-executes serve without --background as a detached
// child whose logs go to the rotating log file in the data directory.
func startBackground() error {
	if pid, err := readPID(); err == nil && isProcessRunning(pid) {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	args := make([]string, 0, len(os.Args))
	for _, arg := range os.Args[1:] {
		if arg == "--background" || arg == "--background=true" {
			continue
		}
		args = append(args, arg)
	}

	child := exec.Command(exe, args...)
	child.Env = append(os.Environ(), "SPIGOT_LOGGING_FILE="+logFilePath())
	setSysProcAttr(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}
	if err := writePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	fmt.Printf("Spigot server started in the background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Println("  Stop: spigot stop")
	return child.Process.Release()
}
