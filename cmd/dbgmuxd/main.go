// Command dbgmuxd is the server binary: it parses mode-selection flags,
// loads configuration, and wires the Session Manager, Notification
// Fabric, Tool Surface dispatcher and the selected transport together — a
// cobra root command with a PersistentPreRunE that loads .env via
// godotenv (skipped when running under systemd), viper-bound persistent
// flags, and signal-driven graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/dbgmux/internal/config"
	"github.com/hrygo/dbgmux/internal/version"
	"github.com/hrygo/dbgmux/metrics"
	"github.com/hrygo/dbgmux/notify"
	"github.com/hrygo/dbgmux/session"
	httptransport "github.com/hrygo/dbgmux/transport/http"
	"github.com/hrygo/dbgmux/transport/stdio"

	"github.com/hrygo/dbgmux/toolsurface"
)

var rootCmd = &cobra.Command{
	Use:   "dbgmuxd",
	Short: "Multiplexes concurrent crash-dump analysis sessions over a pool of CDB/WinDbg-class debugger processes.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: run,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("mode", string(config.ModeStdio), `transport mode: "stdio", "http", or "service"`)
	flags.String("addr", "127.0.0.1", "address the HTTP transport binds to")
	flags.Int("port", 28082, "port the HTTP transport binds to")
	flags.String("debugger-path", "cdb", "path to the CDB/WinDbg-class debugger executable")
	flags.String("log-path", "", "log file path (required in stdio mode: stdout is reserved for the JSON-RPC stream)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Int("max-concurrent-sessions", 1000, "maximum number of concurrently open sessions")
	flags.Duration("session-idle-timeout", 30*time.Minute, "idle duration after which a session is reaped")
	flags.Bool("delete-dump-on-close", false, "delete the dump file when its session closes")

	for _, name := range []string{
		"mode", "addr", "port", "debugger-path", "log-path", "log-level",
		"max-concurrent-sessions", "session-idle-timeout", "delete-dump-on-close",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("dbgmux")
	viper.AutomaticEnv()
}

// isRunningAsSystemdService detects systemd invocation, so a deployed
// service picks up environment variables from its unit file instead of a
// stray .env in the cwd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func buildLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogPath == "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return slog.New(slog.NewJSONHandler(f, opts)), func() { _ = f.Close() }, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	cfg.FromEnv()
	cfg.FromViper(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	logger.Info("dbgmuxd starting", "version", version.String(), "mode", cfg.Mode)

	fabric := notify.New()
	sessions, err := session.NewManager(logger, cfg, fabric)
	if err != nil {
		return fmt.Errorf("construct session manager: %w", err)
	}
	dispatcher := toolsurface.New(logger, sessions, fabric)
	reg := metrics.New()
	sessions.SetHooks(reg.SessionHooks())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go reg.RunSampler(ctx, sessions, fabric, 5*time.Second)
	go dispatcher.RunHealthPublisher(ctx, cfg.HealthCheckInterval)

	var serveErr error
	switch cfg.Mode {
	case config.ModeStdio:
		serveErr = runStdio(ctx, logger, dispatcher, fabric)
	case config.ModeHTTP, config.ModeService:
		serveErr = runHTTP(ctx, logger, cfg, dispatcher, fabric, reg)
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServiceShutdownTimeout)
	defer cancel()
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dbgmuxd: session shutdown did not complete cleanly", "error", err)
	}
	return serveErr
}

func runStdio(ctx context.Context, logger *slog.Logger, dispatcher *toolsurface.Dispatcher, fabric *notify.Fabric) error {
	srv := stdio.New(logger, dispatcher, fabric, os.Stdin, os.Stdout)
	err := srv.Serve(ctx)
	if err != nil && ctx.Err() != nil {
		return nil // shutdown via signal, not a read failure
	}
	return err
}

func runHTTP(ctx context.Context, logger *slog.Logger, cfg *config.Config, dispatcher *toolsurface.Dispatcher, fabric *notify.Fabric, reg *metrics.Registry) error {
	e := httptransport.NewEcho(logger, dispatcher, fabric, reg)
	addr := fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http transport listening", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DisposalTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
