package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tinyclaw/internal/ipc"
	"tinyclaw/internal/server"
	"tinyclaw/internal/supervisor"
	"tinyclaw/pkg/logger"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var supervise bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tinyclaw runtime",
		Long: `Start the tinyclaw runtime.

This brings up the HTTP gateway on the configured loopback address
(default 127.0.0.1:3333), the websocket event surface, the background
pulse jobs, and the local control socket. Only one instance can run
per home directory.`,
		Example: `  # Start in the foreground
  tinyclaw serve

  # Start under the crash supervisor
  tinyclaw serve --supervise

  # Custom port
  tinyclaw serve --port 4444`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if supervise {
				return runSupervised(cmd)
			}
			return runServe(cmd)
		},
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")
	cmd.Flags().BoolVar(&supervise, "supervise", false, "restart on crash, with a crash-loop circuit breaker")

	return cmd
}

func runServe(cmd *cobra.Command) error {
	cliCtx := getContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}
	cfg := cliCtx.Cfg
	log := logger.Get()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Gateway.Host = host
	}

	srv, err := server.New(server.Options{
		Paths:   cliCtx.Paths,
		Config:  cfg,
		Version: Version,
		Logger:  *log,
	})
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	if err := srv.Start(); err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			return fmt.Errorf("another instance is already running (socket %s)", cliCtx.Paths.SocketPath())
		}
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("Interrupt received, shutting down")
	case err := <-srv.ErrorChan():
		if err != nil {
			log.Error().Err(err).Msg("Runtime error")
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			srv.Stop(stopCtx)
			return err
		}
		// Nil means an IPC-initiated stop already completed.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		return err
	}
	return nil
}

// runSupervised re-executes this binary without --supervise and restarts
// it whenever the child exits with the restart code.
func runSupervised(cmd *cobra.Command) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	var childArgs []string
	for _, a := range os.Args[1:] {
		if a == "--supervise" || a == "--supervise=true" {
			continue
		}
		childArgs = append(childArgs, a)
	}

	sup := supervisor.New(supervisor.Config{
		Path:         exe,
		Args:         childArgs,
		RestartDelay: 2 * time.Second,
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sup.Run(ctx); err != nil {
		if errors.Is(err, supervisor.ErrCrashLoop) {
			return fmt.Errorf("runtime is crash-looping, giving up: %w", err)
		}
		return err
	}
	return nil
}
