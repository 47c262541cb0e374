// Package supervisor keeps the serve process alive across deliberate
// restarts. A child exiting with the restart code is respawned; a crash loop
// trips the circuit breaker instead of spinning forever.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"tinyclaw/pkg/logger"
)

// RestartExitCode is the exit code a child uses to request a respawn.
const RestartExitCode = 75

const (
	// Restarts inside this window count toward the circuit breaker.
	breakerWindow = 60 * time.Second

	// breakerLimit rapid restarts within the window abort supervision.
	breakerLimit = 5
)

// ErrCrashLoop is returned when the circuit breaker trips.
var ErrCrashLoop = errors.New("supervisor: too many rapid restarts")

// Config describes the child process.
type Config struct {
	Path string
	Args []string
	Env  []string

	// RestartDelay is the pause before each respawn.
	RestartDelay time.Duration
}

// Supervisor runs the child in a loop.
type Supervisor struct {
	cfg    Config
	starts []time.Time
	now    func() time.Time
}

// New creates a supervisor for the given child configuration.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg, now: time.Now}
}

// Run starts the child and respawns it each time it exits with
// RestartExitCode. Any other exit ends supervision: nil for a clean exit,
// the child's error otherwise. Context cancellation stops the child.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := s.admitStart(); err != nil {
			return err
		}

		code, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case code == RestartExitCode:
			logger.Info().Int("code", code).Msg("Child requested restart")
		case err != nil:
			return fmt.Errorf("supervisor: child failed: %w", err)
		default:
			logger.Info().Msg("Child exited cleanly")
			return nil
		}

		if s.cfg.RestartDelay > 0 {
			select {
			case <-time.After(s.cfg.RestartDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// admitStart records a start attempt and trips the breaker when too many
// land inside the window.
func (s *Supervisor) admitStart() error {
	now := s.now()
	kept := s.starts[:0]
	for _, t := range s.starts {
		if now.Sub(t) < breakerWindow {
			kept = append(kept, t)
		}
	}
	s.starts = append(kept, now)

	if len(s.starts) > breakerLimit {
		logger.Error().
			Int("restarts", len(s.starts)-1).
			Dur("window", breakerWindow).
			Msg("Crash loop detected, giving up")
		return ErrCrashLoop
	}
	return nil
}

// runOnce starts the child and waits for it, returning its exit code.
func (s *Supervisor) runOnce(ctx context.Context) (int, error) {
	cmd := exec.CommandContext(ctx, s.cfg.Path, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	configureChild(cmd)

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start child: %w", err)
	}
	logger.Info().Int("pid", cmd.Process.Pid).Str("path", s.cfg.Path).Msg("Child started")

	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), err
	}
	return -1, err
}
