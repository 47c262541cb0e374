// Package sandbox runs untrusted JavaScript in an isolated goja VM with a
// hard wall-clock timeout. Each execution gets a fresh runtime: no filesystem,
// no network, no state carried between runs.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds scripts that do not ask for more.
	DefaultTimeout = 5 * time.Second
	// MaxTimeout is the ceiling any caller can request.
	MaxTimeout = 30 * time.Second

	maxOutputBytes = 64 * 1024
)

// Options tune a single execution.
type Options struct {
	// Timeout is the wall-clock budget. Zero means DefaultTimeout;
	// values above MaxTimeout are clamped.
	Timeout time.Duration
}

// Result is the structured outcome of one execution.
type Result struct {
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Sandbox executes code in throwaway goja runtimes. It tracks in-flight VMs
// so Shutdown can interrupt all of them.
type Sandbox struct {
	logger zerolog.Logger

	mu     sync.Mutex
	active map[*goja.Runtime]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a Sandbox.
func New(logger zerolog.Logger) *Sandbox {
	return &Sandbox{
		logger: logger.With().Str("component", "sandbox").Logger(),
		active: make(map[*goja.Runtime]struct{}),
	}
}

// Execute runs code and returns a structured result. Script errors land in
// Result.Error with Success false; only sandbox-level failures (shutdown)
// return a non-nil error.
func (s *Sandbox) Execute(ctx context.Context, code string, opts Options) (*Result, error) {
	return s.run(ctx, code, nil, opts)
}

// ExecuteWithInput runs code with input bound as a global `input` value
// inside the VM.
func (s *Sandbox) ExecuteWithInput(ctx context.Context, code string, input any, opts Options) (*Result, error) {
	return s.run(ctx, code, &input, opts)
}

func (s *Sandbox) run(ctx context.Context, code string, input *any, opts Options) (*Result, error) {
	if strings.TrimSpace(code) == "" {
		return nil, ErrEmptyCode
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	s.active[vm] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, vm)
		s.mu.Unlock()
		s.wg.Done()
	}()

	var output strings.Builder
	if err := bindConsole(vm, &output); err != nil {
		return nil, fmt.Errorf("sandbox console: %w", err)
	}
	if input != nil {
		if err := vm.Set("input", *input); err != nil {
			return nil, fmt.Errorf("sandbox input binding: %w", err)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-execCtx.Done():
			vm.Interrupt(execCtx.Err())
		case <-watchDone:
		}
	}()

	started := time.Now()
	value, err := vm.RunString(code)
	close(watchDone)
	elapsed := time.Since(started)

	res := &Result{DurationMs: elapsed.Milliseconds()}
	if err != nil {
		res.Error = scriptError(err, execCtx)
		res.Output = clampOutput(output.String())
		s.logger.Debug().Dur("elapsed", elapsed).Str("error", res.Error).Msg("script failed")
		return res, nil
	}

	res.Success = true
	res.Output = clampOutput(renderResult(output.String(), value))
	s.logger.Debug().Dur("elapsed", elapsed).Msg("script completed")
	return res, nil
}

// Shutdown interrupts every outstanding VM and waits for them to unwind.
// Further executions fail with ErrShutdown.
func (s *Sandbox) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for vm := range s.active {
		vm.Interrupt(ErrShutdown)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// bindConsole wires console.log/warn/error to an output buffer. That is the
// whole host surface: scripts get no other bindings.
func bindConsole(vm *goja.Runtime, out *strings.Builder) error {
	log := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		if out.Len() < maxOutputBytes {
			out.WriteString(strings.Join(parts, " "))
			out.WriteByte('\n')
		}
		return goja.Undefined()
	}
	console := vm.NewObject()
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, log); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

// renderResult appends the script's final value to the captured console
// output, so `1 + 1` alone still produces something useful.
func renderResult(logs string, value goja.Value) string {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return strings.TrimRight(logs, "\n")
	}
	exported := value.String()
	if logs == "" {
		return exported
	}
	return strings.TrimRight(logs, "\n") + "\n" + exported
}

func scriptError(err error, ctx context.Context) string {
	if ctx.Err() != nil {
		return ErrTimeout.Error()
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.Value().String()
	}
	return err.Error()
}

func clampOutput(s string) string {
	if len(s) > maxOutputBytes {
		return s[:maxOutputBytes] + "\n… output truncated"
	}
	return s
}
