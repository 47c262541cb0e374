package sandbox

import "errors"

var (
	// ErrTimeout is returned when a script exceeds its wall-clock budget.
	ErrTimeout = errors.New("sandbox: execution timed out")
	// ErrShutdown is returned for executions requested after Shutdown.
	ErrShutdown = errors.New("sandbox: shut down")
	// ErrEmptyCode is returned when there is nothing to run.
	ErrEmptyCode = errors.New("sandbox: empty code")
)
