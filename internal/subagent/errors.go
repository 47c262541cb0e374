// Package subagent manages the lifecycle of delegated worker agents: spawn,
// reuse, suspension, templates, and resource estimation for their tasks.
package subagent

import "errors"

var (
	// ErrCapacityExceeded is returned when a user already has the maximum
	// number of active subagents.
	ErrCapacityExceeded = errors.New("subagent: active capacity exceeded")
)
