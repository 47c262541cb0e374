// Package builtin holds the companion runtime's tool set.
package builtin

import (
	"tinyclaw/internal/heartware"
	"tinyclaw/internal/memory"
	"tinyclaw/internal/nudge"
	"tinyclaw/internal/provider"
	"tinyclaw/internal/sandbox"
	"tinyclaw/internal/storage"
	"tinyclaw/internal/subagent"
	"tinyclaw/internal/tools"
)

// Deps are the subsystems the builtin tools operate on. Tools that a nil
// dependency would break are simply not registered.
type Deps struct {
	DB        *storage.DB
	Memory    *memory.Engine
	Sandbox   *sandbox.Sandbox
	Agents    *subagent.Manager
	Runner    *subagent.Runner
	Estimator *subagent.Estimator
	Worker    *subagent.Worker
	Providers *provider.Registry
	Heartware *heartware.Manager
	Nudges    *nudge.Engine
}

// Register wires every builtin tool whose dependencies are present.
func Register(r *tools.Registry, d Deps) error {
	var set []tools.Tool

	if d.Memory != nil {
		set = append(set,
			newMemoryAddTool(d.Memory),
			newMemorySearchTool(d.Memory),
			newMemoryForgetTool(d.Memory),
		)
	}
	if d.Sandbox != nil {
		set = append(set, newExecuteCodeTool(d.Sandbox))
	}
	if d.Agents != nil && d.Worker != nil {
		set = append(set, newDelegateTaskTool(d))
		if d.Runner != nil {
			set = append(set, newDelegateBackgroundTool(d))
		}
		set = append(set,
			newListAgentsTool(d.Agents, d.DB),
			newDismissAgentTool(d.Agents),
			newReviveAgentTool(d.Agents),
		)
	}
	if d.Heartware != nil {
		set = append(set,
			newIdentityUpdateTool(d.Heartware),
			newHeartwareReadTool(d.Heartware),
		)
	}
	if d.Nudges != nil {
		set = append(set, newScheduleNudgeTool(d.Nudges))
	}
	if d.DB != nil {
		set = append(set,
			newReadBlackboardTool(d.DB),
			newWriteBlackboardTool(d.DB),
		)
	}

	for _, t := range set {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
