package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tinyclaw/internal/storage"
	"tinyclaw/internal/subagent"
	"tinyclaw/internal/tools"
)

type listAgentsTool struct {
	tools.Base
	mgr *subagent.Manager
	db  *storage.DB
}

func newListAgentsTool(mgr *subagent.Manager, db *storage.DB) *listAgentsTool {
	return &listAgentsTool{
		Base: tools.Base{
			ToolName:        "list_agents",
			ToolDescription: "List the user's worker agents and their status.",
			RestrictToOwner: true,
		},
		mgr: mgr,
		db:  db,
	}
}

func (t *listAgentsTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	userID, ok := tools.StringArg(args, "user_id")
	if !ok {
		return tools.Fail("list_agents needs a user"), nil
	}
	agents, err := t.db.ListSubagents(userID,
		storage.AgentActive, storage.AgentSuspended, storage.AgentSoftDeleted)
	if err != nil {
		return tools.Fail("listing failed: %v", err), nil
	}
	if len(agents) == 0 {
		return tools.Ok("No worker agents yet."), nil
	}

	var b strings.Builder
	for _, a := range agents {
		total := a.TasksCompleted + a.TasksFailed
		fmt.Fprintf(&b, "- %s (%s): %s, %d tasks, score %.2f (id %s)\n",
			a.Name, a.Status, a.RoleDescription, total, a.PerformanceScore, a.AgentID)
	}
	return tools.Ok(strings.TrimRight(b.String(), "\n")), nil
}

type dismissAgentTool struct {
	tools.Base
	mgr *subagent.Manager
}

func newDismissAgentTool(mgr *subagent.Manager) *dismissAgentTool {
	return &dismissAgentTool{
		Base: tools.Base{
			ToolName:        "dismiss_agent",
			ToolDescription: "Retire a worker agent. Its history is kept for a while and then purged.",
			Schema: tools.ObjectSchema(map[string]any{
				"agent_id": tools.StringProp("The agent to dismiss."),
			}, "agent_id"),
			RestrictToOwner: true,
		},
		mgr: mgr,
	}
}

func (t *dismissAgentTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	agentID, ok := tools.StringArg(args, "agent_id")
	if !ok {
		return tools.Fail("dismiss_agent needs an agent_id"), nil
	}
	if err := t.mgr.Dismiss(agentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return tools.Fail("no such agent"), nil
		}
		return tools.Fail("dismiss failed: %v", err), nil
	}
	return tools.Ok("Agent dismissed."), nil
}

type reviveAgentTool struct {
	tools.Base
	mgr *subagent.Manager
}

func newReviveAgentTool(mgr *subagent.Manager) *reviveAgentTool {
	return &reviveAgentTool{
		Base: tools.Base{
			ToolName:        "revive_agent",
			ToolDescription: "Bring a suspended or dismissed worker agent back to active.",
			Schema: tools.ObjectSchema(map[string]any{
				"agent_id": tools.StringProp("The agent to revive."),
			}, "agent_id"),
			RestrictToOwner: true,
		},
		mgr: mgr,
	}
}

func (t *reviveAgentTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	agentID, ok := tools.StringArg(args, "agent_id")
	if !ok {
		return tools.Fail("revive_agent needs an agent_id"), nil
	}
	err := t.mgr.Revive(agentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return tools.Fail("no such agent"), nil
	case errors.Is(err, subagent.ErrCapacityExceeded):
		return tools.Fail("all agent slots are busy; dismiss one first"), nil
	case err != nil:
		return tools.Fail("revive failed: %v", err), nil
	}
	return tools.Ok("Agent revived."), nil
}
