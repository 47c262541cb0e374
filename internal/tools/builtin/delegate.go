package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tinyclaw/internal/provider"
	"tinyclaw/internal/storage"
	"tinyclaw/internal/subagent"
	"tinyclaw/internal/tools"
)

// foregroundTimeout bounds a delegation the owner is waiting on.
const foregroundTimeout = 60 * time.Second

// resolveAgent finds an agent to carry a role: a reusable existing agent
// first, then a matching template, then a fresh create. Revived agents obey
// the capacity cap. The returned tier is the reused agent's stored preference
// when it has one, otherwise the requested tier; fresh agents persist the
// requested tier as their preference.
func resolveAgent(d Deps, userID, role string, requested provider.Tier) (*storage.Subagent, provider.Tier, error) {
	if agent, _, err := d.Agents.FindReusable(userID, role); err == nil && agent != nil {
		if agent.Status != storage.AgentActive {
			if err := d.Agents.Revive(agent.AgentID); err != nil {
				return nil, requested, err
			}
		}
		fresh, err := d.DB.GetSubagent(agent.AgentID)
		if err != nil {
			return nil, requested, err
		}
		tier := requested
		if pref := provider.Tier(fresh.TierPreference); provider.ValidTier(pref) {
			tier = pref
		}
		return fresh, tier, nil
	}

	name := roleName(role)
	templateID := ""
	if tpl, err := d.Agents.FindBestTemplate(userID, role); err == nil && tpl != nil {
		name, role, templateID = tpl.Name, tpl.RoleDescription, tpl.TemplateID
	}
	agent, err := d.Agents.Create(userID, name, role, nil, string(requested), templateID)
	return agent, requested, err
}

// roleName condenses a role description into a short agent name.
func roleName(role string) string {
	words := strings.Fields(role)
	if len(words) > 4 {
		words = words[:4]
	}
	if len(words) == 0 {
		return "Worker"
	}
	return strings.Join(words, " ")
}

func delegationTier(args map[string]any) provider.Tier {
	tier := provider.Tier(tools.StringArgOr(args, "tier", string(provider.TierModerate)))
	if !provider.ValidTier(tier) {
		tier = provider.TierModerate
	}
	return tier
}

type delegateTaskTool struct {
	tools.Base
	d Deps
}

func newDelegateTaskTool(d Deps) *delegateTaskTool {
	return &delegateTaskTool{
		Base: tools.Base{
			ToolName:        "delegate_task",
			ToolDescription: "Hand a task to a role-scoped worker agent and wait for its answer. Use for bounded work the user wants now.",
			Schema: tools.ObjectSchema(map[string]any{
				"task": tools.StringProp("What the worker should do."),
				"role": tools.StringProp("The worker's role, e.g. 'Travel Planning Assistant'."),
				"tier": tools.StringProp("Optional routing tier: simple, moderate, complex, or reasoning."),
			}, "task", "role"),
			RestrictToOwner: true,
		},
		d: d,
	}
}

func (t *delegateTaskTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	userID, ok := tools.StringArg(args, "user_id")
	if !ok {
		return tools.Fail("delegation needs a user"), nil
	}
	task, ok := tools.StringArg(args, "task")
	if !ok {
		return tools.Fail("no task given"), nil
	}
	role := tools.StringArgOr(args, "role", "General Assistant")

	agent, tier, err := resolveAgent(t.d, userID, role, delegationTier(args))
	if err != nil {
		if errors.Is(err, subagent.ErrCapacityExceeded) {
			return tools.Fail("all agent slots are busy; dismiss one or delegate later"), nil
		}
		return tools.Fail("could not prepare an agent: %v", err), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, foregroundTimeout)
	defer cancel()

	answer, err := t.d.Worker.RunTask(runCtx, agent, task, tier, t.d.Estimator)
	if err != nil {
		return tools.Result{
			Content:    fmt.Sprintf("Error: delegation to agent %s failed: %v", agent.AgentID, err),
			IsError:    true,
			Delegation: &tools.Delegation{AgentID: agent.AgentID, Status: "failed"},
		}, nil
	}
	return tools.Result{
		Content:    fmt.Sprintf("Agent %s (%s) reports:\n%s", agent.AgentID, agent.Name, answer),
		Delegation: &tools.Delegation{AgentID: agent.AgentID, Status: "completed"},
	}, nil
}

type delegateBackgroundTool struct {
	tools.Base
	d Deps
}

func newDelegateBackgroundTool(d Deps) *delegateBackgroundTool {
	return &delegateBackgroundTool{
		Base: tools.Base{
			ToolName:        "delegate_background",
			ToolDescription: "Hand a task to a worker agent that runs in the background. The result is delivered on a later turn. Use for long work the user does not need immediately.",
			Schema: tools.ObjectSchema(map[string]any{
				"task": tools.StringProp("What the worker should do."),
				"role": tools.StringProp("The worker's role."),
				"tier": tools.StringProp("Optional routing tier: simple, moderate, complex, or reasoning."),
			}, "task", "role"),
			RestrictToOwner: true,
		},
		d: d,
	}
}

func (t *delegateBackgroundTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	userID, ok := tools.StringArg(args, "user_id")
	if !ok {
		return tools.Fail("delegation needs a user"), nil
	}
	task, ok := tools.StringArg(args, "task")
	if !ok {
		return tools.Fail("no task given"), nil
	}
	role := tools.StringArgOr(args, "role", "General Assistant")

	agent, tier, err := resolveAgent(t.d, userID, role, delegationTier(args))
	if err != nil {
		if errors.Is(err, subagent.ErrCapacityExceeded) {
			return tools.Fail("all agent slots are busy; dismiss one or delegate later"), nil
		}
		return tools.Fail("could not prepare an agent: %v", err), nil
	}

	// Headroom for the mid-flight budget extensions the worker may grant.
	est := t.d.Estimator.Estimate(task, tier)
	taskID, err := t.d.Runner.Start(subagent.TaskSpec{
		UserID:      userID,
		AgentID:     agent.AgentID,
		Description: task,
		Timeout:     est.Timeout + subagent.MaxExtensions*subagent.ExtensionTime,
		Run: func(runCtx context.Context) (string, error) {
			return t.d.Worker.RunTask(runCtx, agent, task, tier, t.d.Estimator)
		},
	})
	if err != nil {
		return tools.Fail("background start failed: %v", err), nil
	}

	return tools.Result{
		Content: fmt.Sprintf("Started background work on agent %s (task %s). I'll share the result when it's done.",
			agent.AgentID, taskID),
		Delegation: &tools.Delegation{
			AgentID:    agent.AgentID,
			TaskID:     taskID,
			Background: true,
			Status:     storage.TaskRunning,
		},
	}, nil
}
