package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tinyclaw/internal/provider"
	"tinyclaw/internal/storage"
	"tinyclaw/internal/tools"
)

// ChannelFor returns the message channel a subagent's conversation lives in.
func ChannelFor(agentID string) string {
	return "subagent:" + agentID
}

// workerHistory bounds how much of the agent's prior conversation rides
// along on each task.
const workerHistory = 20

// Worker executes one delegated task against a model backend, persisting the
// exchange into the agent's own message channel. Tasks run an agent loop:
// tool calls within the agent's granted roster feed results back until the
// model answers in plain text or the budget runs out.
type Worker struct {
	db        *storage.DB
	providers *provider.Registry
	mgr       *Manager
	tools     *tools.Registry
	logger    zerolog.Logger
}

// NewWorker wires a Worker.
func NewWorker(db *storage.DB, providers *provider.Registry, mgr *Manager, logger zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		providers: providers,
		mgr:       mgr,
		logger:    logger.With().Str("component", "worker").Logger(),
	}
}

// SetTools hands the worker the runtime tool registry. The worker is built
// before the registry, so this runs as a second wiring step; a worker without
// tools runs text-only tasks.
func (w *Worker) SetTools(r *tools.Registry) {
	w.tools = r
}

// delegation tools never ride along on a delegated task; workers cannot
// spawn further agents.
var workerBarred = map[string]bool{
	"delegate_task":       true,
	"delegate_background": true,
}

// grantedDefinitions renders the agent's tool roster as provider function
// definitions.
func (w *Worker) grantedDefinitions(agent *storage.Subagent) []provider.Tool {
	if w.tools == nil {
		return nil
	}
	var defs []provider.Tool
	for _, name := range agent.ToolsGranted {
		if workerBarred[name] {
			continue
		}
		t, ok := w.tools.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// RunTask executes task on agent under an estimated time and iteration
// budget, books the outcome on the agent's counters and the metric history,
// and suspends the agent afterwards. A task near one budget limit but not the
// other earns up to MaxExtensions mid-flight grants. The returned string is
// the agent's answer.
func (w *Worker) RunTask(ctx context.Context, agent *storage.Subagent, task string, tier provider.Tier, est *Estimator) (string, error) {
	channel := ChannelFor(agent.AgentID)
	started := time.Now()

	budget := Estimate{Timeout: 60 * time.Second, Iterations: 10, Basis: BasisFallback}
	if est != nil {
		budget = est.Estimate(task, tier)
	}
	timeout := budget.Timeout
	maxIter := budget.Iterations
	if maxIter < 1 {
		maxIter = 1
	}

	if _, err := w.db.AppendMessage(channel, agent.UserID, provider.RoleUser, task, nil, ""); err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}

	messages := []provider.Message{{Role: provider.RoleSystem, Content: w.mgr.SystemPrompt(agent)}}
	history, err := w.db.RecentMessages(channel, workerHistory)
	if err != nil {
		w.logger.Warn().Err(err).Str("agent", agent.AgentID).Msg("history unavailable, running bare")
		messages = append(messages, provider.Message{Role: provider.RoleUser, Content: task})
	} else {
		for _, m := range history {
			messages = append(messages, provider.Message{Role: m.Role, Content: m.Content})
		}
	}

	prov := w.providers.ForTier(tier)
	if prov == nil {
		w.bookResult(agent, task, tier, started, 0, false, est)
		return "", provider.ErrNoProviders
	}

	toolDefs := w.grantedDefinitions(agent)
	extensions := 0

	for iter := 1; iter <= maxIter; iter++ {
		if time.Since(started) >= timeout {
			break
		}
		callCtx, cancel := context.WithDeadline(ctx, started.Add(timeout))
		resp, err := prov.Chat(callCtx, provider.ChatRequest{Messages: messages, Tools: toolDefs})
		cancel()
		if err != nil {
			w.bookResult(agent, task, tier, started, iter, false, est)
			return "", fmt.Errorf("subagent chat: %w", err)
		}

		if !resp.HasToolCalls() {
			if _, err := w.db.AppendMessage(channel, agent.UserID, provider.RoleAssistant, resp.Content, nil, ""); err != nil {
				w.logger.Warn().Err(err).Str("agent", agent.AgentID).Msg("reply not persisted")
			}
			w.bookResult(agent, task, tier, started, iter, true, est)
			return resp.Content, nil
		}

		messages = append(messages, provider.Message{Role: provider.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		messages = append(messages, w.runToolCalls(ctx, agent, resp.ToolCalls)...)

		if ext, ok := ShouldExtend(iter, maxIter, time.Since(started), timeout, extensions); ok {
			maxIter += ext.AddIterations
			timeout += ext.AddTime
			extensions++
			w.logger.Debug().Str("agent", agent.AgentID).
				Int("add_iterations", ext.AddIterations).Dur("add_time", ext.AddTime).
				Msg("task budget extended")
		}
	}

	w.bookResult(agent, task, tier, started, maxIter, false, est)
	return "", fmt.Errorf("subagent task exceeded its budget (%d iterations, %s)", maxIter, timeout)
}

// runToolCalls executes one round of tool calls within the agent's grants and
// returns the tool messages to feed back to the model.
func (w *Worker) runToolCalls(ctx context.Context, agent *storage.Subagent, calls []provider.ToolCall) []provider.Message {
	granted := make(map[string]bool, len(agent.ToolsGranted))
	for _, name := range agent.ToolsGranted {
		if !workerBarred[name] {
			granted[name] = true
		}
	}

	out := make([]provider.Message, 0, len(calls))
	for _, tc := range calls {
		args := map[string]any{}
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}
		args["user_id"] = agent.UserID

		var content string
		tool, ok := w.lookup(tc.Name)
		switch {
		case !granted[tc.Name] || !ok:
			content = tools.Fail("tool %q is not granted to this agent", tc.Name).Content
		default:
			res, err := tool.Execute(ctx, args)
			if err != nil {
				res = tools.Fail("tool %s failed: %v", tc.Name, err)
			}
			content = res.Content
		}
		out = append(out, provider.Message{Role: provider.RoleTool, ToolCallID: tc.ID, Content: content})
	}
	return out
}

func (w *Worker) lookup(name string) (tools.Tool, bool) {
	if w.tools == nil {
		return nil, false
	}
	return w.tools.Get(name)
}

// bookResult updates the agent's performance counters, records the timing
// metric, and parks the agent. All best-effort: the task result matters more
// than its bookkeeping.
func (w *Worker) bookResult(agent *storage.Subagent, task string, tier provider.Tier, started time.Time, iterations int, success bool, est *Estimator) {
	if _, err := w.mgr.RecordTaskResult(agent.AgentID, success); err != nil {
		w.logger.Warn().Err(err).Str("agent", agent.AgentID).Msg("task result not booked")
	}
	if est != nil {
		if err := est.RecordObservation(agent.UserID, task, tier, time.Since(started), iterations, success); err != nil {
			w.logger.Warn().Err(err).Msg("metric not recorded")
		}
	}
	if err := w.mgr.Suspend(agent.AgentID); err != nil {
		w.logger.Warn().Err(err).Str("agent", agent.AgentID).Msg("auto-suspend failed")
	}
}
