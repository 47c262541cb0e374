package builtin

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinyclaw/internal/heartware"
	"tinyclaw/internal/intercom"
	"tinyclaw/internal/memory"
	"tinyclaw/internal/nudge"
	"tinyclaw/internal/provider"
	"tinyclaw/internal/sandbox"
	"tinyclaw/internal/storage"
	"tinyclaw/internal/subagent"
	"tinyclaw/internal/tools"
)

type scriptedProvider struct {
	id    string
	reply string
}

func (p *scriptedProvider) ID() string   { return p.id }
func (p *scriptedProvider) Name() string { return p.id }

func (p *scriptedProvider) Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{Content: p.reply, FinishReason: provider.FinishReasonStop}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	ch := make(chan provider.ChatEvent, 1)
	ch <- provider.ChatEvent{Type: provider.EventDone}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Available(ctx context.Context) bool { return true }

type sink struct{}

func (sink) Deliver(userID string, n *storage.NudgeRecord) error { return nil }

func testDeps(t *testing.T) Deps {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := intercom.New(zerolog.Nop())
	providers := provider.NewRegistry()
	providers.Register(&scriptedProvider{id: "fake", reply: "worker answer"})

	mgr := subagent.NewManager(db, subagent.DefaultConfig(), zerolog.Nop())
	hw, err := heartware.NewManager(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	sb := sandbox.New(zerolog.Nop())
	t.Cleanup(sb.Shutdown)
	ne := nudge.New(db, sink{}, bus, nudge.Config{MaxPerHour: 10}, zerolog.Nop())
	t.Cleanup(ne.Stop)

	return Deps{
		DB:        db,
		Memory:    memory.New(db, memory.DefaultConfig(), zerolog.Nop()),
		Sandbox:   sb,
		Agents:    mgr,
		Runner:    subagent.NewRunner(db, bus, zerolog.Nop()),
		Estimator: subagent.NewEstimator(db, zerolog.Nop()),
		Worker:    subagent.NewWorker(db, providers, mgr, zerolog.Nop()),
		Providers: providers,
		Heartware: hw,
		Nudges:    ne,
	}
}

func testRegistry(t *testing.T) (*tools.Registry, Deps) {
	t.Helper()
	d := testDeps(t)
	r := tools.NewRegistry()
	require.NoError(t, Register(r, d))
	d.Worker.SetTools(r)
	return r, d
}

func exec(t *testing.T, r *tools.Registry, name string, args map[string]any) tools.Result {
	t.Helper()
	tool, ok := r.Get(name)
	require.True(t, ok, "tool %s not registered", name)
	res, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	return res
}

func TestRegisterWiresFullSet(t *testing.T) {
	r, _ := testRegistry(t)
	want := []string{
		"delegate_background", "delegate_task", "dismiss_agent", "execute_code",
		"heartware_read", "identity_update", "list_agents", "memory_add",
		"memory_forget", "memory_search", "read_blackboard", "revive_agent",
		"schedule_nudge", "write_blackboard",
	}
	assert.Equal(t, want, r.Names())
}

func TestGuestDefinitionsHideOwnerTools(t *testing.T) {
	r, _ := testRegistry(t)

	guest := r.Definitions(false)
	for _, def := range guest {
		tool, _ := r.Get(def.Function.Name)
		assert.False(t, tool.OwnerOnly(), "guest saw owner-only tool %s", def.Function.Name)
	}
	owner := r.Definitions(true)
	assert.Greater(t, len(owner), len(guest))
}

func TestMemoryTools(t *testing.T) {
	r, _ := testRegistry(t)

	res := exec(t, r, "memory_add", map[string]any{
		"user_id": "owner", "content": "Owner lives in Manila", "category": "fact",
	})
	require.False(t, res.IsError, res.Content)

	res = exec(t, r, "memory_search", map[string]any{"user_id": "owner", "query": "Manila"})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "Owner lives in Manila")

	// Pull the id back out and forget it.
	start := strings.LastIndex(res.Content, "(id ")
	require.Greater(t, start, 0)
	id := strings.TrimSuffix(res.Content[start+4:], ")")
	res = exec(t, r, "memory_forget", map[string]any{"user_id": "owner", "id": id})
	assert.False(t, res.IsError, res.Content)

	res = exec(t, r, "memory_search", map[string]any{"user_id": "owner", "query": "Manila"})
	assert.Equal(t, "No memories matched.", res.Content)
}

func TestExecuteCodeTool(t *testing.T) {
	r, _ := testRegistry(t)

	res := exec(t, r, "execute_code", map[string]any{
		"user_id": "owner", "code": "console.log(6 * 7)",
	})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "42")

	res = exec(t, r, "execute_code", map[string]any{
		"user_id": "owner", "code": "while(true){}", "timeout_ms": float64(100),
	})
	assert.True(t, res.IsError)
}

func TestDelegateTaskForeground(t *testing.T) {
	r, _ := testRegistry(t)

	res := exec(t, r, "delegate_task", map[string]any{
		"user_id": "owner",
		"task":    "summarize the news",
		"role":    "News Summarizer",
	})
	require.False(t, res.IsError, res.Content)
	require.NotNil(t, res.Delegation)
	assert.Equal(t, "completed", res.Delegation.Status)
	assert.False(t, res.Delegation.Background)
	assert.Contains(t, res.Content, "worker answer")
	assert.Contains(t, res.Content, res.Delegation.AgentID)
}

func TestDelegateBackground(t *testing.T) {
	r, d := testRegistry(t)

	res := exec(t, r, "delegate_background", map[string]any{
		"user_id": "owner",
		"task":    "research quantum computing developments",
		"role":    "Technical Research Analyst",
		"tier":    "complex",
	})
	require.False(t, res.IsError, res.Content)
	require.NotNil(t, res.Delegation)
	assert.True(t, res.Delegation.Background)
	assert.Equal(t, storage.TaskRunning, res.Delegation.Status)
	assert.NotEmpty(t, res.Delegation.TaskID)

	d.Runner.Wait()
	task, err := d.DB.GetBackgroundTask(res.Delegation.TaskID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskCompleted, task.Status)
	assert.Equal(t, "worker answer", task.Result)
}

func TestDelegationPersistsGrantsAndTier(t *testing.T) {
	r, d := testRegistry(t)

	res := exec(t, r, "delegate_task", map[string]any{
		"user_id": "owner", "task": "dig deep", "role": "Research Analyst", "tier": "complex",
	})
	require.NotNil(t, res.Delegation)

	agent, err := d.DB.GetSubagent(res.Delegation.AgentID)
	require.NoError(t, err)
	assert.Equal(t, subagent.DefaultToolGrants, agent.ToolsGranted)
	assert.Equal(t, "complex", agent.TierPreference)
}

func TestDelegationHonorsStoredTierPreference(t *testing.T) {
	r, d := testRegistry(t)
	d.Providers.Register(&scriptedProvider{id: "deep", reply: "deep answer"})
	require.True(t, d.Providers.SetTier(provider.TierComplex, "deep"))

	first := exec(t, r, "delegate_task", map[string]any{
		"user_id": "owner", "task": "plan a trip", "role": "Travel Planning Assistant", "tier": "complex",
	})
	require.False(t, first.IsError, first.Content)
	assert.Contains(t, first.Content, "deep answer")

	// The reused agent keeps routing to its preferred tier even when the
	// caller asks for a cheaper one.
	second := exec(t, r, "delegate_task", map[string]any{
		"user_id": "owner", "task": "plan another trip", "role": "Travel Planning Assistant", "tier": "simple",
	})
	require.False(t, second.IsError, second.Content)
	assert.Equal(t, first.Delegation.AgentID, second.Delegation.AgentID)
	assert.Contains(t, second.Content, "deep answer")
}

func TestDelegationReusesAgent(t *testing.T) {
	r, d := testRegistry(t)

	first := exec(t, r, "delegate_task", map[string]any{
		"user_id": "owner", "task": "plan a trip", "role": "Travel Planning Assistant",
	})
	second := exec(t, r, "delegate_task", map[string]any{
		"user_id": "owner", "task": "plan another trip", "role": "Travel Planning Assistant",
	})
	require.NotNil(t, first.Delegation)
	require.NotNil(t, second.Delegation)
	assert.Equal(t, first.Delegation.AgentID, second.Delegation.AgentID)

	agents, err := d.DB.ListSubagents("owner",
		storage.AgentActive, storage.AgentSuspended, storage.AgentSoftDeleted)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestAgentLifecycleTools(t *testing.T) {
	r, _ := testRegistry(t)

	res := exec(t, r, "delegate_task", map[string]any{
		"user_id": "owner", "task": "analyze data", "role": "Data Analyst",
	})
	agentID := res.Delegation.AgentID

	res = exec(t, r, "list_agents", map[string]any{"user_id": "owner"})
	assert.Contains(t, res.Content, agentID)

	res = exec(t, r, "dismiss_agent", map[string]any{"user_id": "owner", "agent_id": agentID})
	assert.False(t, res.IsError, res.Content)

	res = exec(t, r, "revive_agent", map[string]any{"user_id": "owner", "agent_id": agentID})
	assert.False(t, res.IsError, res.Content)

	res = exec(t, r, "dismiss_agent", map[string]any{"user_id": "owner", "agent_id": "missing"})
	assert.True(t, res.IsError)
}

func TestIdentityAndHeartwareTools(t *testing.T) {
	r, d := testRegistry(t)

	res := exec(t, r, "identity_update", map[string]any{
		"user_id": "owner", "name": "Pip", "tagline": "Your small-but-mighty AI companion",
	})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "Pip")

	content, err := d.Heartware.Read(heartware.FileIdentity)
	require.NoError(t, err)
	assert.Contains(t, content, "# Pip")

	res = exec(t, r, "heartware_read", map[string]any{"user_id": "owner", "filename": "identity.md"})
	assert.Contains(t, res.Content, "Pip")

	res = exec(t, r, "heartware_read", map[string]any{"user_id": "owner", "filename": "secrets.txt"})
	assert.True(t, res.IsError)
}

func TestScheduleNudgeTool(t *testing.T) {
	r, d := testRegistry(t)

	res := exec(t, r, "schedule_nudge", map[string]any{
		"user_id": "owner", "content": "stand up and stretch", "priority": "low",
	})
	require.False(t, res.IsError, res.Content)

	later := time.Now().Add(time.Hour).Format(time.RFC3339)
	res = exec(t, r, "schedule_nudge", map[string]any{
		"user_id": "owner", "content": "call the dentist", "deliver_after": later,
	})
	require.False(t, res.IsError, res.Content)

	res = exec(t, r, "schedule_nudge", map[string]any{
		"user_id": "owner", "content": "bad time", "deliver_after": "tomorrow-ish",
	})
	assert.True(t, res.IsError)

	pending, err := d.Nudges.Pending("owner")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestBlackboardTools(t *testing.T) {
	r, _ := testRegistry(t)

	res := exec(t, r, "write_blackboard", map[string]any{
		"user_id": "owner", "key": "prefs.tone", "value": "casual",
	})
	require.False(t, res.IsError, res.Content)

	res = exec(t, r, "read_blackboard", map[string]any{"user_id": "owner", "key": "prefs.tone"})
	assert.Contains(t, res.Content, "casual")

	res = exec(t, r, "read_blackboard", map[string]any{"user_id": "owner", "prefix": "prefs."})
	assert.Contains(t, res.Content, "prefs.tone = casual")

	res = exec(t, r, "write_blackboard", map[string]any{"user_id": "owner", "key": "prefs.tone"})
	require.False(t, res.IsError, res.Content)
	res = exec(t, r, "read_blackboard", map[string]any{"user_id": "owner", "key": "prefs.tone"})
	assert.Contains(t, res.Content, "Nothing stored")
}
