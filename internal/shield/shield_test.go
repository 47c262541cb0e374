package shield

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryWith(t *testing.T, id string, cat Category, sev Severity, conf float64, rec string) *ThreatEntry {
	t.Helper()
	directives, errs := ParseDirectives(rec)
	require.Empty(t, errs)
	return &ThreatEntry{
		ID:         id,
		Category:   cat,
		Severity:   sev,
		Confidence: conf,
		Title:      id,
		directives: directives,
	}
}

func TestEvaluate_NoMatchIsNoopLog(t *testing.T) {
	engine := NewEngine()
	engine.SetThreats([]*ThreatEntry{
		entryWith(t, "TC-1", CategoryTool, SeverityHigh, 0.9, "BLOCK: tool.call execute_code"),
	})

	d := engine.Evaluate(&Event{Scope: ScopeToolCall, ToolName: "memory_search"})
	assert.Equal(t, ActionLog, d.Action)
	assert.Empty(t, d.ThreatID)
	assert.False(t, d.Blocks())
	assert.False(t, d.NeedsApproval())
}

func TestEvaluate_ScopeCompatibility(t *testing.T) {
	engine := NewEngine()
	engine.SetThreats([]*ThreatEntry{
		// A prompt-category threat must not fire for tool.call events even
		// if its directive would match.
		entryWith(t, "TC-PROMPT", CategoryPrompt, SeverityCritical, 1.0, "BLOCK: incoming message contains urgent"),
	})

	d := engine.Evaluate(&Event{Scope: ScopeToolCall, ToolName: "x", Message: "urgent"})
	assert.Empty(t, d.ThreatID)

	d = engine.Evaluate(&Event{Scope: ScopePrompt, Message: "this is urgent"})
	assert.Equal(t, "TC-PROMPT", d.ThreatID)
	assert.True(t, d.Blocks())
}

func TestEvaluate_PriorityCombination(t *testing.T) {
	engine := NewEngine()
	engine.SetThreats([]*ThreatEntry{
		entryWith(t, "TC-LOG", CategoryTool, SeverityCritical, 1.0, "LOG: tool.call execute_code"),
		entryWith(t, "TC-APPROVE", CategoryTool, SeverityLow, 0.1, "APPROVE: tool.call execute_code"),
	})

	// require_approval beats log regardless of severity and confidence.
	d := engine.Evaluate(&Event{Scope: ScopeToolCall, ToolName: "execute_code"})
	assert.Equal(t, ActionRequireApproval, d.Action)
	assert.Equal(t, "TC-APPROVE", d.ThreatID)

	engine.SetThreats([]*ThreatEntry{
		entryWith(t, "TC-APPROVE", CategoryTool, SeverityCritical, 1.0, "APPROVE: tool.call execute_code"),
		entryWith(t, "TC-BLOCK", CategoryTool, SeverityLow, 0.1, "BLOCK: tool.call execute_code"),
	})
	d = engine.Evaluate(&Event{Scope: ScopeToolCall, ToolName: "execute_code"})
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, "TC-BLOCK", d.ThreatID)
}

func TestEvaluate_SeverityConfidenceTiebreak(t *testing.T) {
	engine := NewEngine()
	engine.SetThreats([]*ThreatEntry{
		entryWith(t, "TC-WEAK", CategoryTool, SeverityMedium, 0.5, "BLOCK: tool.call execute_code"),
		entryWith(t, "TC-STRONG", CategoryTool, SeverityCritical, 0.9, "BLOCK: tool.call execute_code"),
	})

	d := engine.Evaluate(&Event{Scope: ScopeToolCall, ToolName: "execute_code"})
	assert.Equal(t, "TC-STRONG", d.ThreatID)
}

func TestEvaluate_LexicographicIDTiebreak(t *testing.T) {
	engine := NewEngine()
	engine.SetThreats([]*ThreatEntry{
		entryWith(t, "TC-BBB", CategoryTool, SeverityHigh, 0.8, "BLOCK: tool.call execute_code"),
		entryWith(t, "TC-AAA", CategoryTool, SeverityHigh, 0.8, "BLOCK: tool.call execute_code"),
	})

	d := engine.Evaluate(&Event{Scope: ScopeToolCall, ToolName: "execute_code"})
	assert.Equal(t, "TC-AAA", d.ThreatID)
}

func TestEvaluate_FirstMatchingDirectivePerThreat(t *testing.T) {
	engine := NewEngine()
	engine.SetThreats([]*ThreatEntry{
		entryWith(t, "TC-MULTI", CategoryTool, SeverityHigh, 0.8,
			"LOG: tool.call execute_code\nBLOCK: tool.call execute_code"),
	})

	// The first directive wins even though a later one is stricter.
	d := engine.Evaluate(&Event{Scope: ScopeToolCall, ToolName: "execute_code"})
	assert.Equal(t, ActionLog, d.Action)
}

type captureAuditor struct {
	events    []*Event
	decisions []Decision
}

func (c *captureAuditor) Record(ev *Event, d Decision) error {
	c.events = append(c.events, ev)
	c.decisions = append(c.decisions, d)
	return nil
}

func TestEvaluate_AuditsEveryDecision(t *testing.T) {
	auditor := &captureAuditor{}
	engine := NewEngine()
	engine.SetAuditor(auditor)
	engine.SetThreats([]*ThreatEntry{
		entryWith(t, "TC-1", CategoryTool, SeverityHigh, 0.9, "BLOCK: tool.call execute_code"),
	})

	engine.Evaluate(&Event{Scope: ScopeToolCall, ToolName: "execute_code", Principal: "owner"})
	engine.Evaluate(&Event{Scope: ScopeToolCall, ToolName: "memory_search", Principal: "owner"})

	require.Len(t, auditor.decisions, 2, "no-op decisions are audited too")
	assert.Equal(t, "TC-1", auditor.decisions[0].ThreatID)
	assert.Empty(t, auditor.decisions[1].ThreatID)
}

func TestEngine_LoadFeedKeepsOldSetOnError(t *testing.T) {
	engine := NewEngine()
	engine.SetThreats([]*ThreatEntry{
		entryWith(t, "TC-KEEP", CategoryTool, SeverityHigh, 0.9, "BLOCK: tool.call execute_code"),
	})

	err := engine.LoadFeed("/nonexistent/threats.md")
	require.Error(t, err)
	assert.Len(t, engine.Threats(), 1, "previous threats survive a failed reload")
}

func TestSeverityWeights(t *testing.T) {
	assert.Greater(t, SeverityCritical.Weight(), SeverityHigh.Weight())
	assert.Greater(t, SeverityHigh.Weight(), SeverityMedium.Weight())
	assert.Greater(t, SeverityMedium.Weight(), SeverityLow.Weight())
}

func TestApprovalQueue(t *testing.T) {
	q := NewApprovalQueue(5 * time.Minute)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base
	q.now = func() time.Time { return now }

	t.Run("fifo order", func(t *testing.T) {
		q.Push("guest", "tool_a", "{}", Decision{Action: ActionRequireApproval})
		q.Push("guest", "tool_b", "{}", Decision{Action: ActionRequireApproval})

		first := q.Pop("guest")
		require.NotNil(t, first)
		assert.Equal(t, "tool_a", first.ToolName)

		second := q.Pop("guest")
		require.NotNil(t, second)
		assert.Equal(t, "tool_b", second.ToolName)

		assert.Nil(t, q.Pop("guest"))
	})

	t.Run("principals are isolated", func(t *testing.T) {
		q.Push("alice", "tool_a", "{}", Decision{})
		assert.False(t, q.HasPending("bob"))
		assert.True(t, q.HasPending("alice"))
		q.Pop("alice")
	})

	t.Run("expiry drops silently", func(t *testing.T) {
		now = base
		q.Push("owner", "old_tool", "{}", Decision{})
		now = base.Add(5*time.Minute + time.Second)
		assert.Nil(t, q.Pop("owner"))
	})

	t.Run("exactly at ttl dropped", func(t *testing.T) {
		now = base
		q.Push("owner", "edge_tool", "{}", Decision{})
		now = base.Add(5*time.Minute - time.Second)
		assert.True(t, q.HasPending("owner"))
		now = base.Add(5 * time.Minute)
		assert.False(t, q.HasPending("owner"))
		assert.Nil(t, q.Pop("owner"))
	})

	t.Run("requeue at head with fresh timestamp", func(t *testing.T) {
		now = base
		first := q.Push("owner", "first", "{}", Decision{})
		q.Push("owner", "second", "{}", Decision{})

		got := q.Pop("owner")
		require.Equal(t, first.ID, got.ID)

		now = base.Add(time.Minute)
		q.Requeue(got)

		head := q.Pop("owner")
		require.NotNil(t, head)
		assert.Equal(t, first.ID, head.ID)
		assert.Equal(t, now, head.EnqueuedAt)
		q.Pop("owner")
	})

	t.Run("sweep", func(t *testing.T) {
		now = base
		q.Push("a", "t1", "{}", Decision{})
		q.Push("b", "t2", "{}", Decision{})
		now = base.Add(10 * time.Minute)
		q.Push("b", "t3", "{}", Decision{})

		removed := q.Sweep()
		assert.Equal(t, 2, removed)
		assert.Equal(t, 0, q.Len("a"))
		assert.Equal(t, 1, q.Len("b"))
		q.Pop("b")
	})
}
