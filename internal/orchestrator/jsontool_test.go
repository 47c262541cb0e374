package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONToolCall(t *testing.T) {
	call, ok := extractJSONToolCall(`Sure thing! {"action":"memory_add","content":"Owner lives in Manila","category":"facts"} Done.`)
	require.True(t, ok)
	assert.Equal(t, "memory_add", call.Name)
	assert.Equal(t, "Owner lives in Manila", call.Args["content"])
	assert.Equal(t, "facts", call.Args["category"])
	assert.NotContains(t, call.Args, "action", "name key must not leak into arguments")
}

func TestExtractJSONToolCallNameKeys(t *testing.T) {
	for _, key := range []string{"action", "tool", "name"} {
		call, ok := extractJSONToolCall(`{"` + key + `":"memory_search","query":"x"}`)
		require.True(t, ok, key)
		assert.Equal(t, "memory_search", call.Name)
	}
}

func TestExtractJSONToolCallAliases(t *testing.T) {
	call, ok := extractJSONToolCall(`{"action":"heartware_read","file_path":"soul.md"}`)
	require.True(t, ok)
	assert.Equal(t, "soul.md", call.Args["filename"])
	assert.NotContains(t, call.Args, "file_path")

	call, ok = extractJSONToolCall(`{"action":"heartware_read","path":"soul.md"}`)
	require.True(t, ok)
	assert.Equal(t, "soul.md", call.Args["filename"])
}

func TestExtractJSONToolCallRejects(t *testing.T) {
	cases := []string{
		"just a plain sentence",
		`{"content":"no name key here"}`,
		`{"action":""}`,
		`{"action": 42}`,
		`{broken json`,
	}
	for _, text := range cases {
		_, ok := extractJSONToolCall(text)
		assert.False(t, ok, text)
	}
}

func TestFirstObjectSpanBalancing(t *testing.T) {
	// braces inside string values must not close the span early
	span, ok := firstObjectSpan(`prefix {"a":"}{","b":{"c":1}} suffix {"d":2}`)
	require.True(t, ok)
	assert.Equal(t, `{"a":"}{","b":{"c":1}}`, span)

	// escaped quotes inside strings
	span, ok = firstObjectSpan(`{"a":"say \"hi\" {now}"}`)
	require.True(t, ok)
	assert.Equal(t, `{"a":"say \"hi\" {now}"}`, span)

	_, ok = firstObjectSpan(`{"never":"closed"`)
	assert.False(t, ok)
}

func TestScrapeDelegationIDs(t *testing.T) {
	const a = "11111111-2222-3333-4444-555555555555"
	const b = "66666666-7777-8888-9999-aaaaaaaaaaaa"

	agentID, taskID := scrapeDelegationIDs("Started background work on agent " + a + " (task " + b + ").")
	assert.Equal(t, a, agentID)
	assert.Equal(t, b, taskID)

	// positional fallback without labels
	agentID, taskID = scrapeDelegationIDs("ids: " + a + " then " + b)
	assert.Equal(t, a, agentID)
	assert.Equal(t, b, taskID)

	agentID, taskID = scrapeDelegationIDs("Agent " + a + " reports: done")
	assert.Equal(t, a, agentID)
	assert.Empty(t, taskID)

	agentID, taskID = scrapeDelegationIDs("no ids at all")
	assert.Empty(t, agentID)
	assert.Empty(t, taskID)
}
