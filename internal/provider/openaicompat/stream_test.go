package openaicompat

import (
	"io"
	"strings"
	"testing"

	"tinyclaw/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(events <-chan provider.ChatEvent) []provider.ChatEvent {
	var out []provider.ChatEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestProcessStream_Content(t *testing.T) {
	streamData := `data: {"choices":[{"delta":{"content":"Hello"}}]}

data: {"choices":[{"delta":{"content":" there"}}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}

data: [DONE]
`
	events := ProcessStream(io.NopCloser(strings.NewReader(streamData)))
	collected := collect(events)

	require.Len(t, collected, 3)
	assert.Equal(t, provider.EventContent, collected[0].Type)
	assert.Equal(t, "Hello", collected[0].Delta)
	assert.Equal(t, " there", collected[1].Delta)

	done := collected[2]
	assert.Equal(t, provider.EventDone, done.Type)
	assert.Equal(t, provider.FinishReasonStop, done.FinishReason)
	require.NotNil(t, done.Usage)
	assert.Equal(t, 15, done.Usage.TotalTokens)
}

func TestProcessStream_ToolCallFragments(t *testing.T) {
	streamData := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"memory_add","arguments":""}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"content\":"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"owner likes tea\"}"}}]},"finish_reason":"tool_calls"}]}

data: [DONE]
`
	events := ProcessStream(io.NopCloser(strings.NewReader(streamData)))
	collected := collect(events)

	require.Len(t, collected, 2)
	tc := collected[0]
	require.Equal(t, provider.EventToolCall, tc.Type)
	require.NotNil(t, tc.ToolCall)
	assert.Equal(t, "call_1", tc.ToolCall.ID)
	assert.Equal(t, "memory_add", tc.ToolCall.Name)
	assert.JSONEq(t, `{"content":"owner likes tea"}`, tc.ToolCall.Arguments)

	assert.Equal(t, provider.EventDone, collected[1].Type)
	assert.Equal(t, provider.FinishReasonToolCalls, collected[1].FinishReason)
}

func TestProcessStream_MultipleToolCallsOrdered(t *testing.T) {
	streamData := `data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"beta","arguments":"{}"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"alpha","arguments":"{}"}}]}}]}

data: [DONE]
`
	events := ProcessStream(io.NopCloser(strings.NewReader(streamData)))
	collected := collect(events)

	require.Len(t, collected, 3)
	assert.Equal(t, "alpha", collected[0].ToolCall.Name)
	assert.Equal(t, "beta", collected[1].ToolCall.Name)
}

func TestProcessStream_Thinking(t *testing.T) {
	streamData := `data: {"choices":[{"delta":{"reasoning_content":"let me think"}}]}

data: {"choices":[{"delta":{"content":"42"}}]}

data: [DONE]
`
	events := ProcessStream(io.NopCloser(strings.NewReader(streamData)))
	collected := collect(events)

	require.Len(t, collected, 3)
	assert.Equal(t, provider.EventThinking, collected[0].Type)
	assert.Equal(t, "let me think", collected[0].Thinking)
	assert.Equal(t, provider.EventContent, collected[1].Type)
}

func TestProcessStream_InlineError(t *testing.T) {
	streamData := `data: {"error":{"message":"quota exhausted","type":"insufficient_quota"}}
`
	events := ProcessStream(io.NopCloser(strings.NewReader(streamData)))
	collected := collect(events)

	require.Len(t, collected, 1)
	assert.Equal(t, provider.EventError, collected[0].Type)
	assert.Contains(t, collected[0].Error.Error(), "quota exhausted")
}

func TestProcessStream_MalformedChunkSkipped(t *testing.T) {
	streamData := `data: {not json}

data: {"choices":[{"delta":{"content":"still works"}}]}

data: [DONE]
`
	events := ProcessStream(io.NopCloser(strings.NewReader(streamData)))
	collected := collect(events)

	require.Len(t, collected, 2)
	assert.Equal(t, "still works", collected[0].Delta)
	assert.Equal(t, provider.EventDone, collected[1].Type)
}
