package provider

import (
	"errors"
	"testing"
)

func TestStreamAccumulator(t *testing.T) {
	ch := make(chan ChatEvent, 5)
	ch <- ChatEvent{Type: EventContent, Delta: "Hello"}
	ch <- ChatEvent{Type: EventContent, Delta: " world"}
	ch <- ChatEvent{Type: EventToolCall, ToolCall: &ToolCall{ID: "c1", Name: "memory_add", Arguments: "{}"}}
	ch <- ChatEvent{Type: EventDone, Usage: &Usage{TotalTokens: 9}}
	close(ch)

	resp, err := NewStreamAccumulator().Process(ch)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Content = %q, want %q", resp.Content, "Hello world")
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "memory_add" {
		t.Errorf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != FinishReasonToolCalls {
		t.Errorf("FinishReason = %s, want tool_calls", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 9 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestStreamAccumulator_Error(t *testing.T) {
	ch := make(chan ChatEvent, 2)
	ch <- ChatEvent{Type: EventContent, Delta: "partial"}
	ch <- ChatEvent{Type: EventError, Error: errors.New("boom")}
	close(ch)

	if _, err := NewStreamAccumulator().Process(ch); err == nil {
		t.Fatal("expected error from Process")
	}
}
