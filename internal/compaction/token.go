package compaction

import "tinyclaw/internal/storage"

// TokenCounter estimates token counts for transcript rows.
type TokenCounter struct{}

// NewTokenCounter creates a new TokenCounter.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// EstimateText approximates tokens as one per three characters, which
// holds up for mixed chat text.
func (tc *TokenCounter) EstimateText(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 2) / 3
}

// EstimateMessages estimates the window cost of rows: content plus tool
// call payloads plus a small per-row overhead for role and separators.
func (tc *TokenCounter) EstimateMessages(messages []*storage.Message) int {
	total := 0
	for _, m := range messages {
		total += tc.EstimateText(m.Content)
		total += 4
		for i := range m.ToolCalls {
			total += tc.EstimateText(m.ToolCalls[i].GetName())
			total += tc.EstimateText(m.ToolCalls[i].GetArguments())
		}
	}
	return total
}
