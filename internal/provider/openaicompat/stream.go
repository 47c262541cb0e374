package openaicompat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"tinyclaw/internal/provider"
	"tinyclaw/pkg/logger"
)

// toolCallAccumulator stitches a streamed tool call back together.
// The name and id arrive in the first fragment, arguments in pieces after.
type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// ProcessStream parses an SSE chat completion stream into ChatEvents.
// Content arrives as EventContent deltas; tool calls are accumulated across
// fragments and emitted whole before the final EventDone.
func ProcessStream(r io.ReadCloser) <-chan provider.ChatEvent {
	events := make(chan provider.ChatEvent)

	go func() {
		defer close(events)
		defer r.Close()

		var (
			accumulators = make(map[int]*toolCallAccumulator)
			usage        *provider.Usage
			finishReason = provider.FinishReasonStop
		)

		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chunk wireStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				logger.Error().Err(err).Str("line", line).Msg("Failed to parse stream chunk")
				continue
			}

			if chunk.Error != nil {
				events <- provider.ChatEvent{
					Type:  provider.EventError,
					Error: fmt.Errorf("provider error: %s", chunk.Error.Message),
				}
				return
			}

			if chunk.Usage != nil {
				usage = &provider.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.ReasoningContent != "" {
				events <- provider.ChatEvent{
					Type:     provider.EventThinking,
					Thinking: choice.Delta.ReasoningContent,
				}
			}
			if choice.Delta.Content != "" {
				events <- provider.ChatEvent{
					Type:  provider.EventContent,
					Delta: choice.Delta.Content,
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := accumulators[tc.Index]
				if !ok {
					acc = &toolCallAccumulator{id: tc.ID}
					accumulators[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = strings.TrimSpace(tc.Function.Name)
				}
				acc.args.WriteString(tc.Function.Arguments)
			}

			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}

		if err := scanner.Err(); err != nil {
			logger.Error().Err(err).Msg("Error reading provider stream")
			events <- provider.ChatEvent{Type: provider.EventError, Error: err}
			return
		}

		indexes := make([]int, 0, len(accumulators))
		for i := range accumulators {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			acc := accumulators[i]
			events <- provider.ChatEvent{
				Type: provider.EventToolCall,
				ToolCall: &provider.ToolCall{
					ID:        acc.id,
					Type:      "function",
					Name:      acc.name,
					Arguments: acc.args.String(),
				},
			}
		}

		if len(accumulators) > 0 {
			finishReason = provider.FinishReasonToolCalls
		}
		events <- provider.ChatEvent{
			Type:         provider.EventDone,
			Usage:        usage,
			FinishReason: finishReason,
		}
	}()

	return events
}
