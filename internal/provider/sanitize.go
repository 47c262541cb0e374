package provider

import "encoding/json"

// SanitizeMessages cleans up tool call pairs in a message history.
// Tool calls whose arguments are not valid JSON are dropped together with
// their result messages; truncated streaming output would otherwise be
// replayed to the provider and rejected on every later turn.
func SanitizeMessages(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}

	// First pass: keep only tool calls with parseable arguments.
	validToolCallIDs := make(map[string]bool)
	cleaned := make([]Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == RoleAssistant && len(msg.ToolCalls) > 0 {
			var validCalls []ToolCall
			for _, tc := range msg.ToolCalls {
				// Empty arguments are valid, some tools take no params.
				if tc.Arguments == "" || json.Valid([]byte(tc.Arguments)) {
					validCalls = append(validCalls, tc)
					if tc.ID != "" {
						validToolCallIDs[tc.ID] = true
					}
				}
			}
			newMsg := msg
			newMsg.ToolCalls = validCalls
			if len(validCalls) == 0 && newMsg.Content == "" {
				continue
			}
			cleaned = append(cleaned, newMsg)
		} else {
			cleaned = append(cleaned, msg)
		}
	}

	// Second pass: drop tool results whose call no longer exists.
	result := make([]Message, 0, len(cleaned))
	for _, msg := range cleaned {
		if msg.Role == RoleTool && msg.ToolCallID != "" && !validToolCallIDs[msg.ToolCallID] {
			continue
		}
		result = append(result, msg)
	}

	return result
}
