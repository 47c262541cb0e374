package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"
)

// jsonToolCall is a tool invocation recovered from free-form model text.
type jsonToolCall struct {
	Name string
	Args map[string]any
}

// nameKeys are accepted, in order, as the tool-name field of an embedded
// JSON tool call.
var nameKeys = []string{"action", "tool", "name"}

// argAliases maps argument names some models emit to the canonical ones the
// builtin tools expect.
var argAliases = map[string]string{
	"file_path": "filename",
	"path":      "filename",
}

// extractJSONToolCall scans text for the first balanced top-level JSON
// object and interprets it as a tool call when it carries one of the
// accepted name keys. Models that lack native tool calling tend to inline
// exactly this shape into their replies.
func extractJSONToolCall(text string) (*jsonToolCall, bool) {
	span, ok := firstObjectSpan(text)
	if !ok {
		return nil, false
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(span), &raw); err != nil {
		return nil, false
	}

	var name string
	for _, key := range nameKeys {
		if v, isStr := raw[key].(string); isStr && v != "" {
			name = v
			delete(raw, key)
			break
		}
	}
	if name == "" {
		return nil, false
	}

	args := make(map[string]any, len(raw))
	for k, v := range raw {
		if canonical, aliased := argAliases[k]; aliased {
			k = canonical
		}
		args[k] = v
	}
	return &jsonToolCall{Name: name, Args: args}, true
}

// firstObjectSpan returns the first balanced `{ ... }` span in s, tracking
// string literals and escapes so braces inside values do not miscount.
func firstObjectSpan(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// Delegation tools report agent and task ids inside their human-readable
// result text. The labelled forms are tried first; if a result mentions bare
// UUIDs only, position decides (first = agent, second = task).
var (
	uuidPattern = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`

	agentIDRe = regexp.MustCompile(`(?i)agent\s+(` + uuidPattern + `)`)
	taskIDRe  = regexp.MustCompile(`(?i)task\s+(` + uuidPattern + `)`)
	anyUUIDRe = regexp.MustCompile(uuidPattern)
)

// scrapeDelegationIDs recovers (agentID, taskID) from a delegation result
// string. Either may come back empty.
func scrapeDelegationIDs(result string) (string, string) {
	var agentID, taskID string
	if m := agentIDRe.FindStringSubmatch(result); m != nil {
		agentID = m[1]
	}
	if m := taskIDRe.FindStringSubmatch(result); m != nil {
		taskID = m[1]
	}
	if agentID != "" || taskID != "" {
		return agentID, taskID
	}
	all := anyUUIDRe.FindAllString(result, 2)
	if len(all) > 0 {
		agentID = all[0]
	}
	if len(all) > 1 {
		taskID = all[1]
	}
	return agentID, taskID
}
