// Package tools defines the callable tool contract the turn orchestrator
// dispatches to, and the registry that holds the runtime's tool set.
package tools

import (
	"context"
	"fmt"
)

// Tool is one capability the model can invoke.
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Parameters returns the JSON Schema of the tool's arguments.
	Parameters() map[string]any

	// OwnerOnly reports whether only the owner principal may invoke this
	// tool. Guests hit the authority gate before the shield ever runs.
	OwnerOnly() bool

	// SelfGated reports whether the tool handles its own confirmation and
	// therefore bypasses shield require_approval (block still applies).
	SelfGated() bool

	// Execute runs the tool. Errors inside the tool's domain come back in
	// Result.IsError; a non-nil error means the call itself failed.
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Result is the outcome of one tool execution.
type Result struct {
	Content    string      `json:"content"`
	IsError    bool        `json:"is_error,omitempty"`
	Delegation *Delegation `json:"delegation,omitempty"`
}

// Delegation is the structured outcome of a delegation-family tool, so the
// orchestrator does not have to scrape ids out of Content.
type Delegation struct {
	AgentID    string `json:"agent_id"`
	TaskID     string `json:"task_id,omitempty"`
	Background bool   `json:"background"`
	Status     string `json:"status"`
}

// Ok builds a success result.
func Ok(content string) Result {
	return Result{Content: content}
}

// Okf builds a formatted success result.
func Okf(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...)}
}

// Fail builds an error result visible to the model.
func Fail(format string, args ...any) Result {
	return Result{Content: "Error: " + fmt.Sprintf(format, args...), IsError: true}
}

// Base carries the static half of a tool. Embed it and implement Execute.
type Base struct {
	ToolName        string
	ToolDescription string
	Schema          map[string]any
	RestrictToOwner bool
	Gated           bool
}

func (b *Base) Name() string        { return b.ToolName }
func (b *Base) Description() string { return b.ToolDescription }
func (b *Base) OwnerOnly() bool     { return b.RestrictToOwner }
func (b *Base) SelfGated() bool     { return b.Gated }

func (b *Base) Parameters() map[string]any {
	if b.Schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return b.Schema
}

// ObjectSchema builds a JSON Schema for an object with the given properties.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// StringProp builds a string property schema.
func StringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// NumberProp builds a number property schema.
func NumberProp(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

// StringArg extracts a string argument.
func StringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok && v != ""
}

// StringArgOr extracts a string argument with a default.
func StringArgOr(args map[string]any, key, fallback string) string {
	if v, ok := StringArg(args, key); ok {
		return v
	}
	return fallback
}

// FloatArg extracts a numeric argument; JSON numbers arrive as float64.
func FloatArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
