package builtin

import (
	"context"
	"fmt"
	"strings"

	"tinyclaw/internal/memory"
	"tinyclaw/internal/tools"
)

type memoryAddTool struct {
	tools.Base
	mem *memory.Engine
}

func newMemoryAddTool(mem *memory.Engine) *memoryAddTool {
	return &memoryAddTool{
		Base: tools.Base{
			ToolName:        "memory_add",
			ToolDescription: "Store a fact, preference, or event in long-term memory.",
			Schema: tools.ObjectSchema(map[string]any{
				"content":    tools.StringProp("The thing to remember, phrased as a standalone statement."),
				"category":   tools.StringProp("Optional category: fact, preference, contact, task, or event."),
				"importance": tools.NumberProp("Optional importance from 0 to 1. Defaults to 0.5."),
			}, "content"),
		},
		mem: mem,
	}
}

func (t *memoryAddTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	userID, ok := tools.StringArg(args, "user_id")
	if !ok {
		return tools.Fail("memory_add needs a user"), nil
	}
	content, ok := tools.StringArg(args, "content")
	if !ok {
		return tools.Fail("nothing to remember"), nil
	}
	category := tools.StringArgOr(args, "category", "")
	importance, hasImp := tools.FloatArg(args, "importance")
	if !hasImp {
		importance = memory.DefaultImportance
	}

	if _, err := t.mem.Record(userID, content, category, importance); err != nil {
		return tools.Fail("memory not stored: %v", err), nil
	}
	return tools.Ok("Remembered: " + content), nil
}

type memorySearchTool struct {
	tools.Base
	mem *memory.Engine
}

func newMemorySearchTool(mem *memory.Engine) *memorySearchTool {
	return &memorySearchTool{
		Base: tools.Base{
			ToolName:        "memory_search",
			ToolDescription: "Recall stored memories relevant to a query.",
			Schema: tools.ObjectSchema(map[string]any{
				"query": tools.StringProp("What to recall."),
				"limit": tools.NumberProp("Optional maximum number of results."),
			}, "query"),
		},
		mem: mem,
	}
}

func (t *memorySearchTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	userID, ok := tools.StringArg(args, "user_id")
	if !ok {
		return tools.Fail("memory_search needs a user"), nil
	}
	query := tools.StringArgOr(args, "query", "")
	limit := 0
	if n, ok := tools.FloatArg(args, "limit"); ok {
		limit = int(n)
	}

	results, err := t.mem.Search(userID, query, limit)
	if err != nil {
		return tools.Fail("recall failed: %v", err), nil
	}
	if len(results) == 0 {
		return tools.Ok("No memories matched."), nil
	}

	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "- [%s] %s (id %s)\n", r.Category, r.Content, r.ID)
	}
	return tools.Ok(strings.TrimRight(b.String(), "\n")), nil
}

type memoryForgetTool struct {
	tools.Base
	mem *memory.Engine
}

func newMemoryForgetTool(mem *memory.Engine) *memoryForgetTool {
	return &memoryForgetTool{
		Base: tools.Base{
			ToolName:        "memory_forget",
			ToolDescription: "Delete a stored memory by its id.",
			Schema: tools.ObjectSchema(map[string]any{
				"id": tools.StringProp("The memory id to forget."),
			}, "id"),
			RestrictToOwner: true,
		},
		mem: mem,
	}
}

func (t *memoryForgetTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	id, ok := tools.StringArg(args, "id")
	if !ok {
		return tools.Fail("memory_forget needs an id"), nil
	}
	n, err := t.mem.Forget(id)
	if err != nil {
		return tools.Fail("forget failed: %v", err), nil
	}
	if n == 0 {
		return tools.Ok("Nothing stored under that id."), nil
	}
	return tools.Ok("Forgotten."), nil
}
