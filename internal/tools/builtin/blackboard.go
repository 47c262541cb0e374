package builtin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"tinyclaw/internal/storage"
	"tinyclaw/internal/tools"
)

type readBlackboardTool struct {
	tools.Base
	db *storage.DB
}

func newReadBlackboardTool(db *storage.DB) *readBlackboardTool {
	return &readBlackboardTool{
		Base: tools.Base{
			ToolName:        "read_blackboard",
			ToolDescription: "Read learned preferences and notes from the blackboard. Keys are dotted, e.g. prefs.tone.",
			Schema: tools.ObjectSchema(map[string]any{
				"key":    tools.StringProp("Exact key to read. Leave empty to list by prefix."),
				"prefix": tools.StringProp("Optional key prefix to list."),
			}),
			RestrictToOwner: true,
		},
		db: db,
	}
}

func (t *readBlackboardTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	userID, ok := tools.StringArg(args, "user_id")
	if !ok {
		return tools.Fail("read_blackboard needs a user"), nil
	}

	if key, ok := tools.StringArg(args, "key"); ok {
		value, err := t.db.BlackboardGet(userID, key)
		if errors.Is(err, storage.ErrNotFound) {
			return tools.Ok("Nothing stored under " + key + "."), nil
		}
		if err != nil {
			return tools.Fail("read failed: %v", err), nil
		}
		return tools.Ok(key + " = " + value), nil
	}

	prefix := tools.StringArgOr(args, "prefix", "")
	entries, err := t.db.BlackboardList(userID, prefix)
	if err != nil {
		return tools.Fail("list failed: %v", err), nil
	}
	if len(entries) == 0 {
		return tools.Ok("The blackboard is empty."), nil
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, entries[k])
	}
	return tools.Ok(strings.TrimRight(b.String(), "\n")), nil
}

type writeBlackboardTool struct {
	tools.Base
	db *storage.DB
}

func newWriteBlackboardTool(db *storage.DB) *writeBlackboardTool {
	return &writeBlackboardTool{
		Base: tools.Base{
			ToolName:        "write_blackboard",
			ToolDescription: "Store a learned preference or note on the blackboard under a dotted key.",
			Schema: tools.ObjectSchema(map[string]any{
				"key":   tools.StringProp("Dotted key, e.g. prefs.tone."),
				"value": tools.StringProp("The value to store. Empty deletes the key."),
			}, "key"),
			RestrictToOwner: true,
		},
		db: db,
	}
}

func (t *writeBlackboardTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	userID, ok := tools.StringArg(args, "user_id")
	if !ok {
		return tools.Fail("write_blackboard needs a user"), nil
	}
	key, ok := tools.StringArg(args, "key")
	if !ok {
		return tools.Fail("write_blackboard needs a key"), nil
	}

	value, hasValue := tools.StringArg(args, "value")
	if !hasValue {
		if err := t.db.BlackboardDelete(userID, key); err != nil {
			return tools.Fail("delete failed: %v", err), nil
		}
		return tools.Ok("Cleared " + key + "."), nil
	}
	if err := t.db.BlackboardSet(userID, key, value); err != nil {
		return tools.Fail("write failed: %v", err), nil
	}
	return tools.Ok("Noted " + key + "."), nil
}
