package builtin

import (
	"context"
	"time"

	"tinyclaw/internal/nudge"
	"tinyclaw/internal/tools"
)

type scheduleNudgeTool struct {
	tools.Base
	engine *nudge.Engine
}

func newScheduleNudgeTool(engine *nudge.Engine) *scheduleNudgeTool {
	return &scheduleNudgeTool{
		Base: tools.Base{
			ToolName:        "schedule_nudge",
			ToolDescription: "Queue a proactive reminder or notification for the user, optionally at a later time.",
			Schema: tools.ObjectSchema(map[string]any{
				"content":       tools.StringProp("What to tell the user."),
				"category":      tools.StringProp("Optional category, e.g. reminder, health, followup."),
				"priority":      tools.StringProp("urgent, normal, or low. Defaults to normal."),
				"deliver_after": tools.StringProp("Optional RFC3339 time before which the nudge must not be delivered."),
			}, "content"),
			RestrictToOwner: true,
		},
		engine: engine,
	}
}

func (t *scheduleNudgeTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	userID, ok := tools.StringArg(args, "user_id")
	if !ok {
		return tools.Fail("schedule_nudge needs a user"), nil
	}
	content, ok := tools.StringArg(args, "content")
	if !ok {
		return tools.Fail("nothing to deliver"), nil
	}
	category := tools.StringArgOr(args, "category", "reminder")
	priority := tools.StringArgOr(args, "priority", nudge.PriorityNormal)

	var deliverAfter time.Time
	if raw, ok := tools.StringArg(args, "deliver_after"); ok {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tools.Fail("deliver_after must be RFC3339, got %q", raw), nil
		}
		deliverAfter = parsed
	}

	if _, err := t.engine.Schedule(userID, category, content, priority, nil, deliverAfter); err != nil {
		return tools.Fail("nudge not scheduled: %v", err), nil
	}
	if deliverAfter.IsZero() {
		return tools.Ok("Nudge queued."), nil
	}
	return tools.Okf("Nudge queued for %s.", deliverAfter.Format(time.RFC3339)), nil
}
