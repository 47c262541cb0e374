package builtin

import (
	"context"
	"fmt"
	"time"

	"tinyclaw/internal/sandbox"
	"tinyclaw/internal/tools"
)

type executeCodeTool struct {
	tools.Base
	sb *sandbox.Sandbox
}

// execute_code is self-gated: the orchestrator surfaces its own confirmation
// flow for code, so shield require_approval is skipped. Shield block still
// applies.
func newExecuteCodeTool(sb *sandbox.Sandbox) *executeCodeTool {
	return &executeCodeTool{
		Base: tools.Base{
			ToolName:        "execute_code",
			ToolDescription: "Run a JavaScript snippet in an isolated sandbox with no filesystem or network access. Use console.log for output.",
			Schema: tools.ObjectSchema(map[string]any{
				"code":       tools.StringProp("The JavaScript code to run."),
				"timeout_ms": tools.NumberProp("Optional wall-clock budget in milliseconds, capped at 30000."),
			}, "code"),
			RestrictToOwner: true,
			Gated:           true,
		},
		sb: sb,
	}
}

func (t *executeCodeTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	code, ok := tools.StringArg(args, "code")
	if !ok {
		return tools.Fail("no code provided"), nil
	}
	var opts sandbox.Options
	if ms, ok := tools.FloatArg(args, "timeout_ms"); ok && ms > 0 {
		opts.Timeout = time.Duration(ms) * time.Millisecond
	}

	res, err := t.sb.Execute(ctx, code, opts)
	if err != nil {
		return tools.Fail("sandbox unavailable: %v", err), nil
	}
	if !res.Success {
		return tools.Fail("%s (after %dms)", res.Error, res.DurationMs), nil
	}
	if res.Output == "" {
		return tools.Okf("Ran in %dms with no output.", res.DurationMs), nil
	}
	return tools.Ok(fmt.Sprintf("Output (%dms):\n%s", res.DurationMs, res.Output)), nil
}
