package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tinyclaw/internal/heartware"
	"tinyclaw/internal/tools"
)

type identityUpdateTool struct {
	tools.Base
	hw *heartware.Manager
}

func newIdentityUpdateTool(hw *heartware.Manager) *identityUpdateTool {
	return &identityUpdateTool{
		Base: tools.Base{
			ToolName:        "identity_update",
			ToolDescription: "Change the companion's name or tagline. Only the owner may do this.",
			Schema: tools.ObjectSchema(map[string]any{
				"name":    tools.StringProp("The companion's new name."),
				"tagline": tools.StringProp("Optional one-line self-description."),
			}, "name"),
			RestrictToOwner: true,
		},
		hw: hw,
	}
}

func (t *identityUpdateTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	name, ok := tools.StringArg(args, "name")
	if !ok {
		return tools.Fail("identity_update needs a name"), nil
	}
	tagline := tools.StringArgOr(args, "tagline", "")

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", name)
	if tagline != "" {
		fmt.Fprintf(&b, "\n%s\n", tagline)
	}
	if err := t.hw.Write(heartware.FileIdentity, b.String()); err != nil {
		return tools.Fail("identity not saved: %v", err), nil
	}
	return tools.Okf("From now on I'm %s.", name), nil
}

type heartwareReadTool struct {
	tools.Base
	hw *heartware.Manager
}

func newHeartwareReadTool(hw *heartware.Manager) *heartwareReadTool {
	return &heartwareReadTool{
		Base: tools.Base{
			ToolName:        "heartware_read",
			ToolDescription: "Read one of the companion's definition files: identity.md, soul.md, friend.md, or threats.md.",
			Schema: tools.ObjectSchema(map[string]any{
				"filename": tools.StringProp("Which file to read."),
			}, "filename"),
		},
		hw: hw,
	}
}

func (t *heartwareReadTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	name, ok := tools.StringArg(args, "filename")
	if !ok {
		return tools.Fail("heartware_read needs a filename"), nil
	}
	content, err := t.hw.Read(name)
	switch {
	case errors.Is(err, heartware.ErrUnknownFile):
		return tools.Fail("not a heartware file: %s", name), nil
	case errors.Is(err, heartware.ErrNotFound):
		return tools.Ok("That file hasn't been written yet."), nil
	case err != nil:
		return tools.Fail("read failed: %v", err), nil
	}
	return tools.Ok(content), nil
}
