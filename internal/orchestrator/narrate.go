package orchestrator

import "fmt"

// delegationTools hand work to sub-agents; their results carry agent and
// task ids and stream as delegation events instead of plain tool results.
var delegationTools = map[string]bool{
	"delegate_task":       true,
	"delegate_background": true,
}

// readbackTools return data the model should narrate for the user, so their
// results are fed back into the loop instead of ending the turn.
var readbackTools = map[string]bool{
	"memory_search":   true,
	"list_agents":     true,
	"heartware_read":  true,
	"read_blackboard": true,
}

// summaryFor renders the fixed acknowledgment for write-style tools that
// end a turn immediately. Tools outside the table get a generic line so an
// unmapped tool never swallows its own outcome.
func summaryFor(tool, result string) string {
	switch tool {
	case "memory_add":
		return "Got it! I'll remember that. ✓"
	case "memory_forget":
		return "Done, I've forgotten that. ✓"
	case "execute_code":
		return fmt.Sprintf("Here's the result of running **execute_code**:\n%s", result)
	case "identity_update":
		return "Done! I've updated who I am. ✓"
	case "schedule_nudge":
		return "Okay, I'll nudge you about it. ✓"
	case "write_blackboard":
		return "Noted. ✓"
	case "dismiss_agent":
		return "Agent dismissed. ✓"
	case "revive_agent":
		return "Agent revived and ready. ✓"
	default:
		return fmt.Sprintf("Done! %s", result)
	}
}

// Fixed user-facing strings.
const (
	ownerOnlyRefusal = "I can't do that for you. This action is reserved for my owner. But I'm happy to chat and help with questions! \U0001F41C"

	exhaustionMessage = "I got stuck thinking in circles on that one. Could you rephrase it for me?"

	jsonFallbackMessage = "I kept trying to reach for tools instead of answering. Let me just say it plainly: I couldn't finish that request, could you try rewording it?"

	providerFailureMessage = "I couldn't reach my language model just now. Please try again in a moment."
)
