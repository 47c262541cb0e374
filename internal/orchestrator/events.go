package orchestrator

import (
	"strings"

	"tinyclaw/internal/tools"
)

// Event is one frame on the turn's outbound stream. The gateway serializes
// each event as a single SSE data frame.
type Event struct {
	Type       string            `json:"type"`
	Content    string            `json:"content,omitempty"`
	Tool       string            `json:"tool,omitempty"`
	Result     string            `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	Delegation *tools.Delegation `json:"delegation,omitempty"`
}

// Stream event types.
const (
	EventContent            = "text"
	EventToolStart          = "tool_start"
	EventToolResult         = "tool_result"
	EventDelegationStart    = "delegation_start"
	EventDelegationComplete = "delegation_complete"
	EventError              = "error"
	EventDone               = "done"
)

// Filter rewrites user-facing text before it leaves the orchestrator.
type Filter func(string) string

// ReplaceEmDash swaps em-dashes for plain hyphens in outgoing text.
func ReplaceEmDash(s string) string {
	s = strings.ReplaceAll(s, " — ", " - ")
	return strings.ReplaceAll(s, "—", "-")
}

// DefaultFilters is the standard output filter chain.
func DefaultFilters() []Filter {
	return []Filter{ReplaceEmDash}
}

// emitter fans turn events out to an optional sink. A nil sink means the
// caller is not streaming; emits become no-ops but Text still filters so the
// returned transcript matches what a streaming client would have seen.
type emitter struct {
	sink    func(Event)
	filters []Filter
}

func newEmitter(sink func(Event), filters []Filter) *emitter {
	return &emitter{sink: sink, filters: filters}
}

// streaming reports whether a client is attached.
func (e *emitter) streaming() bool { return e.sink != nil }

// Text filters s through the output chain, emits it as a content event, and
// returns the filtered form.
func (e *emitter) Text(s string) string {
	s = e.filter(s)
	e.send(Event{Type: EventContent, Content: s})
	return s
}

// Delta filters and emits one streamed content fragment.
func (e *emitter) Delta(s string) {
	e.send(Event{Type: EventContent, Content: e.filter(s)})
}

func (e *emitter) filter(s string) string {
	for _, f := range e.filters {
		s = f(s)
	}
	return s
}

func (e *emitter) send(ev Event) {
	if e.sink != nil {
		e.sink(ev)
	}
}

func (e *emitter) ToolStart(name string) {
	e.send(Event{Type: EventToolStart, Tool: name})
}

func (e *emitter) ToolResult(name, result string) {
	e.send(Event{Type: EventToolResult, Tool: name, Result: result})
}

func (e *emitter) Delegation(name string, d *tools.Delegation, result string) {
	e.send(Event{Type: EventDelegationStart, Tool: name, Delegation: d})
	e.send(Event{Type: EventDelegationComplete, Tool: name, Delegation: d, Result: result})
}

func (e *emitter) Error(msg string) {
	e.send(Event{Type: EventError, Error: msg})
}

func (e *emitter) Done() {
	e.send(Event{Type: EventDone})
}
