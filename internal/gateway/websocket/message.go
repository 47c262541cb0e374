// Package websocket provides the event hub behind /api/events. The hub is
// push-only: chat runs over HTTP/SSE, while nudges, approval prompts and
// background-task lifecycle events are fanned out here.
package websocket

// Envelope is the wire shape of every pushed event.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ClientMessage is the small command set a client may send upstream.
type ClientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// broadcastMessage wraps an encoded frame with its target channel. An empty
// channel means all clients.
type broadcastMessage struct {
	Channel string
	Data    []byte
}

// Client command types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// Server push types.
const (
	TypeNudge           = "nudge"
	TypeApprovalPending = "approval_pending"
	TypeTaskStarted     = "task_started"
	TypeTaskCompleted   = "task_completed"
	TypeTaskFailed      = "task_failed"
)
