// Package ipc provides the local control channel for a running instance:
// newline-delimited JSON request/response over a unix domain socket (a named
// pipe on Windows). The socket's presence doubles as the single-instance
// guard.
package ipc

import "encoding/json"

const (
	// UnixSocketName is the control socket filename inside the data dir.
	UnixSocketName = "tinyclaw.sock"

	// WindowsPipeName is the Windows named pipe path.
	WindowsPipeName = `\\.\pipe\tinyclaw-ctl`

	// MaxMessageSize bounds a single request or response line (1MB).
	MaxMessageSize = 1024 * 1024
)

// Control methods.
const (
	MethodPing   = "ping"
	MethodStatus = "status"
	MethodStop   = "stop"
)

// Request is one control command.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the reply to a Request.
type Response struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// OkResponse builds a success response, marshalling result when non-nil.
func OkResponse(result any) Response {
	resp := Response{OK: true}
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			resp.Result = data
		}
	}
	return resp
}

// ErrResponse builds a failure response.
func ErrResponse(msg string) Response {
	return Response{OK: false, Error: msg}
}

// StatusResult is the payload of a successful status call.
type StatusResult struct {
	Version          string `json:"version"`
	PID              int    `json:"pid"`
	Uptime           string `json:"uptime"`
	Claimed          bool   `json:"claimed"`
	ActivePrincipals int    `json:"active_principals"`
	ConnectedClients int    `json:"connected_clients"`
}

// ParseResult unmarshals the response result into target.
func (r *Response) ParseResult(target any) error {
	if r.Result == nil {
		return nil
	}
	return json.Unmarshal(r.Result, target)
}
