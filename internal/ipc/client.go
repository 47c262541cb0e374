package ipc

import (
	"fmt"
	"net"
	"runtime"
	"time"
)

// Client issues control requests against a running instance.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the given socket path. On Windows the path
// is ignored in favor of the named pipe.
func NewClient(socketPath string) *Client {
	if runtime.GOOS == "windows" {
		socketPath = WindowsPipeName
	}
	return &Client{socketPath: socketPath, timeout: 5 * time.Second}
}

// Call sends one request and waits for its response.
func (c *Client) Call(req Request) (*Response, error) {
	conn, err := dialPipe(c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := NewEncoder(conn).Encode(req); err != nil {
		return nil, err
	}

	var resp Response
	if err := NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("ipc: read response: %w", err)
	}
	return &resp, nil
}

// Ping checks whether an instance is listening.
func (c *Client) Ping() bool {
	resp, err := c.Call(Request{Method: MethodPing})
	return err == nil && resp.OK
}

// Status fetches the running instance's status.
func (c *Client) Status() (*StatusResult, error) {
	resp, err := c.Call(Request{Method: MethodStatus})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("ipc: status: %s", resp.Error)
	}
	var st StatusResult
	if err := resp.ParseResult(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Stop asks the running instance to shut down.
func (c *Client) Stop() error {
	resp, err := c.Call(Request{Method: MethodStop})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("ipc: stop: %s", resp.Error)
	}
	return nil
}

// IsRunning reports whether a live instance holds the socket.
func IsRunning(socketPath string) bool {
	if runtime.GOOS == "windows" {
		conn, err := dialPipe(WindowsPipeName)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
