package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"tinyclaw/pkg/logger"
)

// ErrAlreadyRunning is returned when another instance holds the socket.
var ErrAlreadyRunning = errors.New("ipc: another instance is already running")

// HandlerFunc serves one control request.
type HandlerFunc func(req Request) Response

// Server listens on the control socket and dispatches requests.
type Server struct {
	socketPath string
	handler    HandlerFunc

	listener net.Listener

	mu      sync.Mutex
	stopped bool
}

// NewServer creates a server for the given socket path. On Windows the path
// is ignored in favor of the named pipe.
func NewServer(socketPath string, handler HandlerFunc) *Server {
	if runtime.GOOS == "windows" {
		socketPath = WindowsPipeName
	}
	return &Server{socketPath: socketPath, handler: handler}
}

// SocketPath returns the socket path in use.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start claims the socket and begins serving. A live socket means another
// instance is running; a dead one is cleaned up and re-claimed.
func (s *Server) Start() error {
	if runtime.GOOS != "windows" {
		if _, err := os.Stat(s.socketPath); err == nil {
			if s.socketAlive() {
				return ErrAlreadyRunning
			}
			// Stale socket from a crashed process.
			if err := os.Remove(s.socketPath); err != nil {
				return fmt.Errorf("ipc: remove stale socket: %w", err)
			}
			logger.Warn().Str("socket", s.socketPath).Msg("Removed stale control socket")
		}
	}

	listener, err := listenPipe(s.socketPath)
	if err != nil {
		if runtime.GOOS == "windows" {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("ipc: listen: %w", err)
	}
	s.listener = listener

	if runtime.GOOS != "windows" {
		if err := os.Chmod(s.socketPath, 0600); err != nil {
			logger.Warn().Err(err).Msg("Failed to restrict socket permissions")
		}
	}

	logger.Info().Str("socket", s.socketPath).Msg("Control socket listening")
	go s.acceptLoop()
	return nil
}

// socketAlive dials the existing socket to tell a live instance from a
// leftover file.
func (s *Server) socketAlive() bool {
	conn, err := net.DialTimeout("unix", s.socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	if runtime.GOOS != "windows" {
		os.Remove(s.socketPath)
	}
	logger.Info().Msg("Control socket closed")
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			logger.Warn().Err(err).Msg("Control socket accept failed")
			continue
		}
		go s.serveConn(conn)
	}
}

// serveConn handles one connection: a sequence of request lines, each
// answered with a response line.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	dec := NewDecoder(conn)
	enc := NewEncoder(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}

		var resp Response
		if s.handler == nil {
			resp = ErrResponse("no handler configured")
		} else {
			resp = s.serve(req)
		}

		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := enc.Encode(resp); err != nil {
			logger.Warn().Err(err).Msg("Control response write failed")
			return
		}
	}
}

func (s *Server) serve(req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("method", req.Method).Msg("Control handler panicked")
			resp = ErrResponse("internal error")
		}
	}()
	return s.handler(req)
}
