package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tinyclaw/internal/gateway/handlers"
	"tinyclaw/internal/orchestrator"
)

const (
	// Comment frames keep the SSE connection alive between events.
	sseHeartbeatInterval = 8 * time.Second

	// A stream with no events for this long is abandoned.
	sseIdleCap = 255 * time.Second
)

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"userId,omitempty"`
	Stream  bool   `json:"stream,omitempty"`
}

func (s *Server) handleOwnerChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	s.runTurn(w, r, s.deps.Auth.OwnerID(), req)
}

func (s *Server) handleFriendChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = "guest"
	}
	// Guests can never impersonate the owner through the public endpoint.
	if userID == s.deps.Auth.OwnerID() {
		handlers.SendError(w, http.StatusForbidden, handlers.ErrCodeForbidden, "reserved user id")
		return
	}
	s.runTurn(w, r, userID, req)
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid JSON body")
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "message is required")
		return req, false
	}
	return req, true
}

func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, userID string, req chatRequest) {
	if req.Stream {
		s.streamTurn(w, r, userID, req.Message)
		return
	}

	var reply string
	done, err := s.deps.Queue.Enqueue(userID, r.Context(), func(ctx context.Context) error {
		var terr error
		reply, terr = s.deps.Orch.Turn(ctx, userID, req.Message, nil)
		return terr
	})
	if err != nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "turn queue is full")
		return
	}

	if err := <-done; err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Turn failed")
		handlers.SendError(w, http.StatusBadGateway, handlers.ErrCodeServiceUnavailable, "the assistant is unavailable right now")
		return
	}
	handlers.SendJSON(w, http.StatusOK, map[string]string{"content": reply})
}

// streamTurn runs a turn with SSE output: one JSON envelope per data frame,
// heartbeat comments while the turn is in flight, and a done event to close.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, userID, message string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan orchestrator.Event, 64)
	sink := func(ev orchestrator.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	done, err := s.deps.Queue.Enqueue(userID, ctx, func(tctx context.Context) error {
		defer close(events)
		_, terr := s.deps.Orch.Turn(tctx, userID, message, sink)
		return terr
	})
	if err != nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "turn queue is full")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTimer(sseIdleCap)
	defer idle.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				// The orchestrator emits its own done event; this only
				// covers a turn that returned without one.
				<-done
				return
			}
			writeSSE(w, flusher, ev)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(sseIdleCap)
			if ev.Type == orchestrator.EventDone {
				go func() { <-done }()
				return
			}

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case <-idle.C:
			s.logger.Warn().Str("user_id", userID).Msg("SSE stream idle cap reached")
			writeSSE(w, flusher, orchestrator.Event{Type: orchestrator.EventDone})
			return

		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev orchestrator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
