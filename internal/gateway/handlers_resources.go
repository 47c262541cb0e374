package gateway

import (
	"net/http"

	"tinyclaw/internal/gateway/handlers"
	"tinyclaw/internal/gateway/websocket"
	"tinyclaw/internal/storage"
)

const taskListLimit = 50

func (s *Server) handleBackgroundTasks(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = s.deps.Auth.OwnerID()
	}

	tasks, err := s.deps.DB.ListBackgroundTasks(userID, taskListLimit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Background task listing failed")
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, "internal server error")
		return
	}
	if tasks == nil {
		tasks = []*storage.BackgroundTask{}
	}
	handlers.SendJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleSubagents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = s.deps.Auth.OwnerID()
	}

	// No status filter: soft-deleted agents stay visible for history.
	agents, err := s.deps.DB.ListSubagents(userID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sub-agent listing failed")
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, "internal server error")
		return
	}
	if agents == nil {
		agents = []*storage.Subagent{}
	}
	handlers.SendJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// handleEvents upgrades to the websocket event hub. The connection is
// pre-subscribed to the owner's channel so nudges land immediately.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(s.hub, w, r, s.deps.Auth.OwnerID())
}
