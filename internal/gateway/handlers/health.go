package handlers

import (
	"net/http"
	"time"
)

// HealthResponse is the /api/health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Health returns a liveness handler.
func Health(version string, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SendJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: version,
			Uptime:  time.Since(startedAt).Round(time.Second).String(),
		})
	}
}
