// Package gateway provides the HTTP surface: setup/auth endpoints, owner and
// friend chat (JSON or SSE), resource listings, and the websocket event hub.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"tinyclaw/internal/auth"
	"tinyclaw/internal/config"
	"tinyclaw/internal/gateway/handlers"
	"tinyclaw/internal/gateway/middleware"
	"tinyclaw/internal/gateway/websocket"
	"tinyclaw/internal/heartware"
	"tinyclaw/internal/orchestrator"
	"tinyclaw/internal/queue"
	"tinyclaw/internal/storage"
	"tinyclaw/pkg/logger"
)

// Deps carries everything the gateway serves.
type Deps struct {
	Config    *config.Config
	Auth      *auth.Service
	Orch      *orchestrator.Orchestrator
	Queue     *queue.TurnQueue
	DB        *storage.DB
	Heartware *heartware.Manager
	Security  *auth.SecurityDB
	Version   string
	Logger    zerolog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	httpServer  *http.Server
	router      *mux.Router
	hub         *websocket.Hub
	deps        Deps
	rateLimiter *middleware.RateLimiter
	logins      *auth.LoginLimiter
	recovery    *auth.RecoveryLimiter
	startedAt   time.Time
	logger      zerolog.Logger
}

// NewServer wires the router, middleware chain and route table.
func NewServer(d Deps) *Server {
	router := mux.NewRouter()

	rlConfig := middleware.DefaultRateLimiterConfig()
	if d.Config != nil {
		rl := d.Config.Gateway.RateLimit
		rlConfig.Enabled = rl.Enabled
		if rl.RequestsPerMinute > 0 {
			rlConfig.RequestsPerMinute = rl.RequestsPerMinute
		}
		if rl.Burst > 0 {
			rlConfig.Burst = rl.Burst
		}
	}
	rateLimiter := middleware.NewRateLimiter(rlConfig)

	handler := middleware.Recovery(
		middleware.SecurityHeaders(
			middleware.Logging(
				rateLimiter.RateLimit(router),
			),
		),
	)

	s := &Server{
		httpServer: &http.Server{
			Handler:     handler,
			ReadTimeout: 60 * time.Second,
			// SSE streams outlive any sane write timeout; idle is capped
			// per-stream inside the SSE writer.
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		},
		router:      router,
		hub:         websocket.NewHub(),
		deps:        d,
		rateLimiter: rateLimiter,
		logins:      auth.NewLoginLimiter(),
		recovery:    auth.NewRecoveryLimiter(d.Security),
		startedAt:   time.Now(),
		logger:      d.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.HandleFunc("/api/health", handlers.Health(s.deps.Version, s.startedAt)).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/status", s.handleAuthStatus).Methods(http.MethodGet)

	r.HandleFunc("/api/setup/bootstrap", s.handleSetupBootstrap).Methods(http.MethodPost)
	r.HandleFunc("/api/setup/complete", s.handleSetupComplete).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)

	r.HandleFunc("/api/recovery/validate-token", s.handleRecoveryValidate).Methods(http.MethodPost)
	r.HandleFunc("/api/recovery/use-backup", s.handleRecoveryUseBackup).Methods(http.MethodPost)

	r.HandleFunc("/api/owner/totp-setup", s.requireSession(s.handleTOTPSetup)).Methods(http.MethodPost)
	r.HandleFunc("/api/owner/totp-confirm", s.requireSession(s.handleTOTPConfirm)).Methods(http.MethodPost)

	r.HandleFunc("/api/chat", s.requireSession(s.handleOwnerChat)).Methods(http.MethodPost)
	r.HandleFunc("/api/chat/friend", s.handleFriendChat).Methods(http.MethodPost)

	r.HandleFunc("/api/background-tasks", s.requireSession(s.handleBackgroundTasks)).Methods(http.MethodGet)
	r.HandleFunc("/api/sub-agents", s.requireSession(s.handleSubagents)).Methods(http.MethodGet)

	r.HandleFunc("/api/events", s.requireSession(s.handleEvents)).Methods(http.MethodGet)
}

// requireSession rejects requests without a valid owner session cookie.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Auth.SessionFromRequest(r) {
			handlers.SendError(w, http.StatusUnauthorized, handlers.ErrCodeUnauthorized, "valid session required")
			return
		}
		next(w, r)
	}
}

// Hub exposes the websocket hub so nudge delivery and task notifications can
// be wired to it.
// SetRateLimits retunes the request limiter, typically after a config
// change.
func (s *Server) SetRateLimits(requestsPerMinute, burst int) {
	s.rateLimiter.SetLimits(requestsPerMinute, burst)
}

func (s *Server) Hub() *websocket.Hub {
	return s.hub
}

// Router returns the mux router. Test hook.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the full middleware-wrapped handler. Test hook.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the listener until Shutdown or a fatal error.
func (s *Server) Start() error {
	host, port := "127.0.0.1", 3333
	if s.deps.Config != nil {
		if s.deps.Config.Gateway.Host != "" {
			host = s.deps.Config.Gateway.Host
		}
		if s.deps.Config.Gateway.Port != 0 {
			port = s.deps.Config.Gateway.Port
		}
	}
	s.httpServer.Addr = fmt.Sprintf("%s:%d", host, port)

	go s.hub.Run()

	logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting gateway")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// Shutdown stops the listener, the hub and the limiter cleanup loop.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Shutting down gateway")

	s.hub.Stop()
	s.rateLimiter.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}
