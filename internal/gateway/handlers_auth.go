package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"tinyclaw/internal/auth"
	"tinyclaw/internal/gateway/handlers"
	"tinyclaw/internal/gateway/middleware"
	"tinyclaw/internal/heartware"
)

const defaultSoulSeed = `# Soul

I am Tinyclaw, a small but mighty AI companion. I am curious, warm and
direct. I remember what matters to my owner and act on their behalf,
carefully.
`

const defaultIdentitySeed = `# Identity

name: Tinyclaw
tagline: Your small-but-mighty AI companion
`

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	hasSession := s.deps.Auth.SessionFromRequest(r)
	handlers.SendJSON(w, http.StatusOK, s.deps.Auth.Status(hasSession))
}

func (s *Server) handleSetupBootstrap(w http.ResponseWriter, r *http.Request) {
	if !s.logins.Allow(middleware.ClientIP(r)) {
		handlers.SendError(w, http.StatusTooManyRequests, handlers.ErrCodeRateLimited, "too many attempts, try again later")
		return
	}

	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	session, err := s.deps.Auth.BeginSetup(req.Secret)
	if err != nil {
		s.sendAuthError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, session)
}

func (s *Server) handleSetupComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SetupToken     string `json:"setupToken"`
		OwnerID        string `json:"ownerId"`
		ProviderAPIKey string `json:"providerApiKey"`
		TOTPCode       string `json:"totpCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.OwnerID == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "ownerId is required")
		return
	}

	creds, err := s.deps.Auth.CompleteSetup(req.SetupToken, req.OwnerID, req.ProviderAPIKey, req.TOTPCode)
	if err != nil {
		s.sendAuthError(w, err)
		return
	}
	if s.deps.Orch != nil {
		s.deps.Orch.SetOwnerID(req.OwnerID)
	}

	if s.deps.Heartware != nil {
		if err := s.deps.Heartware.Seed(map[string]string{
			heartware.FileIdentity: defaultIdentitySeed,
			heartware.FileSoul:     defaultSoulSeed,
		}); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to seed heartware")
		}
	}

	http.SetCookie(w, auth.NewSessionCookie(creds.SessionToken))
	handlers.SendJSON(w, http.StatusOK, creds)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.logins.Allow(middleware.ClientIP(r)) {
		handlers.SendError(w, http.StatusTooManyRequests, handlers.ErrCodeRateLimited, "too many attempts, try again later")
		return
	}

	var req struct {
		TOTPCode string `json:"totpCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	token, err := s.deps.Auth.Login(req.TOTPCode)
	if err != nil {
		s.sendAuthError(w, err)
		return
	}
	http.SetCookie(w, auth.NewSessionCookie(token))
	handlers.SendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRecoveryValidate(w http.ResponseWriter, r *http.Request) {
	ip := middleware.ClientIP(r)
	allowed, err := s.recovery.Allow(ip)
	if err != nil {
		s.logger.Error().Err(err).Msg("Recovery limiter check failed")
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, "internal server error")
		return
	}
	if !allowed {
		handlers.SendError(w, http.StatusTooManyRequests, handlers.ErrCodeRateLimited, "too many attempts, try again later")
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	sessionID, err := s.deps.Auth.ValidateRecoveryToken(req.Token)
	if err != nil {
		if lerr := s.recovery.RecordFailure(ip); lerr != nil {
			s.logger.Error().Err(lerr).Msg("Failed to record recovery failure")
		}
		s.sendAuthError(w, err)
		return
	}

	if err := s.recovery.RecordSuccess(ip); err != nil {
		s.logger.Error().Err(err).Msg("Failed to clear recovery counters")
	}
	handlers.SendJSON(w, http.StatusOK, map[string]string{"recoverySessionId": sessionID})
}

func (s *Server) handleRecoveryUseBackup(w http.ResponseWriter, r *http.Request) {
	ip := middleware.ClientIP(r)
	allowed, err := s.recovery.Allow(ip)
	if err != nil {
		s.logger.Error().Err(err).Msg("Recovery limiter check failed")
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, "internal server error")
		return
	}
	if !allowed {
		handlers.SendError(w, http.StatusTooManyRequests, handlers.ErrCodeRateLimited, "too many attempts, try again later")
		return
	}

	var req struct {
		RecoverySessionID string `json:"recoverySessionId"`
		Code              string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	token, err := s.deps.Auth.UseBackupCode(req.RecoverySessionID, req.Code)
	if err != nil {
		if lerr := s.recovery.RecordFailure(ip); lerr != nil {
			s.logger.Error().Err(lerr).Msg("Failed to record recovery failure")
		}
		s.sendAuthError(w, err)
		return
	}

	if err := s.recovery.RecordSuccess(ip); err != nil {
		s.logger.Error().Err(err).Msg("Failed to clear recovery counters")
	}
	http.SetCookie(w, auth.NewSessionCookie(token))
	handlers.SendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Auth.StartTOTPReenroll()
	if err != nil {
		s.sendAuthError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, session)
}

func (s *Server) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SetupToken string `json:"setupToken"`
		TOTPCode   string `json:"totpCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	creds, err := s.deps.Auth.ConfirmTOTPReenroll(req.SetupToken, req.TOTPCode)
	if err != nil {
		s.sendAuthError(w, err)
		return
	}
	handlers.SendJSON(w, http.StatusOK, creds)
}

// sendAuthError maps auth failures to generic structured responses. Messages
// stay vague on purpose; the caller learns pass or fail, nothing else.
func (s *Server) sendAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrAlreadyClaimed):
		handlers.SendError(w, http.StatusConflict, handlers.ErrCodeForbidden, "instance already claimed")
	case errors.Is(err, auth.ErrNotClaimed):
		handlers.SendError(w, http.StatusConflict, handlers.ErrCodeInvalidRequest, "instance not set up yet")
	case errors.Is(err, auth.ErrBadBootstrap),
		errors.Is(err, auth.ErrBootstrapExpired),
		errors.Is(err, auth.ErrSessionExpired),
		errors.Is(err, auth.ErrBadCode),
		errors.Is(err, auth.ErrBadToken):
		handlers.SendError(w, http.StatusUnauthorized, handlers.ErrCodeUnauthorized, "authentication failed")
	default:
		s.logger.Error().Err(err).Msg("Auth operation failed")
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, "internal server error")
	}
}
