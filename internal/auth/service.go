// Package auth owns the instance's single-owner identity: the one-time
// bootstrap claim, TOTP enrollment and login, backup codes, recovery, and
// the session cookie. Credentials are persisted as SHA-256 hashes in the
// encrypted secret store; verification is constant-time everywhere.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"tinyclaw/internal/config"
)

// SessionCookieName is the browser cookie carrying the owner session.
const SessionCookieName = "tinyclaw_session"

// Lifetimes.
const (
	bootstrapTTL       = time.Hour
	setupSessionTTL    = 15 * time.Minute
	recoverySessionTTL = 15 * time.Minute
	sessionMaxAge      = 365 * 24 * time.Hour
)

// Secret store keys.
const (
	skOwnerID       = "auth.owner_id"
	skTOTPSecret    = "auth.totp_secret"
	skBackupHashes  = "auth.backup_code_hashes"
	skRecoveryHash  = "auth.recovery_token_hash"
	skSessionHash   = "auth.session_hash"
	skProviderKey   = "provider.api_key"
	totpIssuer      = "tinyclaw"
	totpAccountName = "owner"
)

var (
	// ErrBadBootstrap is returned for a wrong or already-consumed secret.
	ErrBadBootstrap = errors.New("auth: invalid bootstrap secret")
	// ErrBootstrapExpired is returned once the claim window closes.
	ErrBootstrapExpired = errors.New("auth: bootstrap secret expired")
	// ErrAlreadyClaimed is returned when setup runs on a claimed instance.
	ErrAlreadyClaimed = errors.New("auth: instance already claimed")
	// ErrNotClaimed is returned for login before setup.
	ErrNotClaimed = errors.New("auth: instance not claimed yet")
	// ErrSessionExpired is returned for stale setup or recovery sessions.
	ErrSessionExpired = errors.New("auth: session expired")
	// ErrBadCode is returned for a failed TOTP or backup-code check.
	ErrBadCode = errors.New("auth: invalid code")
	// ErrBadToken is returned for a failed token check.
	ErrBadToken = errors.New("auth: invalid token")
)

// Status is the public auth state of the instance.
type Status struct {
	Claimed       bool `json:"claimed"`
	IsOwner       bool `json:"isOwner"`
	SetupRequired bool `json:"setupRequired"`
	MFAConfigured bool `json:"mfaConfigured"`
}

// SetupSession is the short-lived state between bootstrap and completion.
type SetupSession struct {
	Token      string `json:"token"`
	TOTPSecret string `json:"totpSecret"`
	TOTPUri    string `json:"totpUri"`
}

// Credentials is everything handed to the owner exactly once.
type Credentials struct {
	BackupCodes   []string `json:"backupCodes"`
	RecoveryToken string   `json:"recoveryToken"`
	SessionToken  string   `json:"-"`
}

// Service implements the owner auth flows.
// AuditSink records security-relevant auth events. Implemented by the
// shield file auditor.
type AuditSink interface {
	RecordAuthEvent(event, subject string, success bool) error
}

type Service struct {
	secrets config.SecretStore
	logger  zerolog.Logger
	auditor AuditSink

	mu               sync.Mutex
	bootstrap        string
	bootstrapIssued  time.Time
	bootstrapUsed    bool
	setupSessions    map[string]pendingSetup
	recoverySessions map[string]time.Time

	now func() time.Time
}

type pendingSetup struct {
	totpSecret string
	totpURL    string
	expiresAt  time.Time
}

// NewService creates the auth service and mints the process's bootstrap
// secret; it is valid for one hour and regenerates on restart if unused.
func NewService(secrets config.SecretStore, logger zerolog.Logger) (*Service, error) {
	secret, err := randomToken(BootstrapSecretLength)
	if err != nil {
		return nil, err
	}
	return &Service{
		secrets:          secrets,
		logger:           logger,
		bootstrap:        secret,
		bootstrapIssued:  time.Now(),
		setupSessions:    make(map[string]pendingSetup),
		recoverySessions: make(map[string]time.Time),
		now:              time.Now,
	}, nil
}

// SetAuditor attaches an audit sink. Nil disables auth auditing.
func (s *Service) SetAuditor(a AuditSink) {
	s.auditor = a
}

func (s *Service) audit(event, subject string, success bool) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.RecordAuthEvent(event, subject, success); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("auth audit write failed")
	}
}

// BootstrapSecret returns the claim secret for display on the console of
// the machine running the instance. Empty once claimed.
func (s *Service) BootstrapSecret() string {
	if s.Claimed() {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootstrap
}

// Claimed reports whether an owner has completed setup.
func (s *Service) Claimed() bool {
	_, err := s.secrets.Get(skOwnerID)
	return err == nil
}

// OwnerID returns the claimed owner id, or empty.
func (s *Service) OwnerID() string {
	id, err := s.secrets.Get(skOwnerID)
	if err != nil {
		return ""
	}
	return id
}

// Status reports the instance's auth state for a request that has (or has
// not) presented a valid session.
func (s *Service) Status(hasSession bool) Status {
	claimed := s.Claimed()
	_, totpErr := s.secrets.Get(skTOTPSecret)
	return Status{
		Claimed:       claimed,
		IsOwner:       claimed && hasSession,
		SetupRequired: !claimed,
		MFAConfigured: totpErr == nil,
	}
}

// BeginSetup consumes the bootstrap secret and opens a setup session with
// a freshly generated TOTP enrollment.
func (s *Service) BeginSetup(bootstrapSecret string) (*SetupSession, error) {
	if s.Claimed() {
		return nil, ErrAlreadyClaimed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bootstrapUsed || !verifyToken(bootstrapSecret, hashToken(s.bootstrap)) {
		return nil, ErrBadBootstrap
	}
	if s.now().Sub(s.bootstrapIssued) > bootstrapTTL {
		return nil, ErrBootstrapExpired
	}

	key, err := totp.Generate(totp.GenerateOpts{Issuer: totpIssuer, AccountName: totpAccountName})
	if err != nil {
		return nil, fmt.Errorf("auth: totp generate: %w", err)
	}
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}

	s.bootstrapUsed = true
	s.setupSessions[token] = pendingSetup{
		totpSecret: key.Secret(),
		totpURL:    key.URL(),
		expiresAt:  s.now().Add(setupSessionTTL),
	}
	return &SetupSession{Token: token, TOTPSecret: key.Secret(), TOTPUri: key.URL()}, nil
}

// CompleteSetup finishes the claim: the owner proves TOTP possession, the
// identity and provider key are persisted, and one-time recovery
// credentials come back along with a live session.
func (s *Service) CompleteSetup(setupToken, ownerID, providerAPIKey, totpCode string) (*Credentials, error) {
	if s.Claimed() {
		return nil, ErrAlreadyClaimed
	}
	if ownerID == "" {
		return nil, fmt.Errorf("auth: empty owner id")
	}

	s.mu.Lock()
	pending, ok := s.setupSessions[setupToken]
	if ok && s.now().After(pending.expiresAt) {
		delete(s.setupSessions, setupToken)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionExpired
	}

	if !totp.Validate(totpCode, pending.totpSecret) {
		s.audit("setup_complete", ownerID, false)
		return nil, ErrBadCode
	}

	if err := s.secrets.Set(skOwnerID, ownerID); err != nil {
		return nil, err
	}
	if err := s.secrets.Set(skTOTPSecret, pending.totpSecret); err != nil {
		return nil, err
	}
	if providerAPIKey != "" {
		if err := s.secrets.Set(skProviderKey, providerAPIKey); err != nil {
			return nil, err
		}
	}

	creds, err := s.rotateRecoveryCredentials()
	if err != nil {
		return nil, err
	}
	session, err := s.issueSession()
	if err != nil {
		return nil, err
	}
	creds.SessionToken = session

	s.mu.Lock()
	delete(s.setupSessions, setupToken)
	s.mu.Unlock()

	s.audit("setup_complete", ownerID, true)
	s.logger.Info().Str("owner", ownerID).Msg("instance claimed")
	return creds, nil
}

// Login re-authenticates the owner by TOTP and issues a fresh session.
func (s *Service) Login(totpCode string) (string, error) {
	if !s.Claimed() {
		return "", ErrNotClaimed
	}
	secret, err := s.secrets.Get(skTOTPSecret)
	if err != nil {
		return "", ErrNotClaimed
	}
	if !totp.Validate(totpCode, secret) {
		s.audit("login", s.OwnerID(), false)
		return "", ErrBadCode
	}
	s.audit("login", s.OwnerID(), true)
	return s.issueSession()
}

// ValidateSession reports whether token matches the live owner session.
func (s *Service) ValidateSession(token string) bool {
	if token == "" {
		return false
	}
	stored, err := s.secrets.Get(skSessionHash)
	if err != nil {
		return false
	}
	return verifyToken(token, stored)
}

// SessionFromRequest extracts and validates the session cookie.
func (s *Service) SessionFromRequest(r *http.Request) bool {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return false
	}
	return s.ValidateSession(c.Value)
}

// NewSessionCookie builds the owner session cookie around a token.
func NewSessionCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// ValidateRecoveryToken consumes a presented recovery token and opens a
// short-lived recovery session.
func (s *Service) ValidateRecoveryToken(token string) (string, error) {
	stored, err := s.secrets.Get(skRecoveryHash)
	if err != nil || !verifyToken(token, stored) {
		s.audit("recovery_token", s.OwnerID(), false)
		return "", ErrBadToken
	}
	s.audit("recovery_token", s.OwnerID(), true)

	id, err := newSessionToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.recoverySessions[id] = s.now().Add(recoverySessionTTL)
	s.mu.Unlock()
	return id, nil
}

// UseBackupCode consumes one backup code inside a recovery session and
// issues a fresh owner session. A spent code never validates again.
func (s *Service) UseBackupCode(recoverySessionID, code string) (string, error) {
	s.mu.Lock()
	expiry, ok := s.recoverySessions[recoverySessionID]
	if ok && s.now().After(expiry) {
		delete(s.recoverySessions, recoverySessionID)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return "", ErrSessionExpired
	}

	hashes, err := s.backupHashes()
	if err != nil {
		return "", err
	}
	matched := -1
	for i, h := range hashes {
		if verifyToken(code, h) {
			matched = i
			break
		}
	}
	if matched < 0 {
		s.audit("backup_code", s.OwnerID(), false)
		return "", ErrBadCode
	}

	hashes = append(hashes[:matched], hashes[matched+1:]...)
	if err := s.storeBackupHashes(hashes); err != nil {
		return "", err
	}

	s.mu.Lock()
	delete(s.recoverySessions, recoverySessionID)
	s.mu.Unlock()

	s.audit("backup_code", s.OwnerID(), true)
	s.logger.Warn().Int("codes_left", len(hashes)).Msg("backup code consumed")
	return s.issueSession()
}

// StartTOTPReenroll begins replacing the owner's authenticator.
func (s *Service) StartTOTPReenroll() (*SetupSession, error) {
	if !s.Claimed() {
		return nil, ErrNotClaimed
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: totpIssuer, AccountName: totpAccountName})
	if err != nil {
		return nil, fmt.Errorf("auth: totp generate: %w", err)
	}
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.setupSessions[token] = pendingSetup{
		totpSecret: key.Secret(),
		totpURL:    key.URL(),
		expiresAt:  s.now().Add(setupSessionTTL),
	}
	s.mu.Unlock()
	return &SetupSession{Token: token, TOTPSecret: key.Secret(), TOTPUri: key.URL()}, nil
}

// ConfirmTOTPReenroll proves possession of the new authenticator, swaps
// the TOTP secret in, and rotates backup codes plus the recovery token.
func (s *Service) ConfirmTOTPReenroll(setupToken, totpCode string) (*Credentials, error) {
	s.mu.Lock()
	pending, ok := s.setupSessions[setupToken]
	if ok && s.now().After(pending.expiresAt) {
		delete(s.setupSessions, setupToken)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionExpired
	}
	if !totp.Validate(totpCode, pending.totpSecret) {
		return nil, ErrBadCode
	}
	if err := s.secrets.Set(skTOTPSecret, pending.totpSecret); err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.setupSessions, setupToken)
	s.mu.Unlock()

	return s.rotateRecoveryCredentials()
}

// rotateRecoveryCredentials mints fresh backup codes and a recovery token,
// persisting only their hashes.
func (s *Service) rotateRecoveryCredentials() (*Credentials, error) {
	codes := make([]string, BackupCodeCount)
	hashes := make([]string, BackupCodeCount)
	for i := range codes {
		code, err := randomToken(BackupCodeLength)
		if err != nil {
			return nil, err
		}
		codes[i] = code
		hashes[i] = hashToken(code)
	}
	recovery, err := randomToken(RecoveryTokenLength)
	if err != nil {
		return nil, err
	}

	if err := s.storeBackupHashes(hashes); err != nil {
		return nil, err
	}
	if err := s.secrets.Set(skRecoveryHash, hashToken(recovery)); err != nil {
		return nil, err
	}
	return &Credentials{BackupCodes: codes, RecoveryToken: recovery}, nil
}

func (s *Service) issueSession() (string, error) {
	token, err := newSessionToken()
	if err != nil {
		return "", err
	}
	if err := s.secrets.Set(skSessionHash, hashToken(token)); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Service) backupHashes() ([]string, error) {
	raw, err := s.secrets.Get(skBackupHashes)
	if err != nil {
		if errors.Is(err, config.ErrSecretNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var hashes []string
	if err := json.Unmarshal([]byte(raw), &hashes); err != nil {
		return nil, fmt.Errorf("auth: backup hashes: %w", err)
	}
	return hashes, nil
}

func (s *Service) storeBackupHashes(hashes []string) error {
	raw, err := json.Marshal(hashes)
	if err != nil {
		return err
	}
	return s.secrets.Set(skBackupHashes, string(raw))
}
