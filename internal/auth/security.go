package auth

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "modernc.org/sqlite"
)

// SecurityDB persists abuse state that must survive restarts: permanent IP
// blocks and recovery-attempt counters. It is separate from agent.db so a
// wipe of conversational state never resets security posture.
type SecurityDB struct {
	db *sql.DB
}

const securitySchema = `
CREATE TABLE IF NOT EXISTS ip_blocks (
	ip         TEXT PRIMARY KEY,
	reason     TEXT NOT NULL DEFAULT '',
	permanent  INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS recovery_attempts (
	ip            TEXT PRIMARY KEY,
	failures      INTEGER NOT NULL DEFAULT 0,
	last_attempt  DATETIME,
	blocked_until DATETIME
);`

// OpenSecurityDB opens (creating if needed) the security database at path.
// On non-Windows targets the file is restricted to the owner.
func OpenSecurityDB(path string) (*SecurityDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("auth: create security dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auth: open security db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: security db pragma: %w", err)
	}
	if _, err := db.Exec(securitySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: security schema: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o600); err != nil {
			db.Close()
			return nil, fmt.Errorf("auth: security db perms: %w", err)
		}
	}
	return &SecurityDB{db: db}, nil
}

// Close releases the database handle.
func (s *SecurityDB) Close() error { return s.db.Close() }

// IsBlocked reports whether an ip carries a permanent block.
func (s *SecurityDB) IsBlocked(ip string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM ip_blocks WHERE ip = ? AND permanent = 1", ip).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// BlockPermanently records a permanent block for an ip.
func (s *SecurityDB) BlockPermanently(ip, reason string) error {
	_, err := s.db.Exec(
		"INSERT INTO ip_blocks (ip, reason, permanent, created_at) VALUES (?, ?, 1, ?) ON CONFLICT(ip) DO UPDATE SET permanent = 1, reason = excluded.reason",
		ip, reason, time.Now())
	return err
}

// recoveryState is one ip's persisted recovery counters.
type recoveryState struct {
	Failures     int
	BlockedUntil time.Time
}

func (s *SecurityDB) recoveryState(ip string) (recoveryState, error) {
	var st recoveryState
	var blocked sql.NullTime
	err := s.db.QueryRow("SELECT failures, blocked_until FROM recovery_attempts WHERE ip = ?", ip).
		Scan(&st.Failures, &blocked)
	if err == sql.ErrNoRows {
		return recoveryState{}, nil
	}
	if err != nil {
		return recoveryState{}, err
	}
	if blocked.Valid {
		st.BlockedUntil = blocked.Time
	}
	return st, nil
}

func (s *SecurityDB) recordRecoveryFailure(ip string, failures int, blockedUntil time.Time) error {
	var blocked any
	if !blockedUntil.IsZero() {
		blocked = blockedUntil
	}
	_, err := s.db.Exec(
		"INSERT INTO recovery_attempts (ip, failures, last_attempt, blocked_until) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(ip) DO UPDATE SET failures = excluded.failures, last_attempt = excluded.last_attempt, blocked_until = excluded.blocked_until",
		ip, failures, time.Now(), blocked)
	return err
}

// clearRecovery wipes an ip's counters after a successful recovery.
func (s *SecurityDB) clearRecovery(ip string) error {
	_, err := s.db.Exec("DELETE FROM recovery_attempts WHERE ip = ?", ip)
	return err
}
