package auth

import (
	"net"
	"sync"
	"time"
)

// Login and setup endpoints share one in-memory limiter: a sliding 60 s
// window of 5 attempts per client ip, with a 5 minute lockout on overflow.
const (
	loginWindow      = 60 * time.Second
	loginMaxAttempts = 5
	loginLockout     = 5 * time.Minute
)

// Recovery endpoints are slower and persistent: every third failure earns
// an exponential backoff, and ten total failures block the ip for good.
const (
	recoveryBackoffBase = time.Minute
	recoveryBurst       = 3
	recoveryHardLimit   = 10
)

// IsLoopback reports whether addr is a local client, which every limiter
// exempts. addr may be a bare host or a host:port pair.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// LoginLimiter tracks authentication attempts per client ip.
type LoginLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	lockout  map[string]time.Time

	now func() time.Time
}

// NewLoginLimiter creates an empty limiter.
func NewLoginLimiter() *LoginLimiter {
	return &LoginLimiter{
		attempts: make(map[string][]time.Time),
		lockout:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow registers one attempt for ip and reports whether it may proceed.
// The attempt that overflows the window triggers the lockout.
func (l *LoginLimiter) Allow(ip string) bool {
	if IsLoopback(ip) {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, locked := l.lockout[ip]; locked {
		if now.Before(until) {
			return false
		}
		delete(l.lockout, ip)
		delete(l.attempts, ip)
	}

	cutoff := now.Add(-loginWindow)
	kept := l.attempts[ip][:0]
	for _, t := range l.attempts[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.attempts[ip] = kept

	if len(kept) > loginMaxAttempts {
		l.lockout[ip] = now.Add(loginLockout)
		return false
	}
	return true
}

// RecoveryLimiter gates the recovery endpoints against a SecurityDB.
type RecoveryLimiter struct {
	security *SecurityDB
	now      func() time.Time
}

// NewRecoveryLimiter creates a limiter over persisted state.
func NewRecoveryLimiter(security *SecurityDB) *RecoveryLimiter {
	return &RecoveryLimiter{security: security, now: time.Now}
}

// Allow reports whether ip may attempt recovery right now.
func (l *RecoveryLimiter) Allow(ip string) (bool, error) {
	if IsLoopback(ip) {
		return true, nil
	}
	blocked, err := l.security.IsBlocked(ip)
	if err != nil {
		return false, err
	}
	if blocked {
		return false, nil
	}
	st, err := l.security.recoveryState(ip)
	if err != nil {
		return false, err
	}
	return !l.now().Before(st.BlockedUntil), nil
}

// RecordFailure counts one failed recovery attempt. Every third failure
// backs the ip off for 1 min x 2^(floor(n/3)-1); the tenth blocks it
// permanently.
func (l *RecoveryLimiter) RecordFailure(ip string) error {
	if IsLoopback(ip) {
		return nil
	}
	st, err := l.security.recoveryState(ip)
	if err != nil {
		return err
	}
	st.Failures++

	if st.Failures >= recoveryHardLimit {
		return l.security.BlockPermanently(ip, "recovery attempts exhausted")
	}

	blockedUntil := st.BlockedUntil
	if st.Failures%recoveryBurst == 0 {
		exp := st.Failures/recoveryBurst - 1
		blockedUntil = l.now().Add(recoveryBackoffBase * (1 << exp))
	}
	return l.security.recordRecoveryFailure(ip, st.Failures, blockedUntil)
}

// RecordSuccess clears ip's counters after a completed recovery.
func (l *RecoveryLimiter) RecordSuccess(ip string) error {
	if IsLoopback(ip) {
		return nil
	}
	return l.security.clearRecovery(ip)
}
