package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tinyclaw/internal/gateway/handlers"
)

// RateLimiterConfig configures the per-client request limiter.
type RateLimiterConfig struct {
	// RequestsPerMinute is the sustained rate allowed per client ip.
	RequestsPerMinute int
	// Burst is the momentary burst allowance.
	Burst int
	// Enabled turns the limiter on.
	Enabled bool
	// CleanupInterval is how often idle limiters are dropped.
	CleanupInterval time.Duration
}

// DefaultRateLimiterConfig returns the default limiter configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 60,
		Burst:             10,
		Enabled:           true,
		CleanupInterval:   5 * time.Minute,
	}
}

// clientLimiter pairs a token bucket with its last use.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-client-ip rate limiting. Loopback clients are
// exempt: the owner's own machine is never throttled.
type RateLimiter struct {
	config  RateLimiterConfig
	mu      sync.Mutex
	clients map[string]*clientLimiter
	stopCh  chan struct{}
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		clients: make(map[string]*clientLimiter),
		stopCh:  make(chan struct{}),
	}
	if config.Enabled && config.CleanupInterval > 0 {
		go rl.cleanup()
	}
	return rl
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := time.Now().Add(-2 * rl.config.CleanupInterval)
			for ip, cl := range rl.clients {
				if cl.lastSeen.Before(cutoff) {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// SetLimits retunes the sustained rate and burst at runtime. Existing token
// buckets are adjusted in place.
func (rl *RateLimiter) SetLimits(requestsPerMinute, burst int) {
	if requestsPerMinute <= 0 || burst <= 0 {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.config.RequestsPerMinute = requestsPerMinute
	rl.config.Burst = burst
	limit := rate.Limit(float64(requestsPerMinute) / 60.0)
	for _, cl := range rl.clients {
		cl.limiter.SetLimit(limit)
		cl.limiter.SetBurst(burst)
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	if !rl.config.Enabled || isLoopbackHost(ip) {
		return true
	}

	rl.mu.Lock()
	cl, ok := rl.clients[ip]
	if !ok {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.config.RequestsPerMinute)/60.0), rl.config.Burst),
		}
		rl.clients[ip] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()

	return cl.limiter.Allow()
}

// RateLimit wraps a handler with the limiter.
func (rl *RateLimiter) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			w.Header().Set("Retry-After", "60")
			handlers.SendError(w, http.StatusTooManyRequests, handlers.ErrCodeRateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackHost(addr string) bool {
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
