// Package middleware provides HTTP middleware for the risk engine API.
package middleware

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Hook is called with the request and resolved client address when a
// middleware rejects a request.
type Hook func(r *http.Request, clientIP string)

// RateLimitConfig configures per-address request limiting.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	// TrustProxy reads the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxy bool `yaml:"trust_proxy"`
}

// DefaultRateLimitConfig returns a limit of 100 requests per minute with a
// burst of 20. Health and metrics endpoints are exempt.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 100,
		WindowSize:    time.Minute,
		BurstSize:     20,
		CleanupPeriod: 5 * time.Minute,
		ExemptPaths:   []string{"/health", "/metrics"},
	}
}

// Validate checks the configuration.
func (c RateLimitConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RequestsPerIP <= 0 {
		return errors.New("rate_limit: requests_per_ip must be positive")
	}
	if c.BurstSize < 0 {
		return errors.New("rate_limit: burst_size must not be negative")
	}
	if c.WindowSize <= 0 || c.CleanupPeriod <= 0 {
		return errors.New("rate_limit: window_size and cleanup_period must be positive")
	}
	return nil
}

// RateLimiter is a fixed-window limiter keyed by client address. Expired
// entries are swept by a background goroutine until Stop is called.
type RateLimiter struct {
	cfg         RateLimitConfig
	clients     map[string]*clientState
	mu          sync.RWMutex
	exemptPaths map[string]bool
	stopCleanup chan struct{}
	stopOnce    sync.Once
	logger      *slog.Logger

	limited atomic.Uint64
	allowed atomic.Uint64
}

type clientState struct {
	count     int64
	windowEnd time.Time
	mu        sync.Mutex
}

// RateLimiterStats is a point-in-time view of the limiter.
type RateLimiterStats struct {
	TrackedIPs    int    `json:"tracked_ips"`
	TotalRequests int64  `json:"total_requests"`
	Allowed       uint64 `json:"allowed"`
	Limited       uint64 `json:"limited"`
}

// NewRateLimiter creates a limiter and starts its cleanup loop.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * time.Minute
	}

	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}

	rl := &RateLimiter{
		cfg:         cfg,
		clients:     make(map[string]*clientState),
		exemptPaths: exempt,
		stopCleanup: make(chan struct{}),
		logger:      logger.With("component", "rate_limiter"),
	}
	go rl.cleanupLoop()
	return rl
}

// Limit is the number of requests a client may make per window.
func (rl *RateLimiter) Limit() int {
	return rl.cfg.RequestsPerIP + rl.cfg.BurstSize
}

// Allow records one request from ip and reports whether it is within the
// limit, how many requests remain and when the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := time.Now()

	rl.mu.Lock()
	client, ok := rl.clients[ip]
	if !ok {
		client = &clientState{windowEnd: now.Add(rl.cfg.WindowSize)}
		rl.clients[ip] = client
	}
	rl.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	if now.After(client.windowEnd) {
		client.count = 0
		client.windowEnd = now.Add(rl.cfg.WindowSize)
	}

	limit := int64(rl.Limit())
	if client.count >= limit {
		rl.limited.Add(1)
		return false, 0, client.windowEnd
	}

	client.count++
	rl.allowed.Add(1)
	return true, int(limit - client.count), client.windowEnd
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops clients whose window ended more than one window ago.
func (rl *RateLimiter) cleanup() {
	threshold := time.Now().Add(-rl.cfg.WindowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, client := range rl.clients {
		client.mu.Lock()
		if client.windowEnd.Before(threshold) {
			delete(rl.clients, ip)
			removed++
		}
		client.mu.Unlock()
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// IsExempt reports whether path bypasses limiting.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exemptPaths[path]
}

// Stats returns current limiter statistics.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	var total int64
	for _, client := range rl.clients {
		client.mu.Lock()
		total += client.count
		client.mu.Unlock()
	}
	return RateLimiterStats{
		TrackedIPs:    len(rl.clients),
		TotalRequests: total,
		Allowed:       rl.allowed.Load(),
		Limited:       rl.limited.Load(),
	}
}

// Handler returns middleware enforcing the limit. onLimited, when set, is
// called for every rejected request before the 429 is written.
func (rl *RateLimiter) Handler(onLimited Hook) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !rl.cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.IsExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r, rl.cfg.TrustProxy)
			allowed, remaining, reset := rl.Allow(ip)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

			if !allowed {
				rl.logger.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method)
				if onLimited != nil {
					onLimited(r, ip)
				}

				retryAfter := int(time.Until(reset).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"code":"RATE_LIMITED","message":"too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP resolves the caller's address. With trustProxy the rightmost
// X-Forwarded-For entry wins, then X-Real-IP, then RemoteAddr.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
