package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
)

// APIKeyConfig configures static API key authentication.
type APIKeyConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Header      string   `yaml:"header"`
	Keys        []string `yaml:"keys"`
	ExemptPaths []string `yaml:"exempt_paths"`
	TrustProxy  bool     `yaml:"trust_proxy"`
}

// DefaultAPIKeyConfig returns a disabled configuration reading X-API-Key.
func DefaultAPIKeyConfig() APIKeyConfig {
	return APIKeyConfig{
		Header:      "X-API-Key",
		ExemptPaths: []string{"/health", "/metrics"},
	}
}

// Validate checks the configuration.
func (c APIKeyConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Header == "" {
		return errors.New("api_key: header is required")
	}
	if len(c.Keys) == 0 {
		return errors.New("api_key: at least one key is required when enabled")
	}
	for _, k := range c.Keys {
		if len(k) < 16 {
			return errors.New("api_key: keys must be at least 16 characters")
		}
	}
	return nil
}

// APIKey returns middleware that rejects requests without a configured key.
// onFailure, when set, is called for each rejected request.
func APIKey(cfg APIKeyConfig, onFailure Hook, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api_key_auth")

	// Keys are compared as digests so every comparison has the same length.
	digests := make([][32]byte, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		digests = append(digests, sha256.Sum256([]byte(k)))
	}
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(cfg.Header)
			if key != "" && validKey(digests, key) {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r, cfg.TrustProxy)
			reason := "invalid API key"
			if key == "" {
				reason = "missing API key"
			}
			logger.Warn("api key rejected", "ip", ip, "path", r.URL.Path, "reason", reason)
			if onFailure != nil {
				onFailure(r, ip)
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":"UNAUTHORIZED","message":"` + reason + `"}`))
		})
	}
}

func validKey(digests [][32]byte, key string) bool {
	sum := sha256.Sum256([]byte(key))
	match := 0
	for i := range digests {
		match |= subtle.ConstantTimeCompare(digests[i][:], sum[:])
	}
	return match == 1
}
