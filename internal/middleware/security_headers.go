package middleware

import (
	"fmt"
	"net/http"
)

// SecurityHeadersConfig controls the response headers set on every API
// response.
type SecurityHeadersConfig struct {
	Enabled bool `yaml:"enabled"`

	HSTSEnabled           bool `yaml:"hsts_enabled"`
	HSTSMaxAge            int  `yaml:"hsts_max_age"`
	HSTSIncludeSubdomains bool `yaml:"hsts_include_subdomains"`

	// ContentSecurityPolicy is sent verbatim when non-empty.
	ContentSecurityPolicy string `yaml:"content_security_policy"`
	FrameOptions          string `yaml:"frame_options"`
	ReferrerPolicy        string `yaml:"referrer_policy"`

	CustomHeaders map[string]string `yaml:"custom_headers"`
}

// DefaultSecurityHeadersConfig returns headers suited to a JSON-only API.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		Enabled:               true,
		HSTSEnabled:           true,
		HSTSMaxAge:            31536000,
		HSTSIncludeSubdomains: true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		FrameOptions:          "DENY",
		ReferrerPolicy:        "no-referrer",
	}
}

// SecurityHeaders returns middleware applying cfg. API responses are never
// cacheable and never sniffed.
func SecurityHeaders(cfg SecurityHeadersConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}

		hsts := ""
		if cfg.HSTSEnabled {
			hsts = fmt.Sprintf("max-age=%d", cfg.HSTSMaxAge)
			if cfg.HSTSIncludeSubdomains {
				hsts += "; includeSubDomains"
			}
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Cache-Control", "no-store")
			if hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}
			if cfg.ContentSecurityPolicy != "" {
				h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
			}
			if cfg.FrameOptions != "" {
				h.Set("X-Frame-Options", cfg.FrameOptions)
			}
			if cfg.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			for k, v := range cfg.CustomHeaders {
				h.Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}
