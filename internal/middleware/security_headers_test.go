package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecurityHeaders(t *testing.T) {
	cfg := DefaultSecurityHeadersConfig()
	cfg.CustomHeaders = map[string]string{"X-Service": "risk-engine"}

	handler := SecurityHeaders(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("body"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"Cache-Control":             "no-store",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"X-Frame-Options":           "DENY",
		"Referrer-Policy":           "no-referrer",
		"X-Service":                 "risk-engine",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if rec.Code != http.StatusCreated || rec.Body.String() != "body" {
		t.Errorf("response altered: %d %q", rec.Code, rec.Body.String())
	}
}

func TestSecurityHeaders_Options(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SecurityHeadersConfig)
		header string
		want   string
	}{
		{"disabled", func(c *SecurityHeadersConfig) { c.Enabled = false }, "X-Content-Type-Options", ""},
		{"hsts off", func(c *SecurityHeadersConfig) { c.HSTSEnabled = false }, "Strict-Transport-Security", ""},
		{"hsts without subdomains", func(c *SecurityHeadersConfig) { c.HSTSIncludeSubdomains = false }, "Strict-Transport-Security", "max-age=31536000"},
		{"no csp", func(c *SecurityHeadersConfig) { c.ContentSecurityPolicy = "" }, "Content-Security-Policy", ""},
		{"sameorigin", func(c *SecurityHeadersConfig) { c.FrameOptions = "SAMEORIGIN" }, "X-Frame-Options", "SAMEORIGIN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSecurityHeadersConfig()
			tt.mutate(&cfg)
			handler := SecurityHeaders(cfg)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			if got := rec.Header().Get(tt.header); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}
