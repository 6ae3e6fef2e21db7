package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func testLimitConfig(perIP, burst int, window time.Duration) RateLimitConfig {
	return RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: perIP,
		WindowSize:    window,
		BurstSize:     burst,
		CleanupPeriod: time.Minute,
		ExemptPaths:   []string{"/health"},
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	limiter := NewRateLimiter(testLimitConfig(10, 2, time.Minute), nil)
	defer limiter.Stop()

	ip := "192.168.1.100"
	for i := 0; i < 12; i++ {
		allowed, remaining, _ := limiter.Allow(ip)
		if !allowed {
			t.Fatalf("request %d denied", i+1)
		}
		if want := 12 - i - 1; remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, remaining, want)
		}
	}

	allowed, remaining, reset := limiter.Allow(ip)
	if allowed {
		t.Error("request 13 allowed, want denied")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	if reset.Before(time.Now()) {
		t.Error("reset time is in the past")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	limiter := NewRateLimiter(testLimitConfig(2, 0, 50*time.Millisecond), nil)
	defer limiter.Stop()

	ip := "192.168.1.101"
	limiter.Allow(ip)
	limiter.Allow(ip)
	if allowed, _, _ := limiter.Allow(ip); allowed {
		t.Fatal("third request allowed inside window")
	}

	time.Sleep(80 * time.Millisecond)
	if allowed, _, _ := limiter.Allow(ip); !allowed {
		t.Error("request after window reset denied")
	}
}

func TestRateLimiter_IndependentClients(t *testing.T) {
	limiter := NewRateLimiter(testLimitConfig(1, 0, time.Minute), nil)
	defer limiter.Stop()

	if allowed, _, _ := limiter.Allow("10.0.0.1"); !allowed {
		t.Fatal("first client denied")
	}
	if allowed, _, _ := limiter.Allow("10.0.0.2"); !allowed {
		t.Error("second client denied by first client's usage")
	}
	if allowed, _, _ := limiter.Allow("10.0.0.1"); allowed {
		t.Error("first client allowed past its limit")
	}
}

func TestRateLimiter_CleanupAndStats(t *testing.T) {
	limiter := NewRateLimiter(testLimitConfig(5, 0, 10*time.Millisecond), nil)
	defer limiter.Stop()

	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.2")
	limiter.Allow("10.0.0.2")

	stats := limiter.Stats()
	if stats.TrackedIPs != 2 || stats.TotalRequests != 3 || stats.Allowed != 3 {
		t.Errorf("Stats() = %+v", stats)
	}

	time.Sleep(30 * time.Millisecond)
	limiter.cleanup()
	if got := limiter.Stats().TrackedIPs; got != 0 {
		t.Errorf("TrackedIPs after cleanup = %d, want 0", got)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	limiter := NewRateLimiter(testLimitConfig(1, 0, time.Minute), nil)
	limiter.Stop()
	limiter.Stop()
}

func TestRateLimiter_Handler(t *testing.T) {
	limiter := NewRateLimiter(testLimitConfig(2, 0, time.Minute), nil)
	defer limiter.Stop()

	var hooked []string
	handler := limiter.Handler(func(r *http.Request, ip string) {
		hooked = append(hooked, ip)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/security/events", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)

		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("X-RateLimit-Limit = %q", rec.Header().Get("X-RateLimit-Limit"))
		}
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("429 without Retry-After")
		}
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("request %d status = %d, want %d", i+1, statuses[i], want[i])
		}
	}
	if len(hooked) != 1 || hooked[0] != "203.0.113.7" {
		t.Errorf("onLimited calls = %v, want [203.0.113.7]", hooked)
	}
	if got := limiter.Stats().Limited; got != 1 {
		t.Errorf("Limited = %d, want 1", got)
	}
}

func TestRateLimiter_HandlerExemptAndDisabled(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	tests := []struct {
		name string
		cfg  RateLimitConfig
		path string
	}{
		{"exempt path", testLimitConfig(1, 0, time.Minute), "/health"},
		{"disabled", RateLimitConfig{RequestsPerIP: 1, WindowSize: time.Minute}, "/v1/security/events"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewRateLimiter(tt.cfg, nil)
			defer limiter.Stop()
			handler := limiter.Handler(nil)(ok)

			for i := 0; i < 5; i++ {
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
				if rec.Code != http.StatusOK {
					t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
				}
			}
		})
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	limiter := NewRateLimiter(testLimitConfig(50, 0, time.Minute), nil)
	defer limiter.Stop()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if ok, _, _ := limiter.Allow("10.1.1.1"); ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want 50", allowed)
	}
}

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RateLimitConfig)
		wantErr bool
	}{
		{"default", func(*RateLimitConfig) {}, false},
		{"disabled ignores values", func(c *RateLimitConfig) { c.Enabled = false; c.RequestsPerIP = 0 }, false},
		{"zero requests", func(c *RateLimitConfig) { c.RequestsPerIP = 0 }, true},
		{"negative burst", func(c *RateLimitConfig) { c.BurstSize = -1 }, true},
		{"zero window", func(c *RateLimitConfig) { c.WindowSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRateLimitConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{"remote addr", "192.168.1.1:12345", nil, false, "192.168.1.1"},
		{"remote addr without port", "192.168.1.1", nil, false, "192.168.1.1"},
		{"ignores XFF when untrusted", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "1.2.3.4"}, false, "10.0.0.1"},
		{"rightmost XFF", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "6.6.6.6, 203.0.113.5 "}, true, "203.0.113.5"},
		{"X-Real-IP", "10.0.0.1:1", map[string]string{"X-Real-IP": "198.51.100.2"}, true, "198.51.100.2"},
		{"trusted without headers", "10.0.0.1:1", nil, true, "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func BenchmarkRateLimiter_Allow(b *testing.B) {
	limiter := NewRateLimiter(testLimitConfig(1<<30, 0, time.Minute), nil)
	defer limiter.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow("10.0.0.1")
	}
}
