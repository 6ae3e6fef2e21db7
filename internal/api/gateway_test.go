package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"security-risk-engine/internal/config"
	"security-risk-engine/internal/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingEngine holds every LogSecurityEvent call until release is closed.
type blockingEngine struct {
	fakeEngine
	started chan struct{}
	release chan struct{}
}

func (b *blockingEngine) LogSecurityEvent(ctx context.Context, raw schema.RawEvent) schema.LogResult {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.release
	return b.fakeEngine.LogSecurityEvent(ctx, raw)
}

func rejected(ip string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/security/events", nil)
	req.RemoteAddr = ip + ":40000"
	return req
}

func TestGatewayRecorderSamplesPerAddress(t *testing.T) {
	eng := &fakeEngine{result: schema.LogResult{Success: true}}
	g := newGatewayRecorder(eng, config.GatewayEventsConfig{QueueSize: 16, Window: time.Minute}, discardLogger())
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	hook := g.hook(schema.EventRateLimitExceeded, http.StatusTooManyRequests)
	for i := 0; i < 5; i++ {
		hook(rejected("192.0.2.10"), "192.0.2.10")
	}
	hook(rejected("192.0.2.11"), "192.0.2.11")
	g.hook(schema.EventAuthenticationFailed, http.StatusUnauthorized)(rejected("192.0.2.10"), "192.0.2.10")

	now = now.Add(time.Minute)
	hook(rejected("192.0.2.10"), "192.0.2.10")
	g.stop()

	events := eng.recorded()
	if len(events) != 4 {
		t.Fatalf("recorded %d events, want 4: %+v", len(events), events)
	}
	last := events[3]
	if last.IPAddress != "192.0.2.10" || last.EventType != schema.EventRateLimitExceeded {
		t.Fatalf("last event = %+v", last)
	}
	if got := last.Metadata["suppressed_since_last"]; got != 4 {
		t.Errorf("suppressed_since_last = %v, want 4", got)
	}
	if _, ok := events[0].Metadata["suppressed_since_last"]; ok {
		t.Errorf("first event carries a suppressed count: %+v", events[0].Metadata)
	}

	s := g.stats()
	if s.Recorded != 4 || s.Suppressed != 4 || s.Dropped != 0 {
		t.Errorf("stats() = %+v", s)
	}
}

func TestGatewayRecorderZeroWindowRecordsEverything(t *testing.T) {
	eng := &fakeEngine{result: schema.LogResult{Success: true}}
	g := newGatewayRecorder(eng, config.GatewayEventsConfig{QueueSize: 16}, discardLogger())

	hook := g.hook(schema.EventAuthenticationFailed, http.StatusUnauthorized)
	for i := 0; i < 3; i++ {
		hook(rejected("192.0.2.10"), "192.0.2.10")
	}
	g.stop()

	if got := len(eng.recorded()); got != 3 {
		t.Errorf("recorded %d events, want 3", got)
	}
}

func TestGatewayRecorderDoesNotBlockRequests(t *testing.T) {
	eng := &blockingEngine{
		fakeEngine: fakeEngine{result: schema.LogResult{Success: true}},
		started:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	g := newGatewayRecorder(eng, config.GatewayEventsConfig{QueueSize: 1}, discardLogger())
	hook := g.hook(schema.EventRateLimitExceeded, http.StatusTooManyRequests)

	hook(rejected("192.0.2.1"), "192.0.2.1")
	select {
	case <-eng.started:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first event")
	}

	done := make(chan struct{})
	go func() {
		for i := 2; i < 10; i++ {
			hook(rejected("192.0.2.2"), "192.0.2.2")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hook blocked on a busy engine")
	}

	close(eng.release)
	g.stop()

	s := g.stats()
	if s.Recorded != 2 || s.Dropped != 7 {
		t.Errorf("stats() = %+v, want 2 recorded and 7 dropped", s)
	}
}

func TestRateLimitFloodIsSampled(t *testing.T) {
	eng := &fakeEngine{result: schema.LogResult{Success: true}}
	srv := newTestServer(t, eng, func(c *config.ServerConfig) {
		c.RateLimit.RequestsPerIP = 1
		c.RateLimit.BurstSize = 0
		c.RateLimit.WindowSize = time.Minute
	})

	body := `{"event_type":"api_request","user_id":"u1"}`
	for i := 0; i < 20; i++ {
		do(srv, http.MethodPost, "/v1/security/events", body, nil)
	}
	srv.Close()

	limited := 0
	for _, e := range eng.recorded() {
		if e.EventType == schema.EventRateLimitExceeded {
			limited++
		}
	}
	if limited != 1 {
		t.Errorf("recorded %d rate limit events for one address, want 1", limited)
	}
	if s := srv.gateway.stats(); s.Suppressed != 18 {
		t.Errorf("suppressed = %d, want 18", s.Suppressed)
	}
}
