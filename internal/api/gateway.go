package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"security-risk-engine/internal/config"
	"security-risk-engine/internal/queue"
	"security-risk-engine/internal/schema"
)

// maxTrackedWindows bounds the sampling table before expired windows are
// swept.
const maxTrackedWindows = 10000

type gatewayKey struct {
	eventType schema.EventType
	ip        string
}

type gatewayWindow struct {
	start      time.Time
	suppressed int
}

// gatewayRecorder logs requests rejected at the gateway as security events.
// Rejections are sampled per address and event type, queued without
// blocking and recorded by a single worker, so a flood costs at most one
// pipeline run per address per window.
type gatewayRecorder struct {
	engine  Engine
	window  time.Duration
	timeout time.Duration
	tasks   *queue.RingBuffer[schema.RawEvent]
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	windows map[gatewayKey]*gatewayWindow

	wg       sync.WaitGroup
	stopOnce sync.Once

	recorded   atomic.Int64
	suppressed atomic.Int64
	dropped    atomic.Int64
}

// gatewayStats is a snapshot of recorder counters.
type gatewayStats struct {
	Recorded   int64
	Suppressed int64
	Dropped    int64
}

func newGatewayRecorder(engine Engine, cfg config.GatewayEventsConfig, logger *slog.Logger) *gatewayRecorder {
	g := &gatewayRecorder{
		engine:  engine,
		window:  cfg.Window,
		timeout: cfg.Timeout,
		tasks:   queue.NewRingBuffer[schema.RawEvent](cfg.QueueSize),
		logger:  logger,
		now:     time.Now,
		windows: make(map[gatewayKey]*gatewayWindow),
	}
	if g.timeout <= 0 {
		g.timeout = 10 * time.Second
	}
	g.wg.Add(1)
	go g.run()
	return g
}

// hook returns a middleware hook recording rejections of one kind.
func (g *gatewayRecorder) hook(eventType schema.EventType, status int) func(r *http.Request, ip string) {
	return func(r *http.Request, ip string) {
		suppressed, ok := g.admit(gatewayKey{eventType: eventType, ip: ip})
		if !ok {
			g.suppressed.Add(1)
			return
		}

		metadata := map[string]any{"source": "api_gateway"}
		if suppressed > 0 {
			metadata["suppressed_since_last"] = suppressed
		}
		raw := schema.RawEvent{
			IPAddress:  ip,
			UserAgent:  r.UserAgent(),
			EventType:  eventType,
			Endpoint:   r.URL.Path,
			Method:     r.Method,
			StatusCode: status,
			Metadata:   metadata,
		}
		if err := g.tasks.Push(raw); err != nil {
			g.dropped.Add(1)
			if !errors.Is(err, queue.ErrQueueClosed) {
				g.logger.Warn("gateway event dropped", "event_type", eventType, "ip", ip, "reason", err)
			}
		}
	}
}

// admit reports whether a rejection opens a new window, and how many were
// suppressed in the window it replaces.
func (g *gatewayRecorder) admit(key gatewayKey) (int, bool) {
	if g.window <= 0 {
		return 0, true
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[key]
	if ok && now.Sub(w.start) < g.window {
		w.suppressed++
		return 0, false
	}

	suppressed := 0
	if ok {
		suppressed = w.suppressed
	} else if len(g.windows) >= maxTrackedWindows {
		g.sweep(now)
	}
	g.windows[key] = &gatewayWindow{start: now}
	return suppressed, true
}

// sweep drops expired windows. Callers hold mu.
func (g *gatewayRecorder) sweep(now time.Time) {
	for k, w := range g.windows {
		if now.Sub(w.start) >= g.window {
			delete(g.windows, k)
		}
	}
}

func (g *gatewayRecorder) run() {
	defer g.wg.Done()
	for {
		raw, err := g.tasks.PopBlocking()
		if err != nil {
			return
		}
		g.record(raw)
	}
}

func (g *gatewayRecorder) record(raw schema.RawEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	res := g.engine.LogSecurityEvent(ctx, raw)
	if !res.Success {
		g.logger.Warn("failed to record gateway event",
			"event_type", raw.EventType,
			"ip", raw.IPAddress,
			"error", res.Error)
		return
	}
	g.recorded.Add(1)
}

// stop closes the queue and waits for queued events to be recorded.
func (g *gatewayRecorder) stop() {
	g.stopOnce.Do(func() {
		g.tasks.Close()
		g.wg.Wait()
		s := g.stats()
		g.logger.Info("gateway event recorder stopped",
			"recorded", s.Recorded,
			"suppressed", s.Suppressed,
			"dropped", s.Dropped)
	})
}

func (g *gatewayRecorder) stats() gatewayStats {
	return gatewayStats{
		Recorded:   g.recorded.Load(),
		Suppressed: g.suppressed.Load(),
		Dropped:    g.dropped.Load(),
	}
}
