// Package api exposes the risk engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"security-risk-engine/internal/config"
	apierrors "security-risk-engine/internal/errors"
	"security-risk-engine/internal/middleware"
	"security-risk-engine/internal/reporting"
	"security-risk-engine/internal/schema"
)

// Engine is the part of the risk engine served over HTTP.
type Engine interface {
	LogSecurityEvent(ctx context.Context, raw schema.RawEvent) schema.LogResult
	GenerateSecurityReport(ctx context.Context, req reporting.Request) (*reporting.Report, error)
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the server.
type Deps struct {
	Engine Engine
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server routes API requests to the engine.
type Server struct {
	engine    Engine
	cfg       config.ServerConfig
	sanitizer *apierrors.Sanitizer
	limiter   *middleware.RateLimiter
	gateway   *gatewayRecorder
	router    chi.Router
	logger    *slog.Logger
}

// NewServer builds the router. Call Close (or Run) to release the rate
// limiter and flush queued gateway events.
func NewServer(deps Deps, cfg config.ServerConfig) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:    deps.Engine,
		cfg:       cfg,
		sanitizer: apierrors.New(cfg.Production),
		limiter:   middleware.NewRateLimiter(cfg.RateLimit, logger),
		logger:    logger.With("component", "api"),
	}
	s.gateway = newGatewayRecorder(deps.Engine, cfg.GatewayEvents, s.logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.SecurityHeaders(cfg.SecurityHeaders))
	r.Use(s.limiter.Handler(s.gateway.hook(schema.EventRateLimitExceeded, http.StatusTooManyRequests)))
	r.Use(middleware.APIKey(cfg.APIKey, s.gateway.hook(schema.EventAuthenticationFailed, http.StatusUnauthorized), logger))

	r.Get("/health", s.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.Route("/v1/security", func(r chi.Router) {
		r.Post("/events", s.handleLogEvent)
		r.Get("/report", s.handleReport)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "not found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", "")
	})

	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server and records gateway
// events still queued. It is safe to call more than once.
func (s *Server) Close() {
	s.limiter.Stop()
	s.gateway.stop()
}

// Run serves on the configured port until ctx is cancelled, then drains
// in-flight requests within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.HTTPPort),
		Handler:           s,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
