// Package engine wires the risk pipeline together: normalize, score,
// persist, correlate and dispatch alerts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"security-risk-engine/internal/audit"
	"security-risk-engine/internal/correlation"
	"security-risk-engine/internal/normalizer"
	"security-risk-engine/internal/reporting"
	"security-risk-engine/internal/schema"
	"security-risk-engine/internal/scoring"
)

// Failure messages returned in LogResult.Error. They never carry the
// underlying error text.
const (
	MsgInvalidEvent    = "invalid security event"
	MsgMissingIdentity = "security event requires ip_address or user_id"
	MsgPersistFailed   = "failed to record security event"
	MsgInternal        = "internal error while processing security event"
)

// ServerFault reports whether a failed result was caused by the engine
// rather than by the submitted event.
func ServerFault(result schema.LogResult) bool {
	return !result.Success && (result.Error == MsgPersistFailed || result.Error == MsgInternal)
}

// ErrReportingDisabled is returned by GenerateSecurityReport when the
// service was built without an aggregator.
var ErrReportingDisabled = errors.New("engine: reporting is not configured")

// Dispatcher decides whether an event or its findings warrant alerts and
// queues them. It returns the number of alerts queued.
type Dispatcher interface {
	Evaluate(event *schema.SecurityEvent, findings []correlation.Finding) int
}

// Recorder receives pipeline measurements. *metrics.Metrics implements it.
type Recorder interface {
	ObserveEvent(event *schema.SecurityEvent)
	ObserveRejected()
	ObserveStage(stage string, d time.Duration)
	ObserveReport(report *reporting.Report)
}

type nopRecorder struct{}

func (nopRecorder) ObserveEvent(*schema.SecurityEvent) {}
func (nopRecorder) ObserveRejected()                   {}
func (nopRecorder) ObserveStage(string, time.Duration) {}
func (nopRecorder) ObserveReport(*reporting.Report)    {}

// Deps are the collaborators of a Service. Normalizer, Scorer and Audit
// are required.
type Deps struct {
	Normalizer  *normalizer.Normalizer
	Scorer      *scoring.Scorer
	Audit       *audit.Adapter
	Correlation *correlation.Engine
	Dispatcher  Dispatcher
	Reports     *reporting.Aggregator
	Recorder    Recorder
	Logger      *slog.Logger
}

// Service is the ingestion and reporting facade. It is safe for concurrent
// use; every call is independent apart from the shared store.
type Service struct {
	normalizer  *normalizer.Normalizer
	scorer      *scoring.Scorer
	audit       *audit.Adapter
	correlation *correlation.Engine
	dispatcher  Dispatcher
	reports     *reporting.Aggregator
	recorder    Recorder
	logger      *slog.Logger
}

// New validates deps and builds a Service.
func New(deps Deps) (*Service, error) {
	if deps.Normalizer == nil || deps.Scorer == nil || deps.Audit == nil {
		return nil, errors.New("engine: normalizer, scorer and audit adapter are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Service{
		normalizer:  deps.Normalizer,
		scorer:      deps.Scorer,
		audit:       deps.Audit,
		correlation: deps.Correlation,
		dispatcher:  deps.Dispatcher,
		reports:     deps.Reports,
		recorder:    recorder,
		logger:      logger.With("component", "engine"),
	}, nil
}

// LogSecurityEvent runs one raw event through the pipeline. It never
// panics and never returns an error; failures are reported in the result
// and the log.
func (s *Service) LogSecurityEvent(ctx context.Context, raw schema.RawEvent) (result schema.LogResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("security event pipeline panicked",
				"event_type", raw.EventType,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			result = schema.FailedResult(MsgInternal)
		}
	}()

	start := time.Now()
	event, err := s.normalizer.Normalize(ctx, raw)
	if err != nil {
		return s.reject(ctx, raw, err)
	}
	s.recorder.ObserveStage("normalize", time.Since(start))

	logger := s.logger.With("event_id", event.ID, "event_type", event.EventType)

	// Source history is read before the event is written so it never
	// contains the event itself.
	history := s.sourceHistory(ctx, event, logger)

	start = time.Now()
	assessment := s.scorer.Score(event, history)
	assessment.Apply(event)
	s.recorder.ObserveStage("score", time.Since(start))

	start = time.Now()
	id, err := s.audit.Persist(ctx, event)
	s.recorder.ObserveStage("persist", time.Since(start))
	if err != nil {
		logger.Error("failed to persist security event",
			"risk_score", event.RiskScore,
			"security_level", event.SecurityLevel,
			"error", err)
		return schema.FailedResult(MsgPersistFailed)
	}
	s.recorder.ObserveEvent(event)

	var findings []correlation.Finding
	if s.correlation != nil {
		start = time.Now()
		findings = s.correlation.Analyze(ctx, event)
		s.recorder.ObserveStage("correlate", time.Since(start))
	}

	alerts := 0
	if s.dispatcher != nil {
		alerts = s.dispatcher.Evaluate(event, findings)
	}

	logger.Info("security event recorded",
		"risk_score", event.RiskScore,
		"security_level", event.SecurityLevel,
		"threat_type", event.ThreatType,
		"indicators", event.Indicators,
		"findings", len(findings),
		"alerts", alerts)

	return schema.LogResult{
		Success:       true,
		AuditID:       id,
		SecurityLevel: event.SecurityLevel,
		RiskScore:     event.RiskScore,
		ThreatAnalysis: &schema.ThreatAnalysis{
			ThreatType:      event.ThreatType,
			Indicators:      event.Indicators,
			ComplianceFlags: event.ComplianceFlags,
			AlertsRaised:    alerts,
			Findings:        len(findings),
		},
	}
}

// sourceHistory returns the address's trailing activity. A failed read
// degrades to no history.
func (s *Service) sourceHistory(ctx context.Context, event *schema.SecurityEvent, logger *slog.Logger) []schema.SecurityEvent {
	if event.IPAddress == "" {
		return nil
	}
	since := event.CreatedAt.Add(-s.scorer.Config().HistoryWindow)
	history, err := s.audit.RecentBySource(ctx, event.IPAddress, since)
	if err != nil {
		logger.Warn("source history unavailable, scoring without it",
			"ip", event.IPAddress,
			"error", err)
		return nil
	}
	return history
}

func (s *Service) reject(ctx context.Context, raw schema.RawEvent, err error) schema.LogResult {
	s.recorder.ObserveRejected()

	msg := MsgInvalidEvent
	if errors.Is(err, schema.ErrMissingIdentity) {
		msg = MsgMissingIdentity
	}

	s.logger.Warn("security event rejected",
		"event_type", raw.EventType,
		"error", err)
	if rerr := s.audit.Reject(ctx, raw, err); rerr != nil {
		s.logger.Error("failed to record rejected event",
			"event_type", raw.EventType,
			"error", rerr)
	}
	return schema.FailedResult(msg)
}

// GenerateSecurityReport aggregates the audit trail over req's window.
// Only an invalid request or missing configuration is returned as an
// error; degraded reads yield a partial report.
func (s *Service) GenerateSecurityReport(ctx context.Context, req reporting.Request) (*reporting.Report, error) {
	if s.reports == nil {
		return nil, ErrReportingDisabled
	}
	report, err := s.reports.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	s.recorder.ObserveReport(report)
	return report, nil
}

// Ping reports whether the audit store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.audit.Ping(ctx)
}
