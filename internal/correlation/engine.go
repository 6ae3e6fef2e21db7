// Package correlation runs windowed detectors over persisted history after
// each event is stored, producing incidents, user anomalies and system
// patterns.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"security-risk-engine/internal/schema"
)

// FindingKind identifies which detector produced a finding.
type FindingKind string

const (
	KindIncident FindingKind = "incident"
	KindAnomaly  FindingKind = "anomaly"
	KindPattern  FindingKind = "pattern"
)

// AlertSource maps the kind to the alert source vocabulary.
func (k FindingKind) AlertSource() schema.AlertSource {
	switch k {
	case KindIncident:
		return schema.AlertFromIncident
	case KindAnomaly:
		return schema.AlertFromAnomaly
	case KindPattern:
		return schema.AlertFromPattern
	}
	return schema.AlertFromEvent
}

// Finding is one persisted detector result. Exactly one of Incident,
// Anomaly or Pattern is set.
type Finding struct {
	Kind        FindingKind          `json:"kind"`
	ID          uuid.UUID            `json:"id"`
	Severity    schema.SecurityLevel `json:"severity"`
	Description string               `json:"description"`

	Incident *schema.SecurityIncident `json:"incident,omitempty"`
	Anomaly  *schema.UserAnomaly      `json:"anomaly,omitempty"`
	Pattern  *schema.SystemPattern    `json:"pattern,omitempty"`
}

// Store is the audit trail as seen by the engine: detector history plus
// append-only finding tables.
type Store interface {
	History
	SaveIncident(ctx context.Context, incident *schema.SecurityIncident) error
	SaveAnomaly(ctx context.Context, anomaly *schema.UserAnomaly) error
	SavePattern(ctx context.Context, pattern *schema.SystemPattern) error
}

// Observer receives detector outcomes, typically for metrics.
type Observer interface {
	ObserveFinding(detector string, kind FindingKind)
	ObserveDetectorError(detector string)
}

// Engine runs the detectors concurrently for one event at a time. It holds
// no mutable state and is safe for concurrent use.
type Engine struct {
	store     Store
	detectors []Detector
	cfg       Config
	logger    *slog.Logger
	observer  Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithDetectors replaces the standard detector set.
func WithDetectors(detectors ...Detector) Option {
	return func(e *Engine) { e.detectors = detectors }
}

// NewEngine creates an engine with the coordinated-attack, user-anomaly and
// system-pattern detectors.
func NewEngine(store Store, cfg Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "correlation"),
		detectors: []Detector{
			&coordinatedAttack{history: store, cfg: cfg},
			&userAnomaly{history: store, cfg: cfg},
			&systemPattern{history: store, cfg: cfg},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Analyze evaluates every detector against history anchored at the event's
// creation time and persists what they find. Detector failures and
// timeouts are logged and skipped; Analyze never returns an error.
func (e *Engine) Analyze(ctx context.Context, event *schema.SecurityEvent) []Finding {
	if event == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	now := event.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	results := make([]*Finding, len(e.detectors))
	var g errgroup.Group
	g.SetLimit(len(e.detectors))

	for i, d := range e.detectors {
		g.Go(func() error {
			results[i] = e.run(ctx, d, event, now)
			return nil
		})
	}
	_ = g.Wait()

	var findings []Finding
	for _, f := range results {
		if f != nil {
			findings = append(findings, *f)
		}
	}
	return findings
}

// run executes one detector in isolation and persists its finding.
func (e *Engine) run(ctx context.Context, d Detector, event *schema.SecurityEvent, now time.Time) (finding *Finding) {
	logger := e.logger.With("detector", d.Name(), "event_id", event.ID, "event_type", event.EventType)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("detector panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			e.observeError(d.Name())
			finding = nil
		}
	}()

	f, err := d.Detect(ctx, event, now)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn("detector timed out, skipping", "timeout", e.cfg.Timeout, "error", err)
		} else {
			logger.Error("detector failed", "error", err)
		}
		e.observeError(d.Name())
		return nil
	}
	if f == nil {
		return nil
	}

	if err := e.save(ctx, f); err != nil {
		logger.Error("failed to persist finding", "kind", f.Kind, "error", err)
		e.observeError(d.Name())
		return nil
	}

	logger.Info("correlation finding",
		"kind", f.Kind,
		"finding_id", f.ID,
		"severity", f.Severity,
		"description", f.Description)
	if e.observer != nil {
		e.observer.ObserveFinding(d.Name(), f.Kind)
	}
	return f
}

func (e *Engine) save(ctx context.Context, f *Finding) error {
	switch {
	case f.Incident != nil:
		return e.store.SaveIncident(ctx, f.Incident)
	case f.Anomaly != nil:
		return e.store.SaveAnomaly(ctx, f.Anomaly)
	case f.Pattern != nil:
		return e.store.SavePattern(ctx, f.Pattern)
	}
	return fmt.Errorf("finding %s carries no record", f.ID)
}

func (e *Engine) observeError(detector string) {
	if e.observer != nil {
		e.observer.ObserveDetectorError(detector)
	}
}
