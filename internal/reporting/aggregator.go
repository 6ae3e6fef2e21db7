package reporting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"security-risk-engine/internal/schema"
	"security-risk-engine/internal/storage/s3"
)

// ErrInvalidRange is returned when the window is empty or inverted.
var ErrInvalidRange = errors.New("reporting: date_from must not be after date_to")

// Source is the read side of the audit trail used for reports.
type Source interface {
	EventsInRange(ctx context.Context, from, to time.Time) ([]schema.SecurityEvent, error)
	IncidentsInRange(ctx context.Context, from, to time.Time) ([]schema.SecurityIncident, error)
	AnomaliesInRange(ctx context.Context, from, to time.Time) ([]schema.UserAnomaly, error)
	PatternsInRange(ctx context.Context, from, to time.Time) ([]schema.SystemPattern, error)
	AlertsInRange(ctx context.Context, from, to time.Time) ([]schema.SecurityAlert, error)
}

// Archiver stores finished reports. *s3.Archiver satisfies it.
type Archiver interface {
	ArchiveJSON(ctx context.Context, kind, id string, at time.Time, v any) (*s3.UploadOutput, error)
}

// Aggregator builds reports. It is safe for concurrent use.
type Aggregator struct {
	source   Source
	archiver Archiver
	cfg      Config
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

// NewAggregator creates an aggregator. archiver may be nil.
func NewAggregator(source Source, archiver Archiver, cfg Config, logger *slog.Logger) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, _ := time.LoadLocation(cfg.Timezone)
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		source:   source,
		archiver: archiver,
		cfg:      cfg,
		loc:      loc,
		logger:   logger.With("component", "reporting"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// dataset is what the parallel reads produce.
type dataset struct {
	events    []schema.SecurityEvent
	incidents []schema.SecurityIncident
	anomalies []schema.UserAnomaly
	patterns  []schema.SystemPattern
	alerts    []schema.SecurityAlert

	mu       sync.Mutex
	warnings []string
}

func (d *dataset) warn(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warnings = append(d.warnings, fmt.Sprintf(format, args...))
}

// Generate reads the window and aggregates it. Failed or timed-out reads
// leave their sections empty and mark the report partial; only an invalid
// request is returned as an error.
func (a *Aggregator) Generate(ctx context.Context, req Request) (*Report, error) {
	if req.From.After(req.To) {
		return nil, ErrInvalidRange
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	data := a.load(ctx, req.From, req.To)

	report := newReport(req.From, req.To, a.now())
	a.aggregateEvents(report, data.events)
	report.Summary.AlertsRaised = len(data.alerts)
	summarizeFindings(report, data.incidents, data.anomalies, data.patterns)
	report.Recommendations = a.recommend(report)

	if req.IncludeRawEvents {
		report.Events = data.events
	}

	report.Warnings = data.warnings
	if len(report.Warnings) > 0 {
		report.Partial = true
		report.Status = StatusPartial
	}

	if req.Archive {
		a.archive(ctx, report)
	}

	a.logger.Info("security report generated",
		"report_id", report.ID,
		"from", req.From,
		"to", req.To,
		"events", report.Summary.TotalEvents,
		"partial", report.Partial)
	return report, nil
}

func (a *Aggregator) load(ctx context.Context, from, to time.Time) *dataset {
	data := &dataset{}
	var g errgroup.Group

	read := func(name string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				a.logger.Warn("report query failed", "section", name, "error", err)
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					data.warn("%s: timed out after %s", name, a.cfg.Timeout)
				} else {
					data.warn("%s: query failed", name)
				}
			}
			return nil
		})
	}

	read("events", func() (err error) {
		data.events, err = a.source.EventsInRange(ctx, from, to)
		return err
	})
	read("incidents", func() (err error) {
		data.incidents, err = a.source.IncidentsInRange(ctx, from, to)
		return err
	})
	read("anomalies", func() (err error) {
		data.anomalies, err = a.source.AnomaliesInRange(ctx, from, to)
		return err
	})
	read("patterns", func() (err error) {
		data.patterns, err = a.source.PatternsInRange(ctx, from, to)
		return err
	})
	read("alerts", func() (err error) {
		data.alerts, err = a.source.AlertsInRange(ctx, from, to)
		return err
	})
	_ = g.Wait()

	sort.Strings(data.warnings)
	return data
}

func (a *Aggregator) archive(ctx context.Context, report *Report) {
	if a.archiver == nil {
		report.Warnings = append(report.Warnings, "archive: no archive store configured")
		return
	}
	out, err := a.archiver.ArchiveJSON(ctx, "security-report", report.ID.String(), report.GeneratedAt, report)
	if err != nil {
		a.logger.Error("failed to archive report", "report_id", report.ID, "error", err)
		report.Warnings = append(report.Warnings, "archive: upload failed")
		return
	}
	report.Archive = out
}

// riskBuckets mirrors the severity boundaries.
var riskBuckets = []RiskBucket{
	{Level: schema.LevelLow, Min: 0, Max: 24},
	{Level: schema.LevelMedium, Min: 25, Max: 49},
	{Level: schema.LevelHigh, Min: 50, Max: 79},
	{Level: schema.LevelCritical, Min: 80, Max: 100},
}

func newReport(from, to, now time.Time) *Report {
	r := &Report{
		ID:               uuid.New(),
		From:             from,
		To:               to,
		GeneratedAt:      now,
		Status:           StatusCompleted,
		BySeverity:       make(map[schema.SecurityLevel]int),
		ByThreat:         make(map[schema.ThreatType]int),
		ByEventType:      make(map[schema.EventType]int),
		TopIPs:           []Count{},
		TopUsers:         []Count{},
		RiskBuckets:      append([]RiskBucket(nil), riskBuckets...),
		ByComplianceFlag: make(map[string]int),
		Recommendations:  []Recommendation{},
	}
	for _, l := range []schema.SecurityLevel{schema.LevelLow, schema.LevelMedium, schema.LevelHigh, schema.LevelCritical} {
		r.BySeverity[l] = 0
	}
	r.Findings = FindingsSummary{
		Incidents: IncidentSummary{
			ByType:     make(map[string]int),
			BySeverity: make(map[schema.SecurityLevel]int),
			ByStatus:   make(map[schema.IncidentStatus]int),
		},
		Anomalies: AnomalySummary{ByType: make(map[string]int)},
		Patterns: PatternSummary{
			ByType:     make(map[string]int),
			BySeverity: make(map[schema.SecurityLevel]int),
		},
	}
	return r
}

func (a *Aggregator) aggregateEvents(r *Report, events []schema.SecurityEvent) {
	ips := make(map[string]int)
	users := make(map[string]int)
	riskSum := 0

	for i := range events {
		ev := &events[i]
		r.BySeverity[ev.SecurityLevel]++
		r.ByThreat[ev.ThreatType]++
		r.ByEventType[ev.EventType]++
		for _, f := range ev.ComplianceFlags {
			r.ByComplianceFlag[f]++
		}
		if ev.IPAddress != "" {
			ips[ev.IPAddress]++
		}
		if ev.UserID != "" {
			users[ev.UserID]++
		}

		score := schema.ClampRiskScore(ev.RiskScore)
		riskSum += score
		for b := range r.RiskBuckets {
			if score >= r.RiskBuckets[b].Min && score <= r.RiskBuckets[b].Max {
				r.RiskBuckets[b].Count++
				break
			}
		}

		local := ev.CreatedAt.In(a.loc)
		r.Hourly[local.Hour()]++
		if !a.businessHours(local) {
			r.Summary.OffHoursEvents++
		}
	}

	total := len(events)
	r.Summary.TotalEvents = total
	r.Summary.UniqueIPs = len(ips)
	r.Summary.UniqueUsers = len(users)
	r.Summary.AverageRiskScore = round2(ratio(riskSum, total))
	r.Summary.OffHoursPercent = percent(r.Summary.OffHoursEvents, total)
	r.TopIPs = topN(ips, a.cfg.TopN, total)
	r.TopUsers = topN(users, a.cfg.TopN, total)
}

func (a *Aggregator) businessHours(t time.Time) bool {
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	h := t.Hour()
	return h >= a.cfg.BusinessHourStart && h < a.cfg.BusinessHourEnd
}

func summarizeFindings(r *Report, incidents []schema.SecurityIncident, anomalies []schema.UserAnomaly, patterns []schema.SystemPattern) {
	fs := &r.Findings
	fs.Incidents.Total = len(incidents)
	for _, in := range incidents {
		fs.Incidents.ByType[in.Type]++
		fs.Incidents.BySeverity[in.Severity]++
		fs.Incidents.ByStatus[in.Status]++
	}
	fs.Anomalies.Total = len(anomalies)
	for _, an := range anomalies {
		fs.Anomalies.ByType[an.AnomalyType]++
	}
	fs.Patterns.Total = len(patterns)
	for _, p := range patterns {
		fs.Patterns.ByType[p.PatternType]++
		fs.Patterns.BySeverity[p.Severity]++
	}
}

// topN ranks keys by count, ties broken by key.
func topN(counts map[string]int, n, total int) []Count {
	out := make([]Count, 0, len(counts))
	for k, c := range counts {
		out = append(out, Count{Key: k, Count: c, Percent: percent(c, total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func percent(n, d int) float64 {
	return round2(ratio(n, d) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
