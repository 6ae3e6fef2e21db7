package correlation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"security-risk-engine/internal/audit"
	"security-risk-engine/internal/schema"
	"security-risk-engine/internal/storage/memstore"
)

var base = time.Date(2024, 5, 6, 14, 0, 0, 0, time.UTC)

type fixture struct {
	t       *testing.T
	adapter *audit.Adapter
	store   *memstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	return &fixture{t: t, adapter: audit.New(store, nil, nil), store: store}
}

func (f *fixture) persist(ip, user string, eventType schema.EventType, risk int, at time.Time) *schema.SecurityEvent {
	f.t.Helper()
	ev := &schema.SecurityEvent{
		ID:            uuid.New(),
		IPAddress:     ip,
		UserID:        user,
		EventType:     eventType,
		RiskScore:     risk,
		SecurityLevel: schema.LevelForScore(risk),
		ThreatType:    schema.ThreatNone,
		CreatedAt:     at,
		ExpiresAt:     at.Add(schema.RetentionPeriod),
	}
	if _, err := f.adapter.Persist(context.Background(), ev); err != nil {
		f.t.Fatalf("Persist() error = %v", err)
	}
	return ev
}

func (f *fixture) engine(opts ...Option) *Engine {
	f.t.Helper()
	e, err := NewEngine(f.adapter, DefaultConfig(), nil, opts...)
	if err != nil {
		f.t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func only(findings []Finding, kind FindingKind) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func TestCoordinatedAttack(t *testing.T) {
	tests := []struct {
		name      string
		ips       []string
		wantCount int
	}{
		{"three distinct addresses", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.1"}, 1},
		{"single address", []string{"10.0.0.1", "10.0.0.1", "10.0.0.1", "10.0.0.1"}, 0},
		{"two addresses", []string{"10.0.0.1", "10.0.0.2", "10.0.0.1", "10.0.0.2"}, 0},
		{"only three events", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			var last *schema.SecurityEvent
			for i, ip := range tt.ips {
				last = f.persist(ip, "", schema.EventAuthenticationFailed, 45, base.Add(time.Duration(i)*time.Minute))
			}

			incidents := only(f.engine().Analyze(context.Background(), last), KindIncident)
			if len(incidents) != tt.wantCount {
				t.Fatalf("incidents = %d, want %d", len(incidents), tt.wantCount)
			}
			if tt.wantCount == 0 {
				return
			}

			in := incidents[0].Incident
			if in.EventCount != len(tt.ips) {
				t.Errorf("EventCount = %d, want %d", in.EventCount, len(tt.ips))
			}
			if len(in.AffectedIPs) != 3 {
				t.Errorf("AffectedIPs = %v, want 3 addresses", in.AffectedIPs)
			}
			if in.Severity != schema.LevelHigh || in.Status != schema.IncidentActive {
				t.Errorf("severity/status = %s/%s", in.Severity, in.Status)
			}
			if !in.FirstSeen.Equal(last.CreatedAt.Add(-10*time.Minute)) || !in.LastSeen.Equal(last.CreatedAt) {
				t.Errorf("window = %v..%v", in.FirstSeen, in.LastSeen)
			}

			stored, _ := f.adapter.IncidentsInRange(context.Background(), base, base.Add(time.Hour))
			if len(stored) != 1 {
				t.Errorf("stored incidents = %d, want 1", len(stored))
			}
		})
	}
}

func TestCoordinatedAttack_IgnoresLowRiskAndOldEvents(t *testing.T) {
	f := newFixture(t)
	f.persist("10.0.0.1", "", schema.EventAuthenticationFailed, 39, base)
	f.persist("10.0.0.2", "", schema.EventAuthenticationFailed, 45, base.Add(-11*time.Minute))
	f.persist("10.0.0.3", "", schema.EventAuthenticationFailed, 45, base.Add(time.Minute))
	f.persist("10.0.0.4", "", schema.EventAuthenticationFailed, 45, base.Add(2*time.Minute))
	last := f.persist("10.0.0.5", "", schema.EventAuthenticationFailed, 45, base.Add(3*time.Minute))

	if got := only(f.engine().Analyze(context.Background(), last), KindIncident); len(got) != 0 {
		t.Errorf("incidents = %d, want 0", len(got))
	}
}

func TestUserAnomaly(t *testing.T) {
	tests := []struct {
		name    string
		history []int
		risk    int
		want    bool
	}{
		{"spike over baseline", []int{20, 20, 20, 20, 20, 20}, 65, true},
		{"below double baseline", []int{20, 20, 20, 20, 20, 20}, 35, false},
		{"not above 60", []int{10, 10, 10, 10, 10, 10}, 60, false},
		{"too little history", []int{20, 20, 20, 20, 20}, 90, false},
		{"high baseline", []int{40, 40, 40, 40, 40, 40}, 75, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for i, r := range tt.history {
				f.persist("10.1.0.1", "frank", schema.EventDataAccess, r, base.Add(-time.Duration(i+1)*time.Hour))
			}
			current := f.persist("10.1.0.1", "frank", schema.EventDataExport, tt.risk, base)

			anomalies := only(f.engine().Analyze(context.Background(), current), KindAnomaly)
			if got := len(anomalies) == 1; got != tt.want {
				t.Fatalf("anomaly detected = %v, want %v", got, tt.want)
			}
			if !tt.want {
				return
			}

			a := anomalies[0].Anomaly
			if math.Abs(a.BaselineRiskScore-mean(tt.history)) > 1e-9 {
				t.Errorf("BaselineRiskScore = %v, want %v", a.BaselineRiskScore, mean(tt.history))
			}
			if a.RiskScore != tt.risk || a.EventType != schema.EventDataExport || a.EventID != current.ID {
				t.Errorf("anomaly = %+v", a)
			}
		})
	}
}

func TestUserAnomaly_SkipsAnonymousEvents(t *testing.T) {
	f := newFixture(t)
	ev := f.persist("10.1.0.1", "", schema.EventDataExport, 90, base)

	d := &userAnomaly{history: f.adapter, cfg: DefaultConfig()}
	got, err := d.Detect(context.Background(), ev, base)
	if err != nil || got != nil {
		t.Errorf("Detect() = %v, %v; want nil, nil", got, err)
	}
}

func TestUserAnomaly_HistoryCap(t *testing.T) {
	f := newFixture(t)
	// 50 recent low-risk events hide the older high-risk ones.
	for i := 0; i < 50; i++ {
		f.persist("10.1.0.1", "gina", schema.EventAPIRequest, 10, base.Add(-time.Duration(i+1)*time.Minute))
	}
	for i := 0; i < 20; i++ {
		f.persist("10.1.0.1", "gina", schema.EventAPIRequest, 90, base.Add(-time.Duration(i+1)*24*time.Hour))
	}
	current := f.persist("10.1.0.1", "gina", schema.EventDataExport, 65, base)

	anomalies := only(f.engine().Analyze(context.Background(), current), KindAnomaly)
	if len(anomalies) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(anomalies))
	}
	if anomalies[0].Anomaly.BaselineRiskScore != 10 {
		t.Errorf("BaselineRiskScore = %v, want 10", anomalies[0].Anomaly.BaselineRiskScore)
	}
}

func TestSystemPattern(t *testing.T) {
	tests := []struct {
		name         string
		dominant     int
		others       int
		wantSeverity schema.SecurityLevel
	}{
		{"fifteen events", 11, 4, schema.LevelMedium},
		{"twenty five events", 18, 7, schema.LevelHigh},
		{"not dominant", 7, 8, ""},
		{"too few events", 10, 0, ""},
	}

	others := []schema.EventType{schema.EventAPIRequest, schema.EventDataAccess, schema.EventSuspiciousInput}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			var last *schema.SecurityEvent
			n := 0
			for i := 0; i < tt.others; i++ {
				last = f.persist(fmt.Sprintf("10.2.0.%d", n), "", others[i%len(others)], 30, base.Add(time.Duration(n)*time.Minute))
				n++
			}
			for i := 0; i < tt.dominant; i++ {
				last = f.persist("10.2.1.1", "", schema.EventRateLimitExceeded, 35, base.Add(time.Duration(n)*time.Minute))
				n++
			}

			patterns := only(f.engine().Analyze(context.Background(), last), KindPattern)
			if tt.wantSeverity == "" {
				if len(patterns) != 0 {
					t.Errorf("patterns = %d, want 0", len(patterns))
				}
				return
			}
			if len(patterns) != 1 {
				t.Fatalf("patterns = %d, want 1", len(patterns))
			}
			p := patterns[0].Pattern
			if p.Severity != tt.wantSeverity {
				t.Errorf("Severity = %s, want %s", p.Severity, tt.wantSeverity)
			}
			if p.EventType != schema.EventRateLimitExceeded || p.EventCount != tt.dominant {
				t.Errorf("dominant = %s x%d", p.EventType, p.EventCount)
			}
			if p.TotalEvents != tt.dominant+tt.others || p.TimeWindow != "30m" {
				t.Errorf("total/window = %d/%s", p.TotalEvents, p.TimeWindow)
			}
		})
	}
}

type stubDetector struct {
	name   string
	detect func(ctx context.Context) (*Finding, error)
}

func (s *stubDetector) Name() string { return s.name }
func (s *stubDetector) Detect(ctx context.Context, _ *schema.SecurityEvent, _ time.Time) (*Finding, error) {
	return s.detect(ctx)
}

type recordingObserver struct {
	mu       sync.Mutex
	findings map[string]int
	errors   map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{findings: map[string]int{}, errors: map[string]int{}}
}

func (o *recordingObserver) ObserveFinding(detector string, _ FindingKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.findings[detector]++
}

func (o *recordingObserver) ObserveDetectorError(detector string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors[detector]++
}

func TestAnalyze_FaultIsolation(t *testing.T) {
	f := newFixture(t)
	ev := f.persist("10.3.0.1", "", schema.EventAPIRequest, 10, base)
	obs := newRecordingObserver()

	pattern := &schema.SystemPattern{ID: uuid.New(), DetectedAt: base}
	healthy := &stubDetector{name: "healthy", detect: func(context.Context) (*Finding, error) {
		return &Finding{Kind: KindPattern, ID: pattern.ID, Severity: schema.LevelMedium, Pattern: pattern}, nil
	}}
	failing := &stubDetector{name: "failing", detect: func(context.Context) (*Finding, error) {
		return nil, errors.New("store unavailable")
	}}
	panicking := &stubDetector{name: "panicking", detect: func(context.Context) (*Finding, error) {
		panic("index out of range")
	}}

	e := f.engine(WithDetectors(failing, panicking, healthy), WithObserver(obs))
	findings := e.Analyze(context.Background(), ev)

	if len(findings) != 1 || findings[0].ID != pattern.ID {
		t.Fatalf("findings = %+v, want the healthy detector's pattern", findings)
	}
	if obs.findings["healthy"] != 1 || obs.errors["failing"] != 1 || obs.errors["panicking"] != 1 {
		t.Errorf("observer = %+v / %+v", obs.findings, obs.errors)
	}

	stored, _ := f.adapter.PatternsInRange(context.Background(), base, base)
	if len(stored) != 1 {
		t.Errorf("stored patterns = %d, want 1", len(stored))
	}
}

func TestAnalyze_Timeout(t *testing.T) {
	f := newFixture(t)
	ev := f.persist("10.3.0.1", "", schema.EventAPIRequest, 10, base)

	slow := &stubDetector{name: "slow", detect: func(ctx context.Context) (*Finding, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	e, err := NewEngine(f.adapter, cfg, nil, WithDetectors(slow))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	start := time.Now()
	if got := e.Analyze(context.Background(), ev); len(got) != 0 {
		t.Errorf("findings = %v, want none", got)
	}
	if time.Since(start) > time.Second {
		t.Error("Analyze() did not honor the timeout")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}

	bad := DefaultConfig()
	bad.PatternDominance = 1.5
	if bad.Validate() == nil {
		t.Error("Validate() accepted dominance > 1")
	}

	bad = DefaultConfig()
	bad.Timeout = 0
	if _, err := NewEngine(newFixture(t).adapter, bad, nil); err == nil {
		t.Error("NewEngine() accepted a zero timeout")
	}
}

func TestWindowLabel(t *testing.T) {
	tests := map[time.Duration]string{
		30 * time.Minute: "30m",
		2 * time.Hour:    "2h",
		90 * time.Second: "1m30s",
	}
	for d, want := range tests {
		if got := windowLabel(d); got != want {
			t.Errorf("windowLabel(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestFindingKind_AlertSource(t *testing.T) {
	if KindAnomaly.AlertSource() != schema.AlertFromAnomaly || KindIncident.AlertSource() != schema.AlertFromIncident {
		t.Error("AlertSource() mapping is wrong")
	}
}
