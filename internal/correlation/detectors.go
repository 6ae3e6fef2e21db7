package correlation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"security-risk-engine/internal/schema"
)

// History is the read side of the audit trail the detectors consult.
type History interface {
	RecentByType(ctx context.Context, eventType schema.EventType, since time.Time, minRisk int) ([]schema.SecurityEvent, error)
	RecentByUser(ctx context.Context, userID string, since time.Time, limit int) ([]schema.SecurityEvent, error)
	RecentGlobal(ctx context.Context, since time.Time, minRisk int) ([]schema.SecurityEvent, error)
}

// Detector inspects recent history around one just-persisted event. It
// returns a nil Finding when nothing was detected.
type Detector interface {
	Name() string
	Detect(ctx context.Context, event *schema.SecurityEvent, now time.Time) (*Finding, error)
}

// coordinatedAttack flags same-type, high-risk activity spread across
// several source addresses.
type coordinatedAttack struct {
	history History
	cfg     Config
}

func (d *coordinatedAttack) Name() string { return "coordinated_attack" }

func (d *coordinatedAttack) Detect(ctx context.Context, event *schema.SecurityEvent, now time.Time) (*Finding, error) {
	since := now.Add(-d.cfg.CoordinatedWindow)
	events, err := d.history.RecentByType(ctx, event.EventType, since, d.cfg.CoordinatedMinRisk)
	if err != nil {
		return nil, fmt.Errorf("load %s events: %w", event.EventType, err)
	}
	if len(events) <= d.cfg.CoordinatedMinEvents {
		return nil, nil
	}

	ips := distinctAddresses(events)
	if len(ips) <= d.cfg.CoordinatedMinSources {
		return nil, nil
	}

	incident := &schema.SecurityIncident{
		ID:       uuid.New(),
		Type:     schema.IncidentCoordinatedAttack,
		Severity: schema.LevelHigh,
		Description: fmt.Sprintf("%d %s events from %d distinct addresses in %s",
			len(events), event.EventType, len(ips), d.cfg.CoordinatedWindow),
		AffectedIPs: ips,
		EventType:   event.EventType,
		EventCount:  len(events),
		FirstSeen:   since,
		LastSeen:    now,
		Status:      schema.IncidentActive,
		CreatedAt:   now,
	}
	return &Finding{
		Kind:        KindIncident,
		ID:          incident.ID,
		Severity:    incident.Severity,
		Description: incident.Description,
		Incident:    incident,
	}, nil
}

func distinctAddresses(events []schema.SecurityEvent) []string {
	seen := make(map[string]struct{}, len(events))
	for i := range events {
		if ip := events[i].IPAddress; ip != "" {
			seen[ip] = struct{}{}
		}
	}
	ips := make([]string, 0, len(seen))
	for ip := range seen {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// userAnomaly compares an event's risk with the mean risk of the same
// user's recent history.
type userAnomaly struct {
	history History
	cfg     Config
}

func (d *userAnomaly) Name() string { return "user_anomaly" }

func (d *userAnomaly) Detect(ctx context.Context, event *schema.SecurityEvent, now time.Time) (*Finding, error) {
	if event.UserID == "" {
		return nil, nil
	}

	// One extra row so the triggering event can be dropped without
	// shrinking the baseline.
	events, err := d.history.RecentByUser(ctx, event.UserID, now.Add(-d.cfg.AnomalyLookback), d.cfg.AnomalyMaxHistory+1)
	if err != nil {
		return nil, fmt.Errorf("load user history: %w", err)
	}

	scores := make([]int, 0, len(events))
	for i := range events {
		if events[i].ID == event.ID {
			continue
		}
		if len(scores) == d.cfg.AnomalyMaxHistory {
			break
		}
		scores = append(scores, events[i].RiskScore)
	}
	if len(scores) < d.cfg.AnomalyMinHistory {
		return nil, nil
	}

	baseline := mean(scores)
	risk := float64(event.RiskScore)
	if risk <= d.cfg.AnomalyMultiplier*baseline || event.RiskScore <= d.cfg.AnomalyMinRisk {
		return nil, nil
	}

	anomaly := &schema.UserAnomaly{
		ID:          uuid.New(),
		UserID:      event.UserID,
		AnomalyType: schema.AnomalyRiskScoreSpike,
		Description: fmt.Sprintf("risk score %d against a baseline of %.1f over %d events",
			event.RiskScore, baseline, len(scores)),
		RiskScore:         event.RiskScore,
		BaselineRiskScore: baseline,
		EventType:         event.EventType,
		EventID:           event.ID,
		DetectedAt:        now,
	}
	return &Finding{
		Kind:        KindAnomaly,
		ID:          anomaly.ID,
		Severity:    schema.LevelForScore(event.RiskScore),
		Description: anomaly.Description,
		Anomaly:     anomaly,
	}, nil
}

func mean(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

// systemPattern flags a window in which one event type dominates the
// elevated-risk traffic.
type systemPattern struct {
	history History
	cfg     Config
}

func (d *systemPattern) Name() string { return "system_pattern" }

func (d *systemPattern) Detect(ctx context.Context, _ *schema.SecurityEvent, now time.Time) (*Finding, error) {
	events, err := d.history.RecentGlobal(ctx, now.Add(-d.cfg.PatternWindow), d.cfg.PatternMinRisk)
	if err != nil {
		return nil, fmt.Errorf("load global history: %w", err)
	}
	total := len(events)
	if total <= d.cfg.PatternMinEvents {
		return nil, nil
	}

	dominant, count := dominantType(events)
	if float64(count) <= d.cfg.PatternDominance*float64(total) {
		return nil, nil
	}

	severity := schema.LevelMedium
	if total > d.cfg.PatternHighVolume {
		severity = schema.LevelHigh
	}

	pattern := &schema.SystemPattern{
		ID:          uuid.New(),
		PatternType: schema.PatternDominantEventType,
		Description: fmt.Sprintf("%s accounts for %d of %d elevated-risk events",
			dominant, count, total),
		EventType:   dominant,
		EventCount:  count,
		TotalEvents: total,
		TimeWindow:  windowLabel(d.cfg.PatternWindow),
		Severity:    severity,
		DetectedAt:  now,
	}
	return &Finding{
		Kind:        KindPattern,
		ID:          pattern.ID,
		Severity:    severity,
		Description: pattern.Description,
		Pattern:     pattern,
	}, nil
}

// dominantType returns the most frequent event type. Ties resolve to the
// lexically smallest type so the result is deterministic.
func dominantType(events []schema.SecurityEvent) (schema.EventType, int) {
	counts := make(map[schema.EventType]int)
	for i := range events {
		counts[events[i].EventType]++
	}

	var best schema.EventType
	bestCount := 0
	for t, n := range counts {
		if n > bestCount || (n == bestCount && t < best) {
			best, bestCount = t, n
		}
	}
	return best, bestCount
}

// windowLabel renders durations as compact labels such as "30m" or "2h".
func windowLabel(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	default:
		return d.String()
	}
}
