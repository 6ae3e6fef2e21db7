// Package scoring assigns risk scores, severity and threat classification
// to normalized security events using fixed additive heuristics.
package scoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"security-risk-engine/internal/schema"
)

// Indicator tags, one per rule that can fire.
const (
	IndicatorFailedAuthentication = "failed_authentication"
	IndicatorRepeatedFailures     = "repeated_failures"
	IndicatorPrivilegeEscalation  = "privilege_escalation"
	IndicatorUnauthorizedAccess   = "unauthorized_access"
	IndicatorHighRiskIPHistory    = "high_risk_ip_history"
	IndicatorFrequentActivity     = "frequent_activity"
	IndicatorAnonymizationService = "anonymization_service"
	IndicatorHighRiskEndpoint     = "high_risk_endpoint"
	IndicatorOffHoursActivity     = "off_hours_activity"
	IndicatorWeekendCritical      = "weekend_critical_activity"
	IndicatorRateLimitViolation   = "rate_limit_violation"
	IndicatorSQLInjection         = "sql_injection_attempt"
	IndicatorXSS                  = "xss_attempt"
	IndicatorPathTraversal        = "path_traversal_attempt"
	IndicatorCommandInjection     = "command_injection_attempt"
	IndicatorAnalysisError        = "analysis_error"
)

// Rule weights.
const (
	pointsFailedAuth       = 30
	pointsRepeatedFailures = 40
	pointsPrivilege        = 60
	pointsUnauthorized     = 25
	pointsIPHistory        = 30
	pointsFrequent         = 15
	pointsAnonymization    = 25
	pointsEndpoint         = 20
	pointsOffHours         = 20
	pointsWeekend          = 15
	pointsRateLimit        = 35

	highRiskHistoryMean   = 50
	frequentActivityCount = 5
)

// Assessment is the scorer's verdict for one event.
type Assessment struct {
	RiskScore       int                  `json:"risk_score"`
	SecurityLevel   schema.SecurityLevel `json:"security_level"`
	ThreatType      schema.ThreatType    `json:"threat_type"`
	Indicators      []string             `json:"indicators"`
	ComplianceFlags []string             `json:"compliance_flags"`
}

// Apply copies the assessment onto event.
func (a Assessment) Apply(event *schema.SecurityEvent) {
	event.RiskScore = a.RiskScore
	event.SecurityLevel = a.SecurityLevel
	event.ThreatType = a.ThreatType
	event.Indicators = a.Indicators
	event.ComplianceFlags = a.ComplianceFlags
}

// failedAssessment is returned when scoring itself breaks.
func failedAssessment() Assessment {
	return Assessment{
		RiskScore:     0,
		SecurityLevel: schema.LevelLow,
		ThreatType:    schema.ThreatNone,
		Indicators:    []string{IndicatorAnalysisError},
	}
}

// Scorer evaluates the rules. It performs no I/O and is safe for
// concurrent use.
type Scorer struct {
	policy atomic.Pointer[policy]
	logger *slog.Logger
}

// NewScorer creates a scorer from cfg.
func NewScorer(cfg Config, logger *slog.Logger) (*Scorer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p, err := compile(cfg)
	if err != nil {
		return nil, err
	}

	s := &Scorer{logger: logger.With("component", "scorer")}
	s.policy.Store(p)
	return s, nil
}

// Reload replaces the active configuration. In-flight Score calls finish
// with the configuration they started with.
func (s *Scorer) Reload(cfg Config) error {
	p, err := compile(cfg)
	if err != nil {
		return err
	}
	s.policy.Store(p)
	s.logger.Info("scoring configuration reloaded",
		"high_risk_endpoints", len(p.endpoints),
		"anonymization_ranges", len(p.networks))
	return nil
}

// Config returns the active configuration.
func (s *Scorer) Config() Config {
	return s.policy.Load().cfg
}

// Score evaluates event against the rules. history is the trailing activity
// of the event's source address, not including event itself. Score never
// panics; internal failures yield the analysis_error assessment.
func (s *Scorer) Score(event *schema.SecurityEvent, history []schema.SecurityEvent) (result Assessment) {
	defer func() {
		if r := recover(); r != nil {
			eventType := schema.EventType("")
			if event != nil {
				eventType = event.EventType
			}
			s.logger.Error("threat analysis failed",
				"event_type", eventType,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			result = failedAssessment()
		}
	}()

	return evaluate(s.policy.Load(), event, history)
}

// tally accumulates rule contributions.
type tally struct {
	score      int
	threat     schema.ThreatType
	indicators []string
}

func (t *tally) add(points int, indicator string) {
	t.score += points
	t.indicators = append(t.indicators, indicator)
}

func evaluate(p *policy, event *schema.SecurityEvent, history []schema.SecurityEvent) Assessment {
	if event == nil {
		panic("nil event")
	}

	at := event.CreatedAt
	t := &tally{threat: schema.ThreatNone, indicators: []string{}}

	// Rule 1: failed authentication.
	if event.EventType == schema.EventAuthenticationFailed {
		t.add(pointsFailedAuth, IndicatorFailedAuthentication)
		t.threat = schema.ThreatBruteForce

		recent := countMatching(history, event.IPAddress, at.Add(-p.cfg.FailureWindow), at, func(e *schema.SecurityEvent) bool {
			return e.EventType == schema.EventAuthenticationFailed
		})
		if recent > p.cfg.FailureThreshold {
			t.add(pointsRepeatedFailures, IndicatorRepeatedFailures)
		}
	}

	// Rule 2: privilege changes.
	if event.EventType == schema.EventRoleChange || event.EventType == schema.EventPermissionEscalation {
		t.add(pointsPrivilege, IndicatorPrivilegeEscalation)
		t.threat = schema.ThreatPrivilegeEscalation
	}

	// Rule 3: rejected requests.
	if event.StatusCode == 401 || event.StatusCode == 403 {
		t.add(pointsUnauthorized, IndicatorUnauthorizedAccess)
		if t.threat != schema.ThreatPrivilegeEscalation {
			t.threat = schema.ThreatUnauthorizedAccess
		}
	}

	// Rule 4: source address reputation.
	if event.IPAddress != "" {
		since := at.Add(-p.cfg.HistoryWindow)
		var sum, n int
		for i := range history {
			h := &history[i]
			if h.IPAddress != event.IPAddress || h.CreatedAt.Before(since) || h.CreatedAt.After(at) {
				continue
			}
			sum += h.RiskScore
			n++
		}
		if n > 0 && float64(sum)/float64(n) > highRiskHistoryMean {
			t.add(pointsIPHistory, IndicatorHighRiskIPHistory)
		}
		if n > frequentActivityCount {
			t.add(pointsFrequent, IndicatorFrequentActivity)
		}
		if p.isAnonymized(event.IPAddress) {
			t.add(pointsAnonymization, IndicatorAnonymizationService)
		}
	}

	// Rule 5: sensitive endpoints.
	if event.Endpoint != "" && p.isHighRiskEndpoint(event.Endpoint) {
		t.add(pointsEndpoint, IndicatorHighRiskEndpoint)
	}

	// Rule 6: time of day, judged against the score accumulated so far.
	local := at.In(p.location)
	priorLevel := schema.LevelForScore(schema.ClampRiskScore(t.score))
	if event.EventType == schema.EventAdminAction && p.isOffHours(local.Hour()) {
		t.add(pointsOffHours, IndicatorOffHoursActivity)
	}
	if isWeekend(local) && priorLevel == schema.LevelHigh {
		t.add(pointsWeekend, IndicatorWeekendCritical)
	}

	// Rule 7: rate limiting.
	if event.EventType == schema.EventRateLimitExceeded {
		t.add(pointsRateLimit, IndicatorRateLimitViolation)
		t.threat = schema.ThreatRateLimitViolation
	}

	// Rule 8: input payload inspection.
	if payload, ok := event.Payload(); ok {
		found := scanPayload(payloadText(payload))
		for _, sig := range found {
			t.add(sig.points, sig.indicator)
		}
		if len(found) > 0 && t.threat == schema.ThreatNone {
			t.threat = schema.ThreatMaliciousInput
		}
	}

	score := schema.ClampRiskScore(t.score)
	return Assessment{
		RiskScore:       score,
		SecurityLevel:   schema.LevelForScore(score),
		ThreatType:      t.threat,
		Indicators:      t.indicators,
		ComplianceFlags: ComplianceFlags(event.EventType, t.indicators),
	}
}

func countMatching(history []schema.SecurityEvent, ip string, since, until time.Time, match func(*schema.SecurityEvent) bool) int {
	if ip == "" {
		return 0
	}
	n := 0
	for i := range history {
		h := &history[i]
		if h.IPAddress != ip || h.CreatedAt.Before(since) || h.CreatedAt.After(until) {
			continue
		}
		if match(h) {
			n++
		}
	}
	return n
}

func isWeekend(t time.Time) bool {
	d := t.Weekday()
	return d == time.Saturday || d == time.Sunday
}

func payloadText(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	case map[string]any, []any:
		var b strings.Builder
		writeLeaves(&b, v)
		return b.String()
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return fmt.Sprint(v)
		}
		return strings.TrimSpace(buf.String())
	}
}

// writeLeaves writes every key and scalar of a decoded JSON value, one per
// line, so markup and quotes reach the scanner unescaped.
func writeLeaves(b *strings.Builder, v any) {
	switch v := v.(type) {
	case map[string]any:
		for k, child := range v {
			b.WriteString(k)
			b.WriteByte('\n')
			writeLeaves(b, child)
		}
	case []any:
		for _, child := range v {
			writeLeaves(b, child)
		}
	case nil:
	default:
		b.WriteString(payloadText(v))
		b.WriteByte('\n')
	}
}

// signature is a family of substrings that betray one kind of attack.
type signature struct {
	indicator string
	points    int
	tokens    []string
}

var signatures = []signature{
	{
		indicator: IndicatorSQLInjection,
		points:    40,
		tokens:    []string{"select", "drop", "union", "insert", "update", "delete", "--", ";"},
	},
	{
		indicator: IndicatorXSS,
		points:    35,
		tokens:    []string{"<script", "javascript:", "onerror", "onload", "eval("},
	},
	{
		indicator: IndicatorPathTraversal,
		points:    30,
		tokens:    []string{"../", `..\`, "/etc/", "/var/", "/usr/"},
	},
	{
		indicator: IndicatorCommandInjection,
		points:    45,
		tokens:    []string{"rm -rf", "cat /etc/", "whoami", "ls -la", "nc -e"},
	},
}

func scanPayload(text string) []signature {
	text = strings.ToLower(text)
	var found []signature
	for _, sig := range signatures {
		for _, tok := range sig.tokens {
			if strings.Contains(text, tok) {
				found = append(found, sig)
				break
			}
		}
	}
	return found
}
