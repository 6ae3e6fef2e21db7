// Package reporting summarizes the audit trail over a time range into
// distributions, top offenders and rule-based recommendations.
package reporting

import (
	"time"

	"github.com/google/uuid"

	"security-risk-engine/internal/schema"
	"security-risk-engine/internal/storage/s3"
)

// ReportStatus records whether every section could be computed.
type ReportStatus string

const (
	StatusCompleted ReportStatus = "completed"
	StatusPartial   ReportStatus = "partial"
)

// Request selects the reporting window.
type Request struct {
	From             time.Time `json:"date_from"`
	To               time.Time `json:"date_to"`
	IncludeRawEvents bool      `json:"include_details"`
	Archive          bool      `json:"archive"`
}

// Report is the aggregated view of one window.
type Report struct {
	ID          uuid.UUID    `json:"id"`
	From        time.Time    `json:"date_from"`
	To          time.Time    `json:"date_to"`
	GeneratedAt time.Time    `json:"generated_at"`
	Status      ReportStatus `json:"status"`
	Partial     bool         `json:"partial"`
	Warnings    []string     `json:"warnings,omitempty"`

	Summary          Summary                      `json:"summary"`
	BySeverity       map[schema.SecurityLevel]int `json:"by_severity"`
	ByThreat         map[schema.ThreatType]int    `json:"by_threat_type"`
	ByEventType      map[schema.EventType]int     `json:"by_event_type"`
	TopIPs           []Count                      `json:"top_ips"`
	TopUsers         []Count                      `json:"top_users"`
	Hourly           [24]int                      `json:"hourly_distribution"`
	RiskBuckets      []RiskBucket                 `json:"risk_distribution"`
	ByComplianceFlag map[string]int               `json:"by_compliance_flag"`
	Findings         FindingsSummary              `json:"findings"`
	Recommendations  []Recommendation             `json:"recommendations"`

	Events  []schema.SecurityEvent `json:"events,omitempty"`
	Archive *s3.UploadOutput       `json:"archive,omitempty"`
}

// Summary holds headline figures. Percentages are 0 when there are no
// events.
type Summary struct {
	TotalEvents      int     `json:"total_events"`
	AverageRiskScore float64 `json:"average_risk_score"`
	UniqueIPs        int     `json:"unique_ips"`
	UniqueUsers      int     `json:"unique_users"`
	OffHoursEvents   int     `json:"off_hours_events"`
	OffHoursPercent  float64 `json:"off_hours_percent"`
	AlertsRaised     int     `json:"alerts_raised"`
}

// Count is one ranked key.
type Count struct {
	Key     string  `json:"key"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// RiskBucket counts events whose score falls in [Min, Max].
type RiskBucket struct {
	Level schema.SecurityLevel `json:"level"`
	Min   int                  `json:"min"`
	Max   int                  `json:"max"`
	Count int                  `json:"count"`
}

// FindingsSummary groups correlation findings.
type FindingsSummary struct {
	Incidents IncidentSummary `json:"incidents"`
	Anomalies AnomalySummary  `json:"anomalies"`
	Patterns  PatternSummary  `json:"patterns"`
}

type IncidentSummary struct {
	Total      int                           `json:"total"`
	ByType     map[string]int                `json:"by_type"`
	BySeverity map[schema.SecurityLevel]int  `json:"by_severity"`
	ByStatus   map[schema.IncidentStatus]int `json:"by_status"`
}

type AnomalySummary struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

type PatternSummary struct {
	Total      int                          `json:"total"`
	ByType     map[string]int               `json:"by_type"`
	BySeverity map[schema.SecurityLevel]int `json:"by_severity"`
}

// Priority orders recommendations.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
)

// Recommendation is one generated action item.
type Recommendation struct {
	Priority Priority `json:"priority"`
	Category string   `json:"category"`
	Message  string   `json:"message"`
}
