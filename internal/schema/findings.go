package schema

import (
	"time"

	"github.com/google/uuid"
)

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentActive   IncidentStatus = "active"
	IncidentResolved IncidentStatus = "resolved"
)

// Finding kinds produced by correlation.
const (
	IncidentCoordinatedAttack = "coordinated_attack"
	AnomalyRiskScoreSpike     = "risk_score_spike"
	PatternDominantEventType  = "dominant_event_type"
)

// SecurityIncident is a coordinated-attack finding.
type SecurityIncident struct {
	ID          uuid.UUID      `json:"id"`
	Type        string         `json:"type"`
	Severity    SecurityLevel  `json:"severity"`
	Description string         `json:"description"`
	AffectedIPs []string       `json:"affected_ips"`
	EventType   EventType      `json:"event_type"`
	EventCount  int            `json:"event_count"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	Status      IncidentStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}

// UserAnomaly is a per-user deviation from that user's baseline risk.
type UserAnomaly struct {
	ID                uuid.UUID `json:"id"`
	UserID            string    `json:"user_id"`
	AnomalyType       string    `json:"anomaly_type"`
	Description       string    `json:"description"`
	RiskScore         int       `json:"risk_score"`
	BaselineRiskScore float64   `json:"baseline_risk_score"`
	EventType         EventType `json:"event_type"`
	EventID           uuid.UUID `json:"event_id"`
	DetectedAt        time.Time `json:"detected_at"`
}

// SystemPattern is a system-wide skew toward a single event type.
type SystemPattern struct {
	ID          uuid.UUID     `json:"id"`
	PatternType string        `json:"pattern_type"`
	Description string        `json:"description"`
	EventType   EventType     `json:"event_type"`
	EventCount  int           `json:"event_count"`
	TotalEvents int           `json:"total_events"`
	TimeWindow  string        `json:"time_window"`
	Severity    SecurityLevel `json:"severity"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// AlertSource names what an alert was derived from.
type AlertSource string

const (
	AlertFromEvent    AlertSource = "event"
	AlertFromIncident AlertSource = "incident"
	AlertFromAnomaly  AlertSource = "anomaly"
	AlertFromPattern  AlertSource = "pattern"
)

// SecurityAlert is an outbound notification record. Identity and address
// fields are denormalized for display.
type SecurityAlert struct {
	ID          uuid.UUID     `json:"id"`
	Source      AlertSource   `json:"source"`
	SourceID    uuid.UUID     `json:"source_id"`
	Severity    SecurityLevel `json:"severity"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	UserID      string        `json:"user_id,omitempty"`
	IPAddress   string        `json:"ip_address,omitempty"`
	EventType   EventType     `json:"event_type,omitempty"`
	RiskScore   int           `json:"risk_score"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Findings groups the correlation records created within a time range.
type Findings struct {
	Incidents []SecurityIncident `json:"incidents"`
	Anomalies []UserAnomaly      `json:"anomalies"`
	Patterns  []SystemPattern    `json:"patterns"`
}
