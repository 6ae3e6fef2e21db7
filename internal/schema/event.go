// Package schema defines the security event model shared by every stage of
// the risk engine: the ingestion descriptor, the scored event, and the
// records produced by correlation and alerting.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// RetentionPeriod is how long an event is kept after creation.
const RetentionPeriod = 365 * 24 * time.Hour

// UnknownLocation is used for every geolocation field that could not be resolved.
const UnknownLocation = "Unknown"

// RawEvent is the ingestion descriptor handed to the engine by the
// surrounding application. Only EventType is strictly required, together
// with at least one of IPAddress or UserID.
type RawEvent struct {
	UserID       string         `json:"user_id,omitempty" validate:"max=256"`
	SessionID    string         `json:"session_id,omitempty" validate:"max=256"`
	IPAddress    string         `json:"ip_address,omitempty" validate:"omitempty,ip"`
	UserAgent    string         `json:"user_agent,omitempty" validate:"max=1024"`
	EventType    EventType      `json:"event_type" validate:"required,event_type"`
	Endpoint     string         `json:"endpoint,omitempty" validate:"max=2048"`
	Method       string         `json:"method,omitempty" validate:"max=16"`
	StatusCode   int            `json:"status_code,omitempty" validate:"omitempty,min=100,max=599"`
	ResponseTime float64        `json:"response_time,omitempty" validate:"min=0"` // milliseconds
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// GeoLocation is the coarse location resolved for a source address.
type GeoLocation struct {
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Region    string  `json:"region"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
	ISP       string  `json:"isp"`
}

// UnknownGeo returns the record used when geolocation is unavailable.
func UnknownGeo() GeoLocation {
	return GeoLocation{
		Country:  UnknownLocation,
		City:     UnknownLocation,
		Region:   UnknownLocation,
		Timezone: UnknownLocation,
		ISP:      UnknownLocation,
	}
}

// SecurityEvent is one ingested, normalized and scored occurrence.
// Once persisted it is never modified.
type SecurityEvent struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`

	IPAddress         string      `json:"ip_address,omitempty"`
	UserAgent         string      `json:"user_agent,omitempty"`
	DeviceFingerprint string      `json:"device_fingerprint,omitempty"`
	Geo               GeoLocation `json:"geolocation"`

	EventType    EventType     `json:"event_type"`
	Endpoint     string        `json:"endpoint,omitempty"`
	Method       string        `json:"method,omitempty"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseTime time.Duration `json:"response_time,omitempty"`

	SecurityLevel SecurityLevel `json:"security_level"`
	ThreatType    ThreatType    `json:"threat_type"`
	RiskScore     int           `json:"risk_score"`
	Indicators    []string      `json:"indicators"`

	// Metadata is always plaintext in memory; the audit adapter encrypts
	// it on the way into the store.
	Metadata        map[string]any `json:"metadata,omitempty"`
	ComplianceFlags []string       `json:"compliance_flags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Payload returns the raw input payload carried in the metadata, if any.
func (e *SecurityEvent) Payload() (any, bool) {
	if e.Metadata == nil {
		return nil, false
	}
	p, ok := e.Metadata["payload"]
	if !ok || p == nil {
		return nil, false
	}
	return p, true
}
