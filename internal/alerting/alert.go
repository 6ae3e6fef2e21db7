// Package alerting turns high-risk events and critical correlation findings
// into persisted alerts and broadcasts them to the configured transports.
package alerting

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"security-risk-engine/internal/correlation"
	"security-risk-engine/internal/schema"
)

// NewEventAlert builds the alert for a single high-risk event.
func NewEventAlert(event *schema.SecurityEvent) schema.SecurityAlert {
	return schema.SecurityAlert{
		ID:       uuid.New(),
		Source:   schema.AlertFromEvent,
		SourceID: event.ID,
		Severity: event.SecurityLevel,
		Title:    fmt.Sprintf("High-risk %s event", event.EventType),
		Description: fmt.Sprintf("risk score %d, threat %s, indicators %v",
			event.RiskScore, event.ThreatType, event.Indicators),
		UserID:    event.UserID,
		IPAddress: event.IPAddress,
		EventType: event.EventType,
		RiskScore: event.RiskScore,
		CreatedAt: alertTime(event),
	}
}

// NewFindingAlert builds the alert for a correlation finding raised while
// processing event.
func NewFindingAlert(event *schema.SecurityEvent, f correlation.Finding) schema.SecurityAlert {
	return schema.SecurityAlert{
		ID:          uuid.New(),
		Source:      f.Kind.AlertSource(),
		SourceID:    f.ID,
		Severity:    f.Severity,
		Title:       fmt.Sprintf("Critical %s detected", f.Kind),
		Description: f.Description,
		UserID:      event.UserID,
		IPAddress:   event.IPAddress,
		EventType:   event.EventType,
		RiskScore:   event.RiskScore,
		CreatedAt:   alertTime(event),
	}
}

func alertTime(event *schema.SecurityEvent) time.Time {
	if event.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return event.CreatedAt
}
