package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"security-risk-engine/internal/schema"
)

// EventRecord is a SecurityEvent as it sits in the store: the metadata map
// is replaced by its sealed encoding.
type EventRecord struct {
	schema.SecurityEvent
	SealedMetadata string `json:"sealed_metadata"`
}

// RejectedEvent is an ingestion descriptor that failed validation. It is
// kept so that malformed input still leaves an audit trail.
type RejectedEvent struct {
	ID         uuid.UUID `json:"id"`
	RawEvent   string    `json:"raw_event"`
	IPAddress  string    `json:"ip_address"`
	UserID     string    `json:"user_id"`
	Reason     string    `json:"reason"`
	ReceivedAt time.Time `json:"received_at"`
}

// EventStore is the append-only event table. Every read is served by an
// index on (ip, created_at), (user, created_at), (event_type, created_at)
// or (created_at, risk_score). Time bounds are inclusive.
type EventStore interface {
	InsertEvent(ctx context.Context, rec *EventRecord) error

	// EventsBySource returns events from ip created at or after since,
	// oldest first.
	EventsBySource(ctx context.Context, ip string, since time.Time) ([]EventRecord, error)

	// EventsByUser returns up to limit events of userID created at or after
	// since, newest first. A limit <= 0 means no limit.
	EventsByUser(ctx context.Context, userID string, since time.Time, limit int) ([]EventRecord, error)

	// EventsSince returns all events created at or after since with a risk
	// score of at least minRisk, oldest first.
	EventsSince(ctx context.Context, since time.Time, minRisk int) ([]EventRecord, error)

	// EventsByType is EventsSince restricted to one event type.
	EventsByType(ctx context.Context, eventType schema.EventType, since time.Time, minRisk int) ([]EventRecord, error)

	// EventsInRange returns all events with from <= created_at <= to,
	// oldest first.
	EventsInRange(ctx context.Context, from, to time.Time) ([]EventRecord, error)
}

// FindingStore holds the append-only correlation and alert records.
type FindingStore interface {
	InsertIncident(ctx context.Context, incident *schema.SecurityIncident) error
	InsertAnomaly(ctx context.Context, anomaly *schema.UserAnomaly) error
	InsertPattern(ctx context.Context, pattern *schema.SystemPattern) error
	InsertAlert(ctx context.Context, alert *schema.SecurityAlert) error

	IncidentsInRange(ctx context.Context, from, to time.Time) ([]schema.SecurityIncident, error)
	AnomaliesInRange(ctx context.Context, from, to time.Time) ([]schema.UserAnomaly, error)
	PatternsInRange(ctx context.Context, from, to time.Time) ([]schema.SystemPattern, error)
	AlertsInRange(ctx context.Context, from, to time.Time) ([]schema.SecurityAlert, error)
}

// Store is a complete backend.
type Store interface {
	EventStore
	FindingStore

	InsertRejected(ctx context.Context, rejected *RejectedEvent) error

	Ping(ctx context.Context) error
	Close() error
}

// Purger is implemented by backends without native TTL support.
type Purger interface {
	// PurgeExpired deletes events whose ExpiresAt is before now and returns
	// how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
