package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"security-risk-engine/internal/schema"
)

// Table names.
const (
	TableEvents    = "security_events"
	TableIncidents = "security_incidents"
	TableAnomalies = "user_anomalies"
	TablePatterns  = "system_patterns"
	TableAlerts    = "security_alerts"
	TableRejected  = "rejected_events"
)

const eventColumns = `
	id, user_id, session_id, ip_address, user_agent, device_fingerprint,
	geo_country, geo_city, geo_region, geo_latitude, geo_longitude, geo_timezone, geo_isp,
	event_type, endpoint, method, status_code, response_time_ms,
	security_level, threat_type, risk_score, indicators, compliance_flags,
	metadata, created_at, expires_at`

// ClickHouseStore implements Store on top of the migrated ClickHouse schema.
type ClickHouseStore struct {
	client *ClickHouseClient
	logger *slog.Logger
}

// NewClickHouseStore creates a store over an open client. Migrations must
// already have been applied.
func NewClickHouseStore(client *ClickHouseClient, logger *slog.Logger) *ClickHouseStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClickHouseStore{
		client: client,
		logger: logger.With("component", "clickhouse-store"),
	}
}

// InsertEvent appends one event row.
func (s *ClickHouseStore) InsertEvent(ctx context.Context, rec *EventRecord) error {
	if rec == nil {
		return NewStorageError("InsertEvent", TableEvents, ErrInvalidData)
	}
	e := &rec.SecurityEvent
	query := "INSERT INTO " + TableEvents + " (" + eventColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	err := s.client.Exec(ctx, query,
		e.ID,
		e.UserID,
		e.SessionID,
		e.IPAddress,
		e.UserAgent,
		e.DeviceFingerprint,
		e.Geo.Country,
		e.Geo.City,
		e.Geo.Region,
		e.Geo.Latitude,
		e.Geo.Longitude,
		e.Geo.Timezone,
		e.Geo.ISP,
		string(e.EventType),
		e.Endpoint,
		e.Method,
		uint16(e.StatusCode),
		durationToMillis(e.ResponseTime),
		string(e.SecurityLevel),
		string(e.ThreatType),
		uint8(schema.ClampRiskScore(e.RiskScore)),
		nonNil(e.Indicators),
		nonNil(e.ComplianceFlags),
		rec.SealedMetadata,
		e.CreatedAt.UTC(),
		e.ExpiresAt.UTC(),
	)
	if err != nil {
		return WrapInsertError("InsertEvent", TableEvents, err)
	}
	return nil
}

// EventsBySource returns events from ip since the given time, oldest first.
func (s *ClickHouseStore) EventsBySource(ctx context.Context, ip string, since time.Time) ([]EventRecord, error) {
	query := "SELECT " + eventColumns + " FROM " + TableEvents +
		" WHERE ip_address = ? AND created_at >= ? ORDER BY created_at ASC"
	return s.queryEvents(ctx, "EventsBySource", query, ip, since.UTC())
}

// EventsByUser returns the newest events of userID since the given time.
func (s *ClickHouseStore) EventsByUser(ctx context.Context, userID string, since time.Time, limit int) ([]EventRecord, error) {
	query := "SELECT " + eventColumns + " FROM " + TableEvents +
		" WHERE user_id = ? AND created_at >= ? ORDER BY created_at DESC"
	args := []any{userID, since.UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryEvents(ctx, "EventsByUser", query, args...)
}

// EventsSince returns events since the given time with risk >= minRisk.
func (s *ClickHouseStore) EventsSince(ctx context.Context, since time.Time, minRisk int) ([]EventRecord, error) {
	query := "SELECT " + eventColumns + " FROM " + TableEvents +
		" WHERE created_at >= ? AND risk_score >= ? ORDER BY created_at ASC"
	return s.queryEvents(ctx, "EventsSince", query, since.UTC(), riskArg(minRisk))
}

// EventsByType returns events of one type since the given time with risk >= minRisk.
func (s *ClickHouseStore) EventsByType(ctx context.Context, eventType schema.EventType, since time.Time, minRisk int) ([]EventRecord, error) {
	query := "SELECT " + eventColumns + " FROM " + TableEvents +
		" WHERE event_type = ? AND created_at >= ? AND risk_score >= ? ORDER BY created_at ASC"
	return s.queryEvents(ctx, "EventsByType", query, string(eventType), since.UTC(), riskArg(minRisk))
}

// EventsInRange returns events created within [from, to].
func (s *ClickHouseStore) EventsInRange(ctx context.Context, from, to time.Time) ([]EventRecord, error) {
	query := "SELECT " + eventColumns + " FROM " + TableEvents +
		" WHERE created_at >= ? AND created_at <= ? ORDER BY created_at ASC"
	return s.queryEvents(ctx, "EventsInRange", query, from.UTC(), to.UTC())
}

func (s *ClickHouseStore) queryEvents(ctx context.Context, op, query string, args ...any) ([]EventRecord, error) {
	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError(op, TableEvents, err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, WrapQueryError(op, TableEvents, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError(op, TableEvents, err)
	}
	return out, nil
}

func scanEvent(rows driver.Rows) (EventRecord, error) {
	var (
		rec        EventRecord
		eventType  string
		level      string
		threat     string
		statusCode uint16
		responseMs float64
		risk       uint8
	)
	e := &rec.SecurityEvent
	err := rows.Scan(
		&e.ID,
		&e.UserID,
		&e.SessionID,
		&e.IPAddress,
		&e.UserAgent,
		&e.DeviceFingerprint,
		&e.Geo.Country,
		&e.Geo.City,
		&e.Geo.Region,
		&e.Geo.Latitude,
		&e.Geo.Longitude,
		&e.Geo.Timezone,
		&e.Geo.ISP,
		&eventType,
		&e.Endpoint,
		&e.Method,
		&statusCode,
		&responseMs,
		&level,
		&threat,
		&risk,
		&e.Indicators,
		&e.ComplianceFlags,
		&rec.SealedMetadata,
		&e.CreatedAt,
		&e.ExpiresAt,
	)
	if err != nil {
		return EventRecord{}, fmt.Errorf("scan event: %w", err)
	}
	e.EventType = schema.EventType(eventType)
	e.SecurityLevel = schema.SecurityLevel(level)
	e.ThreatType = schema.ThreatType(threat)
	e.StatusCode = int(statusCode)
	e.ResponseTime = millisToDuration(responseMs)
	e.RiskScore = int(risk)
	return rec, nil
}

// InsertIncident appends an incident row.
func (s *ClickHouseStore) InsertIncident(ctx context.Context, in *schema.SecurityIncident) error {
	if in == nil {
		return NewStorageError("InsertIncident", TableIncidents, ErrInvalidData)
	}
	err := s.client.Exec(ctx, `
		INSERT INTO `+TableIncidents+` (
			id, type, severity, description, affected_ips, event_type,
			event_count, first_seen, last_seen, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID,
		in.Type,
		string(in.Severity),
		in.Description,
		nonNil(in.AffectedIPs),
		string(in.EventType),
		uint32(in.EventCount),
		in.FirstSeen.UTC(),
		in.LastSeen.UTC(),
		string(in.Status),
		in.CreatedAt.UTC(),
	)
	if err != nil {
		return WrapInsertError("InsertIncident", TableIncidents, err)
	}
	return nil
}

// InsertAnomaly appends a user anomaly row.
func (s *ClickHouseStore) InsertAnomaly(ctx context.Context, a *schema.UserAnomaly) error {
	if a == nil {
		return NewStorageError("InsertAnomaly", TableAnomalies, ErrInvalidData)
	}
	err := s.client.Exec(ctx, `
		INSERT INTO `+TableAnomalies+` (
			id, user_id, anomaly_type, description, risk_score,
			baseline_risk_score, event_type, event_id, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.UserID,
		a.AnomalyType,
		a.Description,
		uint8(schema.ClampRiskScore(a.RiskScore)),
		a.BaselineRiskScore,
		string(a.EventType),
		a.EventID,
		a.DetectedAt.UTC(),
	)
	if err != nil {
		return WrapInsertError("InsertAnomaly", TableAnomalies, err)
	}
	return nil
}

// InsertPattern appends a system pattern row.
func (s *ClickHouseStore) InsertPattern(ctx context.Context, p *schema.SystemPattern) error {
	if p == nil {
		return NewStorageError("InsertPattern", TablePatterns, ErrInvalidData)
	}
	err := s.client.Exec(ctx, `
		INSERT INTO `+TablePatterns+` (
			id, pattern_type, description, event_type, event_count,
			total_events, time_window, severity, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.PatternType,
		p.Description,
		string(p.EventType),
		uint32(p.EventCount),
		uint32(p.TotalEvents),
		p.TimeWindow,
		string(p.Severity),
		p.DetectedAt.UTC(),
	)
	if err != nil {
		return WrapInsertError("InsertPattern", TablePatterns, err)
	}
	return nil
}

// InsertAlert appends an alert row.
func (s *ClickHouseStore) InsertAlert(ctx context.Context, a *schema.SecurityAlert) error {
	if a == nil {
		return NewStorageError("InsertAlert", TableAlerts, ErrInvalidData)
	}
	err := s.client.Exec(ctx, `
		INSERT INTO `+TableAlerts+` (
			id, source, source_id, severity, title, description,
			user_id, ip_address, event_type, risk_score, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		string(a.Source),
		a.SourceID,
		string(a.Severity),
		a.Title,
		a.Description,
		a.UserID,
		a.IPAddress,
		string(a.EventType),
		uint8(schema.ClampRiskScore(a.RiskScore)),
		a.CreatedAt.UTC(),
	)
	if err != nil {
		return WrapInsertError("InsertAlert", TableAlerts, err)
	}
	return nil
}

// IncidentsInRange returns incidents created within [from, to].
func (s *ClickHouseStore) IncidentsInRange(ctx context.Context, from, to time.Time) ([]schema.SecurityIncident, error) {
	rows, err := s.client.Query(ctx, `
		SELECT id, type, severity, description, affected_ips, event_type,
			event_count, first_seen, last_seen, status, created_at
		FROM `+TableIncidents+`
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, WrapQueryError("IncidentsInRange", TableIncidents, err)
	}
	defer rows.Close()

	var out []schema.SecurityIncident
	for rows.Next() {
		var (
			in                          schema.SecurityIncident
			severity, eventType, status string
			count                       uint32
		)
		if err := rows.Scan(
			&in.ID, &in.Type, &severity, &in.Description, &in.AffectedIPs, &eventType,
			&count, &in.FirstSeen, &in.LastSeen, &status, &in.CreatedAt,
		); err != nil {
			return nil, WrapQueryError("IncidentsInRange", TableIncidents, err)
		}
		in.Severity = schema.SecurityLevel(severity)
		in.EventType = schema.EventType(eventType)
		in.Status = schema.IncidentStatus(status)
		in.EventCount = int(count)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("IncidentsInRange", TableIncidents, err)
	}
	return out, nil
}

// AnomaliesInRange returns anomalies detected within [from, to].
func (s *ClickHouseStore) AnomaliesInRange(ctx context.Context, from, to time.Time) ([]schema.UserAnomaly, error) {
	rows, err := s.client.Query(ctx, `
		SELECT id, user_id, anomaly_type, description, risk_score,
			baseline_risk_score, event_type, event_id, detected_at
		FROM `+TableAnomalies+`
		WHERE detected_at >= ? AND detected_at <= ?
		ORDER BY detected_at ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, WrapQueryError("AnomaliesInRange", TableAnomalies, err)
	}
	defer rows.Close()

	var out []schema.UserAnomaly
	for rows.Next() {
		var (
			a         schema.UserAnomaly
			risk      uint8
			eventType string
		)
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.AnomalyType, &a.Description, &risk,
			&a.BaselineRiskScore, &eventType, &a.EventID, &a.DetectedAt,
		); err != nil {
			return nil, WrapQueryError("AnomaliesInRange", TableAnomalies, err)
		}
		a.RiskScore = int(risk)
		a.EventType = schema.EventType(eventType)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("AnomaliesInRange", TableAnomalies, err)
	}
	return out, nil
}

// PatternsInRange returns patterns detected within [from, to].
func (s *ClickHouseStore) PatternsInRange(ctx context.Context, from, to time.Time) ([]schema.SystemPattern, error) {
	rows, err := s.client.Query(ctx, `
		SELECT id, pattern_type, description, event_type, event_count,
			total_events, time_window, severity, detected_at
		FROM `+TablePatterns+`
		WHERE detected_at >= ? AND detected_at <= ?
		ORDER BY detected_at ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, WrapQueryError("PatternsInRange", TablePatterns, err)
	}
	defer rows.Close()

	var out []schema.SystemPattern
	for rows.Next() {
		var (
			p                   schema.SystemPattern
			eventType, severity string
			count, total        uint32
		)
		if err := rows.Scan(
			&p.ID, &p.PatternType, &p.Description, &eventType, &count,
			&total, &p.TimeWindow, &severity, &p.DetectedAt,
		); err != nil {
			return nil, WrapQueryError("PatternsInRange", TablePatterns, err)
		}
		p.EventType = schema.EventType(eventType)
		p.Severity = schema.SecurityLevel(severity)
		p.EventCount = int(count)
		p.TotalEvents = int(total)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("PatternsInRange", TablePatterns, err)
	}
	return out, nil
}

// AlertsInRange returns alerts created within [from, to].
func (s *ClickHouseStore) AlertsInRange(ctx context.Context, from, to time.Time) ([]schema.SecurityAlert, error) {
	rows, err := s.client.Query(ctx, `
		SELECT id, source, source_id, severity, title, description,
			user_id, ip_address, event_type, risk_score, created_at
		FROM `+TableAlerts+`
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, WrapQueryError("AlertsInRange", TableAlerts, err)
	}
	defer rows.Close()

	var out []schema.SecurityAlert
	for rows.Next() {
		var (
			a                           schema.SecurityAlert
			source, severity, eventType string
			risk                        uint8
		)
		if err := rows.Scan(
			&a.ID, &source, &a.SourceID, &severity, &a.Title, &a.Description,
			&a.UserID, &a.IPAddress, &eventType, &risk, &a.CreatedAt,
		); err != nil {
			return nil, WrapQueryError("AlertsInRange", TableAlerts, err)
		}
		a.Source = schema.AlertSource(source)
		a.Severity = schema.SecurityLevel(severity)
		a.EventType = schema.EventType(eventType)
		a.RiskScore = int(risk)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("AlertsInRange", TableAlerts, err)
	}
	return out, nil
}

// InsertRejected stores an ingestion descriptor that failed validation.
func (s *ClickHouseStore) InsertRejected(ctx context.Context, r *RejectedEvent) error {
	if r == nil {
		return NewStorageError("InsertRejected", TableRejected, ErrInvalidData)
	}
	err := s.client.Exec(ctx, `
		INSERT INTO `+TableRejected+` (
			id, raw_event, ip_address, user_id, reason, received_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.RawEvent,
		r.IPAddress,
		r.UserID,
		r.Reason,
		r.ReceivedAt.UTC(),
	)
	if err != nil {
		return WrapInsertError("InsertRejected", TableRejected, err)
	}
	return nil
}

// RejectedCount returns how many rejected descriptors were received since
// the given time.
func (s *ClickHouseStore) RejectedCount(ctx context.Context, since time.Time) (uint64, error) {
	rows, err := s.client.Query(ctx,
		"SELECT count() FROM "+TableRejected+" WHERE received_at >= ?", since.UTC())
	if err != nil {
		return 0, WrapQueryError("RejectedCount", TableRejected, err)
	}
	defer rows.Close()

	var count uint64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, WrapQueryError("RejectedCount", TableRejected, err)
		}
	}
	return count, rows.Err()
}

// Ping checks the underlying connection.
func (s *ClickHouseStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return WrapConnectionError("Ping", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *ClickHouseStore) Close() error {
	s.logger.Info("closing clickhouse store")
	return s.client.Close()
}

func durationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func millisToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func riskArg(minRisk int) uint8 {
	return uint8(schema.ClampRiskScore(minRisk))
}

// nonNil keeps Array(String) columns from receiving a NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ Store = (*ClickHouseStore)(nil)
