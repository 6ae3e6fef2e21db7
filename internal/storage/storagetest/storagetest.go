// Package storagetest provides a conformance suite that every storage.Store
// implementation must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"security-risk-engine/internal/schema"
	"security-risk-engine/internal/storage"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Base is the reference time used by every fixture.
var Base = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

// Event builds a record created offset after Base.
func Event(ip, user string, eventType schema.EventType, risk int, offset time.Duration) *storage.EventRecord {
	created := Base.Add(offset)
	return &storage.EventRecord{
		SecurityEvent: schema.SecurityEvent{
			ID:            uuid.New(),
			UserID:        user,
			IPAddress:     ip,
			Geo:           schema.UnknownGeo(),
			EventType:     eventType,
			RiskScore:     risk,
			SecurityLevel: schema.LevelForScore(risk),
			ThreatType:    schema.ThreatNone,
			Indicators:    []string{},
			CreatedAt:     created,
			ExpiresAt:     created.Add(schema.RetentionPeriod),
		},
		SealedMetadata: "plain:{}",
	}
}

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EventsBySource", func(t *testing.T) { testEventsBySource(t, newStore) })
	t.Run("EventsByUser", func(t *testing.T) { testEventsByUser(t, newStore) })
	t.Run("EventsSince", func(t *testing.T) { testEventsSince(t, newStore) })
	t.Run("EventsByType", func(t *testing.T) { testEventsByType(t, newStore) })
	t.Run("EventsInRange", func(t *testing.T) { testEventsInRange(t, newStore) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore) })
	t.Run("Findings", func(t *testing.T) { testFindings(t, newStore) })
	t.Run("Rejected", func(t *testing.T) { testRejected(t, newStore) })
	t.Run("PurgeExpired", func(t *testing.T) { testPurgeExpired(t, newStore) })
}

func open(t *testing.T, newStore Factory) storage.Store {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { s.Close() })
	return s
}

func insert(t *testing.T, s storage.Store, recs ...*storage.EventRecord) {
	t.Helper()
	for _, rec := range recs {
		if err := s.InsertEvent(context.Background(), rec); err != nil {
			t.Fatalf("InsertEvent() error = %v", err)
		}
	}
}

func ids(recs []storage.EventRecord) []uuid.UUID {
	out := make([]uuid.UUID, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func expectIDs(t *testing.T, got []storage.EventRecord, want ...*storage.EventRecord) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(got), ids(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Errorf("event[%d] = %s, want %s", i, got[i].ID, want[i].ID)
		}
	}
}

func testEventsBySource(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	old := Event("10.0.0.1", "", schema.EventAPIRequest, 5, -2*time.Hour)
	a := Event("10.0.0.1", "", schema.EventAPIRequest, 5, 0)
	b := Event("10.0.0.1", "u1", schema.EventAuthenticationFailed, 30, time.Minute)
	other := Event("10.0.0.2", "", schema.EventAPIRequest, 5, time.Minute)
	insert(t, s, b, other, old, a)

	got, err := s.EventsBySource(ctx, "10.0.0.1", Base)
	if err != nil {
		t.Fatalf("EventsBySource() error = %v", err)
	}
	expectIDs(t, got, a, b)

	got, err = s.EventsBySource(ctx, "192.0.2.1", Base)
	if err != nil {
		t.Fatalf("EventsBySource() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("unknown address returned %d events", len(got))
	}
}

func testEventsByUser(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	var recs []*storage.EventRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, Event("10.0.0.1", "alice", schema.EventDataAccess, 10*i, time.Duration(i)*time.Minute))
	}
	insert(t, s, recs...)
	insert(t, s, Event("10.0.0.1", "bob", schema.EventDataAccess, 10, time.Minute))

	got, err := s.EventsByUser(ctx, "alice", Base, 3)
	if err != nil {
		t.Fatalf("EventsByUser() error = %v", err)
	}
	expectIDs(t, got, recs[4], recs[3], recs[2])

	got, err = s.EventsByUser(ctx, "alice", Base.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("EventsByUser() error = %v", err)
	}
	expectIDs(t, got, recs[4], recs[3], recs[2], recs[1])
}

func testEventsSince(t *testing.T, newStore Factory) {
	s := open(t, newStore)

	low := Event("10.0.0.1", "", schema.EventAPIRequest, 10, time.Minute)
	edge := Event("10.0.0.2", "", schema.EventAPIRequest, 30, 2*time.Minute)
	high := Event("10.0.0.3", "", schema.EventRoleChange, 60, 3*time.Minute)
	early := Event("10.0.0.4", "", schema.EventRoleChange, 90, -time.Minute)
	insert(t, s, high, low, early, edge)

	got, err := s.EventsSince(context.Background(), Base, 30)
	if err != nil {
		t.Fatalf("EventsSince() error = %v", err)
	}
	expectIDs(t, got, edge, high)
}

func testEventsByType(t *testing.T, newStore Factory) {
	s := open(t, newStore)

	a := Event("10.0.0.1", "", schema.EventAuthenticationFailed, 40, time.Minute)
	b := Event("10.0.0.2", "", schema.EventAuthenticationFailed, 70, 2*time.Minute)
	weak := Event("10.0.0.3", "", schema.EventAuthenticationFailed, 39, 3*time.Minute)
	other := Event("10.0.0.4", "", schema.EventDataExport, 80, 4*time.Minute)
	insert(t, s, a, b, weak, other)

	got, err := s.EventsByType(context.Background(), schema.EventAuthenticationFailed, Base, 40)
	if err != nil {
		t.Fatalf("EventsByType() error = %v", err)
	}
	expectIDs(t, got, a, b)
}

func testEventsInRange(t *testing.T, newStore Factory) {
	s := open(t, newStore)

	before := Event("10.0.0.1", "", schema.EventAPIRequest, 0, -time.Second)
	first := Event("10.0.0.1", "", schema.EventAPIRequest, 0, 0)
	last := Event("10.0.0.1", "", schema.EventAPIRequest, 0, time.Hour)
	after := Event("10.0.0.1", "", schema.EventAPIRequest, 0, time.Hour+time.Second)
	insert(t, s, after, last, first, before)

	got, err := s.EventsInRange(context.Background(), Base, Base.Add(time.Hour))
	if err != nil {
		t.Fatalf("EventsInRange() error = %v", err)
	}
	expectIDs(t, got, first, last)
}

func testRoundTrip(t *testing.T, newStore Factory) {
	s := open(t, newStore)

	rec := Event("203.0.113.7", "carol", schema.EventAuthenticationFailed, 45, 0)
	rec.SessionID = "sess-1"
	rec.UserAgent = "curl/8.0"
	rec.DeviceFingerprint = "abc123"
	rec.Endpoint = "/admin/users"
	rec.Method = "POST"
	rec.StatusCode = 401
	rec.ResponseTime = 250 * time.Millisecond
	rec.ThreatType = schema.ThreatBruteForce
	rec.Indicators = []string{"failed_authentication", "unauthorized_access"}
	rec.ComplianceFlags = []string{"soc2:access_control"}
	rec.SealedMetadata = "enc:AAAA"
	insert(t, s, rec)

	got, err := s.EventsBySource(context.Background(), rec.IPAddress, Base)
	if err != nil {
		t.Fatalf("EventsBySource() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	e := got[0]
	if e.UserID != "carol" || e.SessionID != "sess-1" || e.Endpoint != "/admin/users" {
		t.Errorf("identity fields lost: %+v", e.SecurityEvent)
	}
	if e.StatusCode != 401 || e.ResponseTime != 250*time.Millisecond {
		t.Errorf("request fields lost: status=%d rt=%v", e.StatusCode, e.ResponseTime)
	}
	if e.ThreatType != schema.ThreatBruteForce || e.SecurityLevel != schema.LevelMedium {
		t.Errorf("classification lost: %s/%s", e.ThreatType, e.SecurityLevel)
	}
	if len(e.Indicators) != 2 || e.Indicators[1] != "unauthorized_access" {
		t.Errorf("Indicators = %v", e.Indicators)
	}
	if e.SealedMetadata != "enc:AAAA" {
		t.Errorf("SealedMetadata = %q", e.SealedMetadata)
	}
	if !e.CreatedAt.Equal(rec.CreatedAt) || !e.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Errorf("timestamps = %v/%v", e.CreatedAt, e.ExpiresAt)
	}
}

func testFindings(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()
	from, to := Base, Base.Add(time.Hour)

	incident := &schema.SecurityIncident{
		ID:          uuid.New(),
		Type:        schema.IncidentCoordinatedAttack,
		Severity:    schema.LevelHigh,
		AffectedIPs: []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"},
		EventType:   schema.EventAuthenticationFailed,
		EventCount:  4,
		FirstSeen:   Base.Add(-10 * time.Minute),
		LastSeen:    Base,
		Status:      schema.IncidentActive,
		CreatedAt:   Base,
	}
	lateIncident := *incident
	lateIncident.ID = uuid.New()
	lateIncident.CreatedAt = to.Add(time.Second)

	anomaly := &schema.UserAnomaly{
		ID:                uuid.New(),
		UserID:            "alice",
		AnomalyType:       schema.AnomalyRiskScoreSpike,
		RiskScore:         65,
		BaselineRiskScore: 20,
		EventID:           uuid.New(),
		DetectedAt:        Base.Add(time.Minute),
	}
	pattern := &schema.SystemPattern{
		ID:          uuid.New(),
		PatternType: schema.PatternDominantEventType,
		EventType:   schema.EventRateLimitExceeded,
		EventCount:  11,
		TotalEvents: 15,
		TimeWindow:  "30m",
		Severity:    schema.LevelMedium,
		DetectedAt:  to,
	}
	alert := &schema.SecurityAlert{
		ID:        uuid.New(),
		Source:    schema.AlertFromEvent,
		SourceID:  uuid.New(),
		Severity:  schema.LevelCritical,
		Title:     "High-risk security event",
		RiskScore: 85,
		CreatedAt: Base.Add(30 * time.Minute),
	}

	if err := s.InsertIncident(ctx, incident); err != nil {
		t.Fatalf("InsertIncident() error = %v", err)
	}
	if err := s.InsertIncident(ctx, &lateIncident); err != nil {
		t.Fatalf("InsertIncident() error = %v", err)
	}
	if err := s.InsertAnomaly(ctx, anomaly); err != nil {
		t.Fatalf("InsertAnomaly() error = %v", err)
	}
	if err := s.InsertPattern(ctx, pattern); err != nil {
		t.Fatalf("InsertPattern() error = %v", err)
	}
	if err := s.InsertAlert(ctx, alert); err != nil {
		t.Fatalf("InsertAlert() error = %v", err)
	}

	incidents, err := s.IncidentsInRange(ctx, from, to)
	if err != nil {
		t.Fatalf("IncidentsInRange() error = %v", err)
	}
	if len(incidents) != 1 || incidents[0].ID != incident.ID {
		t.Fatalf("incidents = %+v", incidents)
	}
	if len(incidents[0].AffectedIPs) != 3 || incidents[0].Status != schema.IncidentActive {
		t.Errorf("incident fields lost: %+v", incidents[0])
	}

	anomalies, err := s.AnomaliesInRange(ctx, from, to)
	if err != nil {
		t.Fatalf("AnomaliesInRange() error = %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].BaselineRiskScore != 20 {
		t.Errorf("anomalies = %+v", anomalies)
	}

	patterns, err := s.PatternsInRange(ctx, from, to)
	if err != nil {
		t.Fatalf("PatternsInRange() error = %v", err)
	}
	if len(patterns) != 1 || patterns[0].EventCount != 11 {
		t.Errorf("patterns = %+v", patterns)
	}

	alerts, err := s.AlertsInRange(ctx, from, to)
	if err != nil {
		t.Fatalf("AlertsInRange() error = %v", err)
	}
	if len(alerts) != 1 || alerts[0].Severity != schema.LevelCritical {
		t.Errorf("alerts = %+v", alerts)
	}
}

func testRejected(t *testing.T, newStore Factory) {
	s := open(t, newStore)

	err := s.InsertRejected(context.Background(), &storage.RejectedEvent{
		ID:         uuid.New(),
		RawEvent:   `{"event_type":"unknown"}`,
		Reason:     "invalid event type",
		ReceivedAt: Base,
	})
	if err != nil {
		t.Fatalf("InsertRejected() error = %v", err)
	}
}

func testPurgeExpired(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	purger, ok := s.(storage.Purger)
	if !ok {
		t.Skip("store relies on native TTL")
	}

	expired := Event("10.0.0.1", "alice", schema.EventAPIRequest, 5, 0)
	expired.ExpiresAt = Base.Add(time.Hour)
	kept := Event("10.0.0.1", "alice", schema.EventAPIRequest, 5, time.Minute)
	insert(t, s, expired, kept)

	n, err := purger.PurgeExpired(context.Background(), Base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeExpired() = %d, want 1", n)
	}

	got, err := s.EventsBySource(context.Background(), "10.0.0.1", Base)
	if err != nil {
		t.Fatalf("EventsBySource() error = %v", err)
	}
	expectIDs(t, got, kept)

	byUser, err := s.EventsByUser(context.Background(), "alice", Base, 0)
	if err != nil {
		t.Fatalf("EventsByUser() error = %v", err)
	}
	expectIDs(t, byUser, kept)
}
