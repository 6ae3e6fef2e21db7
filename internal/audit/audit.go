// Package audit is the only path between the pipeline and the store. It
// seals event metadata immediately before a write and opens it immediately
// after a read, so plaintext metadata never reaches a backend and callers
// never see ciphertext.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"security-risk-engine/internal/encryption"
	"security-risk-engine/internal/schema"
	"security-risk-engine/internal/storage"
)

// Adapter persists and reads security events and findings.
type Adapter struct {
	store  storage.Store
	codec  *encryption.Codec
	logger *slog.Logger
	now    func() time.Time

	sealed         atomic.Int64
	sealFallbacks  atomic.Int64
	unsealFailures atomic.Int64
}

// Stats holds codec outcome counters.
type Stats struct {
	Sealed         int64
	SealFallbacks  int64
	UnsealFailures int64
}

// New creates an adapter. A codec without an enabled engine stores metadata
// as plaintext.
func New(store storage.Store, codec *encryption.Codec, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		store:  store,
		codec:  codec,
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
	if !codec.Enabled() {
		a.logger.Warn("metadata encryption disabled, event metadata will be stored as plaintext")
	}
	return a
}

// Stats returns a snapshot of the codec counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Sealed:         a.sealed.Load(),
		SealFallbacks:  a.sealFallbacks.Load(),
		UnsealFailures: a.unsealFailures.Load(),
	}
}

// Persist writes event and returns its id. An event without an id is given
// one. Metadata that cannot be sealed is written as plaintext.
func (a *Adapter) Persist(ctx context.Context, event *schema.SecurityEvent) (uuid.UUID, error) {
	if event == nil {
		return uuid.Nil, storage.NewStorageError("Persist", storage.TableEvents, storage.ErrInvalidData)
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	rec := &storage.EventRecord{
		SecurityEvent:  *event,
		SealedMetadata: a.seal(event),
	}
	rec.Metadata = nil

	if err := a.store.InsertEvent(ctx, rec); err != nil {
		return uuid.Nil, err
	}
	return event.ID, nil
}

func (a *Adapter) seal(event *schema.SecurityEvent) string {
	if !a.codec.Enabled() {
		return encryption.PlaintextMetadata(event.Metadata)
	}

	sealed, err := a.codec.EncryptMetadata(event.Metadata)
	if err != nil {
		a.sealFallbacks.Add(1)
		a.logger.Warn("metadata encryption failed, storing plaintext",
			"event_id", event.ID,
			"event_type", event.EventType,
			"error", err)
		return encryption.PlaintextMetadata(event.Metadata)
	}
	a.sealed.Add(1)
	return sealed
}

func (a *Adapter) open(recs []storage.EventRecord) []schema.SecurityEvent {
	if len(recs) == 0 {
		return nil
	}
	out := make([]schema.SecurityEvent, len(recs))
	for i := range recs {
		out[i] = recs[i].SecurityEvent
		meta, err := a.codec.DecryptMetadata(recs[i].SealedMetadata)
		if err != nil {
			a.unsealFailures.Add(1)
			a.logger.Warn("metadata decryption failed, returning empty metadata",
				"event_id", recs[i].ID,
				"error", err)
			meta = map[string]any{}
		}
		out[i].Metadata = meta
	}
	return out
}

// RecentBySource returns events from ip since the given time, oldest first.
func (a *Adapter) RecentBySource(ctx context.Context, ip string, since time.Time) ([]schema.SecurityEvent, error) {
	recs, err := a.store.EventsBySource(ctx, ip, since)
	if err != nil {
		return nil, err
	}
	return a.open(recs), nil
}

// RecentByUser returns up to limit events of userID since the given time,
// newest first.
func (a *Adapter) RecentByUser(ctx context.Context, userID string, since time.Time, limit int) ([]schema.SecurityEvent, error) {
	recs, err := a.store.EventsByUser(ctx, userID, since, limit)
	if err != nil {
		return nil, err
	}
	return a.open(recs), nil
}

// RecentGlobal returns every event since the given time with risk >= minRisk.
func (a *Adapter) RecentGlobal(ctx context.Context, since time.Time, minRisk int) ([]schema.SecurityEvent, error) {
	recs, err := a.store.EventsSince(ctx, since, minRisk)
	if err != nil {
		return nil, err
	}
	return a.open(recs), nil
}

// RecentByType returns events of one type since the given time with risk >= minRisk.
func (a *Adapter) RecentByType(ctx context.Context, eventType schema.EventType, since time.Time, minRisk int) ([]schema.SecurityEvent, error) {
	recs, err := a.store.EventsByType(ctx, eventType, since, minRisk)
	if err != nil {
		return nil, err
	}
	return a.open(recs), nil
}

// EventsInRange returns every event created within [from, to].
func (a *Adapter) EventsInRange(ctx context.Context, from, to time.Time) ([]schema.SecurityEvent, error) {
	recs, err := a.store.EventsInRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return a.open(recs), nil
}

// SaveIncident persists a correlation incident.
func (a *Adapter) SaveIncident(ctx context.Context, in *schema.SecurityIncident) error {
	return a.store.InsertIncident(ctx, in)
}

// SaveAnomaly persists a user anomaly.
func (a *Adapter) SaveAnomaly(ctx context.Context, an *schema.UserAnomaly) error {
	return a.store.InsertAnomaly(ctx, an)
}

// SavePattern persists a system pattern.
func (a *Adapter) SavePattern(ctx context.Context, p *schema.SystemPattern) error {
	return a.store.InsertPattern(ctx, p)
}

// SaveAlert persists an outbound alert.
func (a *Adapter) SaveAlert(ctx context.Context, al *schema.SecurityAlert) error {
	return a.store.InsertAlert(ctx, al)
}

// FindingsInRange returns the incidents, anomalies and patterns recorded
// within [from, to]. The first failing table aborts the read.
func (a *Adapter) FindingsInRange(ctx context.Context, from, to time.Time) (schema.Findings, error) {
	var f schema.Findings
	var err error
	if f.Incidents, err = a.store.IncidentsInRange(ctx, from, to); err != nil {
		return schema.Findings{}, err
	}
	if f.Anomalies, err = a.store.AnomaliesInRange(ctx, from, to); err != nil {
		return schema.Findings{}, err
	}
	if f.Patterns, err = a.store.PatternsInRange(ctx, from, to); err != nil {
		return schema.Findings{}, err
	}
	return f, nil
}

// IncidentsInRange returns incidents created within [from, to].
func (a *Adapter) IncidentsInRange(ctx context.Context, from, to time.Time) ([]schema.SecurityIncident, error) {
	return a.store.IncidentsInRange(ctx, from, to)
}

// AnomaliesInRange returns anomalies detected within [from, to].
func (a *Adapter) AnomaliesInRange(ctx context.Context, from, to time.Time) ([]schema.UserAnomaly, error) {
	return a.store.AnomaliesInRange(ctx, from, to)
}

// PatternsInRange returns patterns detected within [from, to].
func (a *Adapter) PatternsInRange(ctx context.Context, from, to time.Time) ([]schema.SystemPattern, error) {
	return a.store.PatternsInRange(ctx, from, to)
}

// AlertsInRange returns alerts created within [from, to].
func (a *Adapter) AlertsInRange(ctx context.Context, from, to time.Time) ([]schema.SecurityAlert, error) {
	return a.store.AlertsInRange(ctx, from, to)
}

// Reject records a descriptor that failed validation. Its metadata is
// dropped so unvalidated payloads never reach the store unencrypted.
func (a *Adapter) Reject(ctx context.Context, raw schema.RawEvent, reason error) error {
	raw.Metadata = nil
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal rejected event: %w", err)
	}
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	return a.store.InsertRejected(ctx, &storage.RejectedEvent{
		ID:         uuid.New(),
		RawEvent:   string(data),
		IPAddress:  raw.IPAddress,
		UserID:     raw.UserID,
		Reason:     msg,
		ReceivedAt: a.now().UTC(),
	})
}

// Ping checks the backing store.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.store.Ping(ctx)
}
