package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"security-risk-engine/internal/encryption"
	"security-risk-engine/internal/schema"
	"security-risk-engine/internal/storage"
	"security-risk-engine/internal/storage/memstore"
	"security-risk-engine/internal/storage/storagetest"
)

func newCodec(t *testing.T) *encryption.Codec {
	t.Helper()
	key, err := encryption.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	engine, err := encryption.NewEngine(&encryption.Config{Enabled: true, MasterKey: key, KeyVersion: 1})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return encryption.NewCodec(engine)
}

func testEvent(meta map[string]any) *schema.SecurityEvent {
	created := storagetest.Base
	return &schema.SecurityEvent{
		IPAddress:     "198.51.100.4",
		UserID:        "erin",
		Geo:           schema.UnknownGeo(),
		EventType:     schema.EventDataExport,
		SecurityLevel: schema.LevelLow,
		ThreatType:    schema.ThreatNone,
		Metadata:      meta,
		CreatedAt:     created,
		ExpiresAt:     created.Add(schema.RetentionPeriod),
	}
}

func TestPersist_SealsMetadata(t *testing.T) {
	store := memstore.New()
	a := New(store, newCodec(t), nil)
	ctx := context.Background()

	meta := map[string]any{"rows": float64(1200), "table": "customers"}
	id, err := a.Persist(ctx, testEvent(meta))
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("Persist() returned nil id")
	}

	raw, _ := store.EventsBySource(ctx, "198.51.100.4", storagetest.Base)
	if len(raw) != 1 {
		t.Fatalf("store holds %d events, want 1", len(raw))
	}
	if !encryption.IsSealed(raw[0].SealedMetadata) {
		t.Errorf("stored metadata is not sealed: %q", raw[0].SealedMetadata)
	}
	if strings.Contains(raw[0].SealedMetadata, "customers") {
		t.Error("plaintext leaked into the store")
	}

	got, err := a.RecentBySource(ctx, "198.51.100.4", storagetest.Base)
	if err != nil {
		t.Fatalf("RecentBySource() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("RecentBySource() = %v", got)
	}
	if got[0].Metadata["table"] != "customers" || got[0].Metadata["rows"] != float64(1200) {
		t.Errorf("Metadata = %v", got[0].Metadata)
	}
	if s := a.Stats(); s.Sealed != 1 || s.SealFallbacks != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestPersist_FallsBackToPlaintext(t *testing.T) {
	store := memstore.New()
	a := New(store, newCodec(t), nil)
	ctx := context.Background()

	// Channels cannot be serialized, so sealing fails.
	if _, err := a.Persist(ctx, testEvent(map[string]any{"bad": make(chan int)})); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	raw, _ := store.EventsBySource(ctx, "198.51.100.4", storagetest.Base)
	if len(raw) != 1 || encryption.IsSealed(raw[0].SealedMetadata) {
		t.Fatalf("expected a plaintext record, got %v", raw)
	}
	if s := a.Stats(); s.SealFallbacks != 1 {
		t.Errorf("SealFallbacks = %d, want 1", s.SealFallbacks)
	}

	got, err := a.RecentByUser(ctx, "erin", storagetest.Base, 10)
	if err != nil {
		t.Fatalf("RecentByUser() error = %v", err)
	}
	if len(got) != 1 || got[0].Metadata == nil {
		t.Errorf("RecentByUser() = %v", got)
	}
}

func TestPersist_DisabledCodec(t *testing.T) {
	store := memstore.New()
	a := New(store, encryption.NewCodec(nil), nil)
	ctx := context.Background()

	if _, err := a.Persist(ctx, testEvent(map[string]any{"k": "v"})); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	raw, _ := store.EventsBySource(ctx, "198.51.100.4", storagetest.Base)
	if raw[0].SealedMetadata != `plain:{"k":"v"}` {
		t.Errorf("SealedMetadata = %q", raw[0].SealedMetadata)
	}

	got, _ := a.RecentGlobal(ctx, storagetest.Base, 0)
	if len(got) != 1 || got[0].Metadata["k"] != "v" {
		t.Errorf("RecentGlobal() = %v", got)
	}
}

func TestRead_UndecryptableMetadataIsEmpty(t *testing.T) {
	store := memstore.New()
	a := New(store, newCodec(t), nil)
	ctx := context.Background()

	rec := storagetest.Event("198.51.100.9", "", schema.EventAPIRequest, 10, 0)
	rec.SealedMetadata = "enc:bm90LWEtcmVhbC1jaXBoZXJ0ZXh0LWF0LWFsbC0xMjM0NQ=="
	if err := store.InsertEvent(ctx, rec); err != nil {
		t.Fatalf("InsertEvent() error = %v", err)
	}

	got, err := a.RecentByType(ctx, schema.EventAPIRequest, storagetest.Base, 0)
	if err != nil {
		t.Fatalf("RecentByType() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("RecentByType() returned %d events", len(got))
	}
	if got[0].Metadata == nil || len(got[0].Metadata) != 0 {
		t.Errorf("Metadata = %v, want empty map", got[0].Metadata)
	}
	if s := a.Stats(); s.UnsealFailures != 1 {
		t.Errorf("UnsealFailures = %d, want 1", s.UnsealFailures)
	}
}

func TestPersist_AssignsID(t *testing.T) {
	a := New(memstore.New(), nil, nil)
	ev := testEvent(nil)
	id, err := a.Persist(context.Background(), ev)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if id == uuid.Nil || ev.ID != id {
		t.Errorf("Persist() id = %s, event id = %s", id, ev.ID)
	}

	if _, err := a.Persist(context.Background(), nil); !errors.Is(err, storage.ErrInvalidData) {
		t.Errorf("Persist(nil) error = %v, want ErrInvalidData", err)
	}
}

func TestFindingsInRange(t *testing.T) {
	a := New(memstore.New(), nil, nil)
	ctx := context.Background()
	at := storagetest.Base

	if err := a.SaveIncident(ctx, &schema.SecurityIncident{ID: uuid.New(), CreatedAt: at}); err != nil {
		t.Fatalf("SaveIncident() error = %v", err)
	}
	if err := a.SaveAnomaly(ctx, &schema.UserAnomaly{ID: uuid.New(), DetectedAt: at}); err != nil {
		t.Fatalf("SaveAnomaly() error = %v", err)
	}
	if err := a.SavePattern(ctx, &schema.SystemPattern{ID: uuid.New(), DetectedAt: at.Add(2 * time.Hour)}); err != nil {
		t.Fatalf("SavePattern() error = %v", err)
	}

	f, err := a.FindingsInRange(ctx, at, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("FindingsInRange() error = %v", err)
	}
	if len(f.Incidents) != 1 || len(f.Anomalies) != 1 || len(f.Patterns) != 0 {
		t.Errorf("FindingsInRange() = %d/%d/%d", len(f.Incidents), len(f.Anomalies), len(f.Patterns))
	}
}

func TestReject(t *testing.T) {
	store := memstore.New()
	a := New(store, nil, nil)

	raw := schema.RawEvent{
		EventType: "not_a_type",
		IPAddress: "203.0.113.1",
		Metadata:  map[string]any{"password": "hunter2"},
	}
	if err := a.Reject(context.Background(), raw, schema.ErrInvalidEvent); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	rejected := store.Rejected()
	if len(rejected) != 1 {
		t.Fatalf("rejected = %d, want 1", len(rejected))
	}
	r := rejected[0]
	if r.IPAddress != "203.0.113.1" || r.Reason != schema.ErrInvalidEvent.Error() {
		t.Errorf("rejected record = %+v", r)
	}
	if strings.Contains(r.RawEvent, "hunter2") {
		t.Error("rejected record kept unvalidated metadata")
	}
	if raw.Metadata == nil {
		t.Error("Reject() modified the caller's descriptor")
	}
}
