package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"security-risk-engine/internal/schema"
	"security-risk-engine/internal/storage"
	"security-risk-engine/internal/storage/storagetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	s, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTemp(t)
	})
}

func TestStore_Reopen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	rec := storagetest.Event("10.0.0.9", "dave", schema.EventDataExport, 55, 0)
	if err := s.InsertEvent(ctx, rec); err != nil {
		t.Fatalf("InsertEvent() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = Open(cfg, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	got, err := s.EventsByUser(ctx, "dave", storagetest.Base, 0)
	if err != nil {
		t.Fatalf("EventsByUser() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != rec.ID {
		t.Errorf("events after reopen = %v", got)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestStore_UserPrefixIsolation(t *testing.T) {
	s := openTemp(t)
	defer s.Close()
	ctx := context.Background()

	for _, user := range []string{"al", "alice", "alicia"} {
		rec := storagetest.Event("10.0.0.1", user, schema.EventAPIRequest, 10, time.Minute)
		if err := s.InsertEvent(ctx, rec); err != nil {
			t.Fatalf("InsertEvent() error = %v", err)
		}
	}

	for _, user := range []string{"al", "alice", "alicia"} {
		got, err := s.EventsByUser(ctx, user, storagetest.Base, 0)
		if err != nil {
			t.Fatalf("EventsByUser(%q) error = %v", user, err)
		}
		if len(got) != 1 || got[0].UserID != user {
			t.Errorf("EventsByUser(%q) = %d events", user, len(got))
		}
	}
}

func TestKeyEncoding(t *testing.T) {
	id := uuid.New()
	at := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)

	k := indexKey("10.0.0.1", at, id)
	ts, gotID, ok := splitTimeKey(k)
	if !ok {
		t.Fatal("splitTimeKey() failed")
	}
	if ts != at.UnixNano() || gotID != id {
		t.Errorf("splitTimeKey() = %d %s, want %d %s", ts, gotID, at.UnixNano(), id)
	}

	earlier := timeKey(at.Add(-time.Nanosecond), uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff"))
	later := timeKey(at, uuid.Nil)
	if string(earlier) >= string(later) {
		t.Error("time keys do not sort chronologically")
	}

	if _, _, ok := splitTimeKey([]byte("short")); ok {
		t.Error("splitTimeKey() accepted a short key")
	}
}
