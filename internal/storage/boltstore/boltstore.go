// Package boltstore implements storage.Store on a single bbolt file for
// single-node deployments. Records are JSON values; secondary indexes are
// key-only buckets ordered by creation time.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"security-risk-engine/internal/schema"
	"security-risk-engine/internal/storage"
)

var (
	bEvents    = []byte("events")      // key=id, val=json
	bByIP      = []byte("idx_ip")      // key=ip\x00ts|id
	bByUser    = []byte("idx_user")    // key=user\x00ts|id
	bByType    = []byte("idx_type")    // key=type\x00ts|id
	bByTime    = []byte("idx_time")    // key=ts|id
	bByExpiry  = []byte("idx_expires") // key=ts|id
	bIncidents = []byte("incidents")   // key=ts|id, val=json
	bAnomalies = []byte("anomalies")
	bPatterns  = []byte("patterns")
	bAlerts    = []byte("alerts")
	bRejected  = []byte("rejected")

	allBuckets = [][]byte{
		bEvents, bByIP, bByUser, bByType, bByTime, bByExpiry,
		bIncidents, bAnomalies, bPatterns, bAlerts, bRejected,
	}
)

// idSuffixLen is the length of the ts|id tail shared by every key.
const idSuffixLen = 8 + 16

// Config holds the bbolt file settings.
type Config struct {
	Path        string        `yaml:"path"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// DefaultConfig returns the default bbolt configuration.
func DefaultConfig() Config {
	return Config{
		Path:        "data/risk-engine.db",
		OpenTimeout: 2 * time.Second,
	}
}

// Store is a bbolt-backed storage.Store.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens or creates the database file and its buckets.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, storage.WrapConnectionError("Open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, storage.WrapConnectionError("Open", err)
	}
	return &Store{db: db, logger: logger.With("component", "bolt-store")}, nil
}

// tsBytes encodes t as big-endian nanoseconds so keys sort by time.
func tsBytes(t time.Time) []byte {
	b := make([]byte, 8)
	n := t.UnixNano()
	if n < 0 {
		n = 0
	}
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func timeKey(t time.Time, id uuid.UUID) []byte {
	k := make([]byte, 0, idSuffixLen)
	k = append(k, tsBytes(t)...)
	return append(k, id[:]...)
}

func indexPrefix(value string) []byte {
	p := make([]byte, 0, len(value)+1)
	p = append(p, value...)
	return append(p, 0)
}

func indexKey(value string, t time.Time, id uuid.UUID) []byte {
	return append(indexPrefix(value), timeKey(t, id)...)
}

// splitTimeKey decodes the trailing ts|id of an index key.
func splitTimeKey(k []byte) (int64, uuid.UUID, bool) {
	if len(k) < idSuffixLen {
		return 0, uuid.Nil, false
	}
	suffix := k[len(k)-idSuffixLen:]
	id, err := uuid.FromBytes(suffix[8:])
	if err != nil {
		return 0, uuid.Nil, false
	}
	return int64(binary.BigEndian.Uint64(suffix[:8])), id, true
}

// InsertEvent stores rec and its index entries in one transaction.
func (s *Store) InsertEvent(_ context.Context, rec *storage.EventRecord) error {
	if rec == nil {
		return storage.NewStorageError("InsertEvent", storage.TableEvents, storage.ErrInvalidData)
	}
	stored := *rec
	stored.Metadata = nil
	val, err := json.Marshal(&stored)
	if err != nil {
		return storage.NewStorageError("InsertEvent", storage.TableEvents, fmt.Errorf("%w: %v", storage.ErrInvalidData, err))
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		id := rec.ID
		if err := tx.Bucket(bEvents).Put(id[:], val); err != nil {
			return err
		}
		for _, e := range indexEntries(rec) {
			if err := tx.Bucket(e.bucket).Put(e.key, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storage.WrapInsertError("InsertEvent", storage.TableEvents, err)
	}
	return nil
}

type indexEntry struct {
	bucket []byte
	key    []byte
}

func indexEntries(rec *storage.EventRecord) []indexEntry {
	e := &rec.SecurityEvent
	entries := []indexEntry{
		{bByType, indexKey(string(e.EventType), e.CreatedAt, e.ID)},
		{bByTime, timeKey(e.CreatedAt, e.ID)},
		{bByExpiry, timeKey(e.ExpiresAt, e.ID)},
	}
	if e.IPAddress != "" {
		entries = append(entries, indexEntry{bByIP, indexKey(e.IPAddress, e.CreatedAt, e.ID)})
	}
	if e.UserID != "" {
		entries = append(entries, indexEntry{bByUser, indexKey(e.UserID, e.CreatedAt, e.ID)})
	}
	return entries
}

func loadEvent(tx *bolt.Tx, id uuid.UUID) (storage.EventRecord, bool, error) {
	v := tx.Bucket(bEvents).Get(id[:])
	if v == nil {
		return storage.EventRecord{}, false, nil
	}
	var rec storage.EventRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return storage.EventRecord{}, false, fmt.Errorf("decode event %s: %w", id, err)
	}
	return rec, true, nil
}

// scanForward walks bucket keys under prefix whose timestamp lies in
// [from, to], oldest first, loading each referenced event.
func scanForward(tx *bolt.Tx, bucket, prefix []byte, from, to time.Time, visit func(storage.EventRecord) bool) error {
	c := tx.Bucket(bucket).Cursor()
	start := append(append([]byte{}, prefix...), tsBytes(from)...)
	upper := to.UnixNano()
	for k, _ := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ts, id, ok := splitTimeKey(k)
		if !ok {
			continue
		}
		if ts > upper {
			break
		}
		rec, found, err := loadEvent(tx, id)
		if err != nil {
			return err
		}
		if found && !visit(rec) {
			break
		}
	}
	return nil
}

var farFuture = time.Unix(0, math.MaxInt64)

// EventsBySource returns events from ip since the given time, oldest first.
func (s *Store) EventsBySource(_ context.Context, ip string, since time.Time) ([]storage.EventRecord, error) {
	var out []storage.EventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return scanForward(tx, bByIP, indexPrefix(ip), since, farFuture, func(rec storage.EventRecord) bool {
			out = append(out, rec)
			return true
		})
	})
	if err != nil {
		return nil, storage.WrapQueryError("EventsBySource", storage.TableEvents, err)
	}
	return out, nil
}

// EventsByUser returns the newest events of userID since the given time.
func (s *Store) EventsByUser(_ context.Context, userID string, since time.Time, limit int) ([]storage.EventRecord, error) {
	var out []storage.EventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := indexPrefix(userID)
		lower := since.UnixNano()
		c := tx.Bucket(bByUser).Cursor()

		// Position on the last key under prefix.
		end := append(append([]byte{}, prefix...), bytes.Repeat([]byte{0xff}, idSuffixLen)...)
		k, _ := c.Seek(end)
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}

		for ; k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Prev() {
			ts, id, ok := splitTimeKey(k)
			if !ok {
				continue
			}
			if ts < lower {
				break
			}
			rec, found, err := loadEvent(tx, id)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, storage.WrapQueryError("EventsByUser", storage.TableEvents, err)
	}
	return out, nil
}

// EventsSince returns events since the given time with risk >= minRisk.
func (s *Store) EventsSince(_ context.Context, since time.Time, minRisk int) ([]storage.EventRecord, error) {
	var out []storage.EventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return scanForward(tx, bByTime, nil, since, farFuture, func(rec storage.EventRecord) bool {
			if rec.RiskScore >= minRisk {
				out = append(out, rec)
			}
			return true
		})
	})
	if err != nil {
		return nil, storage.WrapQueryError("EventsSince", storage.TableEvents, err)
	}
	return out, nil
}

// EventsByType returns events of one type since the given time with risk >= minRisk.
func (s *Store) EventsByType(_ context.Context, eventType schema.EventType, since time.Time, minRisk int) ([]storage.EventRecord, error) {
	var out []storage.EventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return scanForward(tx, bByType, indexPrefix(string(eventType)), since, farFuture, func(rec storage.EventRecord) bool {
			if rec.RiskScore >= minRisk {
				out = append(out, rec)
			}
			return true
		})
	})
	if err != nil {
		return nil, storage.WrapQueryError("EventsByType", storage.TableEvents, err)
	}
	return out, nil
}

// EventsInRange returns events created within [from, to].
func (s *Store) EventsInRange(_ context.Context, from, to time.Time) ([]storage.EventRecord, error) {
	var out []storage.EventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return scanForward(tx, bByTime, nil, from, to, func(rec storage.EventRecord) bool {
			out = append(out, rec)
			return true
		})
	})
	if err != nil {
		return nil, storage.WrapQueryError("EventsInRange", storage.TableEvents, err)
	}
	return out, nil
}

// putRecord stores v as JSON under ts|id in bucket.
func (s *Store) putRecord(op, table string, bucket []byte, at time.Time, id uuid.UUID, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return storage.NewStorageError(op, table, fmt.Errorf("%w: %v", storage.ErrInvalidData, err))
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(timeKey(at, id), val)
	})
	if err != nil {
		return storage.WrapInsertError(op, table, err)
	}
	return nil
}

// rangeRecords decodes every record in bucket stamped within [from, to].
func rangeRecords[T any](db *bolt.DB, bucket []byte, from, to time.Time) ([]T, error) {
	var out []T
	err := db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		upper := to.UnixNano()
		for k, v := c.Seek(tsBytes(from)); k != nil; k, v = c.Next() {
			ts, _, ok := splitTimeKey(k)
			if !ok {
				continue
			}
			if ts > upper {
				break
			}
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode %s record: %w", bucket, err)
			}
			out = append(out, item)
		}
		return nil
	})
	return out, err
}

// InsertIncident appends an incident.
func (s *Store) InsertIncident(_ context.Context, in *schema.SecurityIncident) error {
	if in == nil {
		return storage.NewStorageError("InsertIncident", storage.TableIncidents, storage.ErrInvalidData)
	}
	return s.putRecord("InsertIncident", storage.TableIncidents, bIncidents, in.CreatedAt, in.ID, in)
}

// InsertAnomaly appends a user anomaly.
func (s *Store) InsertAnomaly(_ context.Context, a *schema.UserAnomaly) error {
	if a == nil {
		return storage.NewStorageError("InsertAnomaly", storage.TableAnomalies, storage.ErrInvalidData)
	}
	return s.putRecord("InsertAnomaly", storage.TableAnomalies, bAnomalies, a.DetectedAt, a.ID, a)
}

// InsertPattern appends a system pattern.
func (s *Store) InsertPattern(_ context.Context, p *schema.SystemPattern) error {
	if p == nil {
		return storage.NewStorageError("InsertPattern", storage.TablePatterns, storage.ErrInvalidData)
	}
	return s.putRecord("InsertPattern", storage.TablePatterns, bPatterns, p.DetectedAt, p.ID, p)
}

// InsertAlert appends an alert.
func (s *Store) InsertAlert(_ context.Context, a *schema.SecurityAlert) error {
	if a == nil {
		return storage.NewStorageError("InsertAlert", storage.TableAlerts, storage.ErrInvalidData)
	}
	return s.putRecord("InsertAlert", storage.TableAlerts, bAlerts, a.CreatedAt, a.ID, a)
}

// InsertRejected records a descriptor that failed validation.
func (s *Store) InsertRejected(_ context.Context, r *storage.RejectedEvent) error {
	if r == nil {
		return storage.NewStorageError("InsertRejected", storage.TableRejected, storage.ErrInvalidData)
	}
	return s.putRecord("InsertRejected", storage.TableRejected, bRejected, r.ReceivedAt, r.ID, r)
}

// IncidentsInRange returns incidents created within [from, to].
func (s *Store) IncidentsInRange(_ context.Context, from, to time.Time) ([]schema.SecurityIncident, error) {
	out, err := rangeRecords[schema.SecurityIncident](s.db, bIncidents, from, to)
	if err != nil {
		return nil, storage.WrapQueryError("IncidentsInRange", storage.TableIncidents, err)
	}
	return out, nil
}

// AnomaliesInRange returns anomalies detected within [from, to].
func (s *Store) AnomaliesInRange(_ context.Context, from, to time.Time) ([]schema.UserAnomaly, error) {
	out, err := rangeRecords[schema.UserAnomaly](s.db, bAnomalies, from, to)
	if err != nil {
		return nil, storage.WrapQueryError("AnomaliesInRange", storage.TableAnomalies, err)
	}
	return out, nil
}

// PatternsInRange returns patterns detected within [from, to].
func (s *Store) PatternsInRange(_ context.Context, from, to time.Time) ([]schema.SystemPattern, error) {
	out, err := rangeRecords[schema.SystemPattern](s.db, bPatterns, from, to)
	if err != nil {
		return nil, storage.WrapQueryError("PatternsInRange", storage.TablePatterns, err)
	}
	return out, nil
}

// AlertsInRange returns alerts created within [from, to].
func (s *Store) AlertsInRange(_ context.Context, from, to time.Time) ([]schema.SecurityAlert, error) {
	out, err := rangeRecords[schema.SecurityAlert](s.db, bAlerts, from, to)
	if err != nil {
		return nil, storage.WrapQueryError("AlertsInRange", storage.TableAlerts, err)
	}
	return out, nil
}

// PurgeExpired deletes events whose ExpiresAt is before now together with
// their index entries.
func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var expired []uuid.UUID
		var expiryKeys [][]byte
		c := tx.Bucket(bByExpiry).Cursor()
		cutoff := now.UnixNano()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ts, id, ok := splitTimeKey(k)
			if !ok {
				continue
			}
			if ts >= cutoff {
				break
			}
			expired = append(expired, id)
			expiryKeys = append(expiryKeys, append([]byte{}, k...))
		}

		for i, id := range expired {
			rec, found, err := loadEvent(tx, id)
			if err != nil {
				return err
			}
			if found {
				for _, e := range indexEntries(&rec) {
					if err := tx.Bucket(e.bucket).Delete(e.key); err != nil {
						return err
					}
				}
				if err := tx.Bucket(bEvents).Delete(id[:]); err != nil {
					return err
				}
				removed++
			}
			if err := tx.Bucket(bByExpiry).Delete(expiryKeys[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, storage.NewStorageError("PurgeExpired", storage.TableEvents, err)
	}
	if removed > 0 {
		s.logger.Info("purged expired events", "count", removed)
	}
	return removed, nil
}

// Ping verifies the database is readable.
func (s *Store) Ping(context.Context) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bEvents) == nil {
			return fmt.Errorf("bucket %s missing", bEvents)
		}
		return nil
	})
	if err != nil {
		return storage.WrapConnectionError("Ping", err)
	}
	return nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Purger = (*Store)(nil)
)
