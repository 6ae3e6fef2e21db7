// Package memstore is an in-process storage.Store for tests and single-run
// tools. Nothing survives a restart.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"security-risk-engine/internal/schema"
	"security-risk-engine/internal/storage"
)

// Store keeps every table in memory. Events are held in created_at order
// with per-address, per-user and per-type position indexes.
type Store struct {
	mu sync.RWMutex

	events []storage.EventRecord
	byIP   map[string][]int
	byUser map[string][]int
	byType map[schema.EventType][]int

	incidents []schema.SecurityIncident
	anomalies []schema.UserAnomaly
	patterns  []schema.SystemPattern
	alerts    []schema.SecurityAlert
	rejected  []storage.RejectedEvent

	closed bool
}

// New creates an empty store.
func New() *Store {
	s := &Store{}
	s.reindex()
	return s
}

// InsertEvent appends rec, keeping created_at order.
func (s *Store) InsertEvent(_ context.Context, rec *storage.EventRecord) error {
	if rec == nil {
		return storage.NewStorageError("InsertEvent", storage.TableEvents, storage.ErrInvalidData)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	c := cloneRecord(*rec)
	pos := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].CreatedAt.After(c.CreatedAt)
	})
	if pos == len(s.events) {
		s.events = append(s.events, c)
		s.index(pos)
		return nil
	}
	s.events = slices.Insert(s.events, pos, c)
	s.reindex()
	return nil
}

func (s *Store) index(pos int) {
	e := &s.events[pos]
	if e.IPAddress != "" {
		s.byIP[e.IPAddress] = append(s.byIP[e.IPAddress], pos)
	}
	if e.UserID != "" {
		s.byUser[e.UserID] = append(s.byUser[e.UserID], pos)
	}
	s.byType[e.EventType] = append(s.byType[e.EventType], pos)
}

func (s *Store) reindex() {
	s.byIP = make(map[string][]int)
	s.byUser = make(map[string][]int)
	s.byType = make(map[schema.EventType][]int)
	for i := range s.events {
		s.index(i)
	}
}

// collect returns copies of the indexed events that pass keep, oldest first.
func (s *Store) collect(positions []int, keep func(*storage.EventRecord) bool) []storage.EventRecord {
	var out []storage.EventRecord
	for _, pos := range positions {
		e := &s.events[pos]
		if keep(e) {
			out = append(out, cloneRecord(*e))
		}
	}
	return out
}

func (s *Store) all() []int {
	positions := make([]int, len(s.events))
	for i := range positions {
		positions[i] = i
	}
	return positions
}

// EventsBySource returns events from ip since the given time, oldest first.
func (s *Store) EventsBySource(_ context.Context, ip string, since time.Time) ([]storage.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return s.collect(s.byIP[ip], func(e *storage.EventRecord) bool {
		return !e.CreatedAt.Before(since)
	}), nil
}

// EventsByUser returns the newest events of userID since the given time.
func (s *Store) EventsByUser(_ context.Context, userID string, since time.Time, limit int) ([]storage.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	positions := s.byUser[userID]
	var out []storage.EventRecord
	for i := len(positions) - 1; i >= 0; i-- {
		e := &s.events[positions[i]]
		if e.CreatedAt.Before(since) {
			break
		}
		out = append(out, cloneRecord(*e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// EventsSince returns events since the given time with risk >= minRisk.
func (s *Store) EventsSince(_ context.Context, since time.Time, minRisk int) ([]storage.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return s.collect(s.all(), func(e *storage.EventRecord) bool {
		return !e.CreatedAt.Before(since) && e.RiskScore >= minRisk
	}), nil
}

// EventsByType returns events of one type since the given time with risk >= minRisk.
func (s *Store) EventsByType(_ context.Context, eventType schema.EventType, since time.Time, minRisk int) ([]storage.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return s.collect(s.byType[eventType], func(e *storage.EventRecord) bool {
		return !e.CreatedAt.Before(since) && e.RiskScore >= minRisk
	}), nil
}

// EventsInRange returns events created within [from, to].
func (s *Store) EventsInRange(_ context.Context, from, to time.Time) ([]storage.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return s.collect(s.all(), func(e *storage.EventRecord) bool {
		return inRange(e.CreatedAt, from, to)
	}), nil
}

// InsertIncident appends an incident.
func (s *Store) InsertIncident(_ context.Context, in *schema.SecurityIncident) error {
	if in == nil {
		return storage.NewStorageError("InsertIncident", storage.TableIncidents, storage.ErrInvalidData)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	c := *in
	c.AffectedIPs = slices.Clone(in.AffectedIPs)
	s.incidents = append(s.incidents, c)
	return nil
}

// InsertAnomaly appends a user anomaly.
func (s *Store) InsertAnomaly(_ context.Context, a *schema.UserAnomaly) error {
	if a == nil {
		return storage.NewStorageError("InsertAnomaly", storage.TableAnomalies, storage.ErrInvalidData)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.anomalies = append(s.anomalies, *a)
	return nil
}

// InsertPattern appends a system pattern.
func (s *Store) InsertPattern(_ context.Context, p *schema.SystemPattern) error {
	if p == nil {
		return storage.NewStorageError("InsertPattern", storage.TablePatterns, storage.ErrInvalidData)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.patterns = append(s.patterns, *p)
	return nil
}

// InsertAlert appends an alert.
func (s *Store) InsertAlert(_ context.Context, a *schema.SecurityAlert) error {
	if a == nil {
		return storage.NewStorageError("InsertAlert", storage.TableAlerts, storage.ErrInvalidData)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.alerts = append(s.alerts, *a)
	return nil
}

// IncidentsInRange returns incidents created within [from, to].
func (s *Store) IncidentsInRange(_ context.Context, from, to time.Time) ([]schema.SecurityIncident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	out := filter(s.incidents, func(in *schema.SecurityIncident) bool { return inRange(in.CreatedAt, from, to) })
	for i := range out {
		out[i].AffectedIPs = slices.Clone(out[i].AffectedIPs)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AnomaliesInRange returns anomalies detected within [from, to].
func (s *Store) AnomaliesInRange(_ context.Context, from, to time.Time) ([]schema.UserAnomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	out := filter(s.anomalies, func(a *schema.UserAnomaly) bool { return inRange(a.DetectedAt, from, to) })
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// PatternsInRange returns patterns detected within [from, to].
func (s *Store) PatternsInRange(_ context.Context, from, to time.Time) ([]schema.SystemPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	out := filter(s.patterns, func(p *schema.SystemPattern) bool { return inRange(p.DetectedAt, from, to) })
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// AlertsInRange returns alerts created within [from, to].
func (s *Store) AlertsInRange(_ context.Context, from, to time.Time) ([]schema.SecurityAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	out := filter(s.alerts, func(a *schema.SecurityAlert) bool { return inRange(a.CreatedAt, from, to) })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// InsertRejected records a descriptor that failed validation.
func (s *Store) InsertRejected(_ context.Context, r *storage.RejectedEvent) error {
	if r == nil {
		return storage.NewStorageError("InsertRejected", storage.TableRejected, storage.ErrInvalidData)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.rejected = append(s.rejected, *r)
	return nil
}

// Rejected returns a copy of every rejected descriptor.
func (s *Store) Rejected() []storage.RejectedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rejected)
}

// Alerts returns a copy of every stored alert.
func (s *Store) Alerts() []schema.SecurityAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.alerts)
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// PurgeExpired drops events whose ExpiresAt is before now.
func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}

	kept := s.events[:0]
	removed := 0
	for _, e := range s.events {
		if e.ExpiresAt.Before(now) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clear(s.events[len(kept):])
	s.events = kept
	if removed > 0 {
		s.reindex()
	}
	return removed, nil
}

// Ping reports whether the store is open.
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Close marks the store closed. Further calls fail with storage.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func filter[T any](items []T, keep func(*T) bool) []T {
	var out []T
	for i := range items {
		if keep(&items[i]) {
			out = append(out, items[i])
		}
	}
	return out
}

func cloneRecord(r storage.EventRecord) storage.EventRecord {
	r.Indicators = slices.Clone(r.Indicators)
	r.ComplianceFlags = slices.Clone(r.ComplianceFlags)
	r.Metadata = nil
	return r
}

var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Purger = (*Store)(nil)
)
