// Package normalizer turns raw ingestion descriptors into SecurityEvents
// ready for scoring.
package normalizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"security-risk-engine/internal/geoip"
	"security-risk-engine/internal/schema"
)

// Config holds normalizer configuration.
type Config struct {
	// GeoTimeout bounds a single geolocation lookup.
	GeoTimeout time.Duration
}

// DefaultConfig returns the default normalizer configuration.
func DefaultConfig() Config {
	return Config{GeoTimeout: 2 * time.Second}
}

// Normalizer validates raw events, derives the device fingerprint and
// resolves geolocation.
type Normalizer struct {
	config    Config
	validator *schema.Validator
	resolver  geoip.Resolver
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// New creates a normalizer. A nil resolver disables geolocation.
func New(cfg Config, resolver geoip.Resolver, logger *slog.Logger, opts ...Option) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GeoTimeout <= 0 {
		cfg.GeoTimeout = DefaultConfig().GeoTimeout
	}

	n := &Normalizer{
		config:    cfg,
		validator: schema.NewValidator(),
		resolver:  resolver,
		now:       time.Now,
		logger:    logger.With("component", "normalizer"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize validates raw and builds a SecurityEvent with id, timestamps,
// fingerprint and location filled in. Classification fields are left for
// the scorer.
func (n *Normalizer) Normalize(ctx context.Context, raw schema.RawEvent) (*schema.SecurityEvent, error) {
	if err := n.validator.Validate(&raw); err != nil {
		return nil, err
	}

	createdAt := n.now().UTC()

	event := &schema.SecurityEvent{
		ID:                uuid.New(),
		UserID:            raw.UserID,
		SessionID:         raw.SessionID,
		IPAddress:         raw.IPAddress,
		UserAgent:         raw.UserAgent,
		DeviceFingerprint: Fingerprint(raw.UserAgent, raw.IPAddress, createdAt),
		Geo:               n.locate(ctx, raw.IPAddress, raw.EventType),
		EventType:         raw.EventType,
		Endpoint:          raw.Endpoint,
		Method:            raw.Method,
		StatusCode:        raw.StatusCode,
		ResponseTime:      time.Duration(raw.ResponseTime * float64(time.Millisecond)),
		SecurityLevel:     schema.LevelLow,
		ThreatType:        schema.ThreatNone,
		Metadata:          copyMetadata(raw.Metadata),
		CreatedAt:         createdAt,
		ExpiresAt:         createdAt.Add(schema.RetentionPeriod),
	}

	return event, nil
}

// locate never fails; any lookup problem yields the Unknown record.
func (n *Normalizer) locate(ctx context.Context, ip string, eventType schema.EventType) schema.GeoLocation {
	if ip == "" || n.resolver == nil {
		return schema.UnknownGeo()
	}

	lookupCtx, cancel := context.WithTimeout(ctx, n.config.GeoTimeout)
	defer cancel()

	geo, err := n.resolver.Lookup(lookupCtx, ip)
	if err != nil || geo == nil {
		n.logger.Warn("geolocation unavailable, using Unknown",
			"ip", ip,
			"event_type", eventType,
			"error", err)
		return schema.UnknownGeo()
	}
	return *geo
}

// Fingerprint hashes user agent, address and the UTC calendar day, so the
// same device matches within a day but not across days.
func Fingerprint(userAgent, ip string, at time.Time) string {
	sum := sha256.Sum256([]byte(userAgent + "|" + ip + "|" + at.UTC().Format("2006-01-02")))
	return hex.EncodeToString(sum[:])
}

func copyMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
