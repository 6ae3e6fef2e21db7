package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTL settings for the finding tables. Events carry
// their own expires_at and are not configurable here.
type RetentionConfig struct {
	FindingsTTL time.Duration `yaml:"findings_ttl"`
	AlertsTTL   time.Duration `yaml:"alerts_ttl"`
	RejectedTTL time.Duration `yaml:"rejected_ttl"`
}

// DefaultRetentionConfig keeps findings as long as the events they derive from.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		FindingsTTL: 365 * 24 * time.Hour,
		AlertsTTL:   365 * 24 * time.Hour,
		RejectedTTL: 90 * 24 * time.Hour,
	}
}

type tablePolicy struct {
	table  string
	column string
	ttl    time.Duration
}

func (c RetentionConfig) policies() []tablePolicy {
	return []tablePolicy{
		{TableIncidents, "created_at", c.FindingsTTL},
		{TableAnomalies, "detected_at", c.FindingsTTL},
		{TablePatterns, "detected_at", c.FindingsTTL},
		{TableAlerts, "created_at", c.AlertsTTL},
		{TableRejected, "received_at", c.RejectedTTL},
	}
}

// ttlStatement renders the ALTER statement for one policy, or "" when the
// policy is disabled.
func ttlStatement(p tablePolicy) string {
	if p.ttl <= 0 {
		return ""
	}
	days := int(p.ttl.Hours() / 24)
	if days < 1 {
		days = 1
	}
	return fmt.Sprintf(
		"ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
		sanitizeTableName(p.table), sanitizeTableName(p.column), days,
	)
}

// ApplyTTLs updates TTL settings on the finding tables. Failures are logged
// and do not stop the remaining tables.
func ApplyTTLs(ctx context.Context, client *ClickHouseClient, cfg RetentionConfig, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	for _, p := range cfg.policies() {
		query := ttlStatement(p)
		if query == "" {
			continue
		}
		if err := client.Exec(ctx, query); err != nil {
			logger.Warn("failed to apply TTL policy",
				"table", p.table,
				"error", err)
			continue
		}
		logger.Info("applied retention policy",
			"table", p.table,
			"ttl", p.ttl)
	}
}

// sanitizeTableName ensures an identifier contains only safe characters.
func sanitizeTableName(name string) string {
	var result []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' {
			result = append(result, b)
		}
	}
	return string(result)
}
