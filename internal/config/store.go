package config

import (
	"context"
	"fmt"
	"log/slog"

	"security-risk-engine/internal/reporting"
	"security-risk-engine/internal/storage"
	"security-risk-engine/internal/storage/boltstore"
	"security-risk-engine/internal/storage/memstore"
	"security-risk-engine/internal/storage/s3"
)

// OpenStore opens the configured audit backend. ClickHouse is migrated and
// its table TTLs applied before use.
func (c *Config) OpenStore(ctx context.Context, logger *slog.Logger) (storage.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch c.Storage.Driver {
	case DriverClickHouse:
		logger.Info("initializing ClickHouse storage",
			"hosts", c.Storage.ClickHouse.Hosts,
			"database", c.Storage.ClickHouse.Database)
		client, err := storage.NewClickHouseClient(ctx, c.Storage.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("connect clickhouse: %w", err)
		}
		if err := storage.NewMigrator(client, logger).Run(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		storage.ApplyTTLs(ctx, client, c.Storage.Retention, logger)
		return storage.NewClickHouseStore(client, logger), nil

	case DriverBolt:
		logger.Info("initializing bolt storage", "path", c.Storage.Bolt.Path)
		s, err := boltstore.Open(c.Storage.Bolt, logger)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return s, nil

	case DriverMemory:
		logger.Warn("using in-memory storage; events are lost on restart")
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
}

// NewArchiver returns the S3 report archiver, or nil when archiving is
// disabled.
func (c *Config) NewArchiver(ctx context.Context, logger *slog.Logger) (reporting.Archiver, error) {
	if !c.Reporting.Archive.Enabled {
		return nil, nil
	}
	client, err := s3.NewClient(ctx, &c.Reporting.Archive.Config, logger)
	if err != nil {
		return nil, fmt.Errorf("report archive: %w", err)
	}
	return s3.NewArchiver(client), nil
}
