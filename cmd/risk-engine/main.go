// Package main is the entry point for the risk engine service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"security-risk-engine/internal/alerting"
	"security-risk-engine/internal/api"
	"security-risk-engine/internal/audit"
	"security-risk-engine/internal/cache"
	"security-risk-engine/internal/config"
	"security-risk-engine/internal/correlation"
	"security-risk-engine/internal/encryption"
	"security-risk-engine/internal/engine"
	"security-risk-engine/internal/geoip"
	"security-risk-engine/internal/kafka"
	"security-risk-engine/internal/logging"
	"security-risk-engine/internal/metrics"
	"security-risk-engine/internal/normalizer"
	"security-risk-engine/internal/reporting"
	"security-risk-engine/internal/scoring"
	"security-risk-engine/internal/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("risk engine stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: os.Stdout})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"storage_driver", cfg.Storage.Driver,
		"encryption_enabled", cfg.Encryption.Enabled,
		"kafka_enabled", cfg.Alerting.Kafka.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
		"geoip_enabled", cfg.GeoIP.Enabled,
		"archive_enabled", cfg.Reporting.Archive.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Error("close failed", "error", err)
			}
		}
	}()

	// Secrets and metadata encryption.
	secretsMgr, err := cfg.NewSecretsManager(logger)
	if err != nil {
		return fmt.Errorf("secrets manager: %w", err)
	}
	closers = append(closers, secretsMgr)

	encEngine, err := cfg.NewEncryptionEngine(ctx, secretsMgr, logger)
	if err != nil {
		return fmt.Errorf("encryption engine: %w", err)
	}

	// Audit store.
	store, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		return err
	}
	closers = append(closers, store)
	auditor := audit.New(store, encryption.NewCodec(encEngine), logger)

	// Optional shared Redis connection.
	var redisClient *cache.Redis
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis.RedisConfig)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		closers = append(closers, redisClient)
	}

	// Normalization, scoring and correlation.
	var resolver geoip.Resolver
	if cfg.GeoIP.Enabled {
		var geoCache cache.Store = cache.NewMemory()
		if redisClient != nil {
			geoCache = redisClient
		}
		resolver = geoip.NewCachedResolver(geoip.NewHTTPResolver(cfg.GeoIP.HTTPConfig, logger), geoCache, cfg.GeoIP.CacheTTL, logger)
	}
	norm := normalizer.New(normalizer.Config{GeoTimeout: cfg.GeoIP.LookupTimeout}, resolver, logger)

	scorer, err := scoring.NewScorer(cfg.Scoring, logger)
	if err != nil {
		return fmt.Errorf("scorer: %w", err)
	}

	m := metrics.New()
	m.RegisterAudit(auditor)

	correlator, err := correlation.NewEngine(auditor, cfg.Correlation, logger, correlation.WithObserver(m))
	if err != nil {
		return fmt.Errorf("correlation engine: %w", err)
	}

	// Alerting.
	broadcasters, err := buildBroadcasters(ctx, cfg, redisClient, logger, &closers)
	if err != nil {
		return err
	}
	dispatcher, err := alerting.NewDispatcher(auditor, cfg.Alerting.Config, logger, broadcasters...)
	if err != nil {
		return fmt.Errorf("alert dispatcher: %w", err)
	}
	m.RegisterDispatcher(dispatcher)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	// Reporting with optional S3 archive.
	archiver, err := cfg.NewArchiver(ctx, logger)
	if err != nil {
		return err
	}
	aggregator, err := reporting.NewAggregator(auditor, archiver, cfg.Reporting.Config, logger)
	if err != nil {
		return fmt.Errorf("report aggregator: %w", err)
	}

	svc, err := engine.New(engine.Deps{
		Normalizer:  norm,
		Scorer:      scorer,
		Audit:       auditor,
		Correlation: correlator,
		Dispatcher:  dispatcher,
		Reports:     aggregator,
		Recorder:    m,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.Deps{Engine: svc, Metrics: m.Handler(), Logger: logger}, cfg.Server)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	if purger, ok := store.(storage.Purger); ok {
		g.Go(func() error {
			purgeLoop(gctx, purger, cfg.Storage.PurgeInterval, logger)
			return nil
		})
	}

	logger.Info("risk engine started")
	err = g.Wait()
	logger.Info("risk engine shutting down",
		"alerts_delivered", dispatcher.Stats().Delivered,
		"metadata_sealed", auditor.Stats().Sealed)
	return err
}

// buildBroadcasters assembles the alert sinks. Connections it opens are
// appended to closers.
func buildBroadcasters(ctx context.Context, cfg *config.Config, redisClient *cache.Redis, logger *slog.Logger, closers *[]io.Closer) ([]alerting.Broadcaster, error) {
	var out []alerting.Broadcaster

	if cfg.Alerting.Kafka.Enabled {
		kcfg := cfg.Alerting.Kafka.Config
		if cfg.Alerting.Kafka.EnsureTopic {
			if err := kafka.EnsureTopic(ctx, &kcfg, logger); err != nil {
				return nil, fmt.Errorf("ensure kafka topic: %w", err)
			}
		}
		producer, err := kafka.NewProducer(&kcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		*closers = append(*closers, producer)
		out = append(out, alerting.NewKafkaBroadcaster(producer))
	}

	if cfg.Alerting.Redis {
		if redisClient == nil {
			return nil, errors.New("alerting.redis requires redis enabled")
		}
		out = append(out, alerting.NewRedisBroadcaster(redisClient))
	}

	for _, wh := range cfg.Alerting.Webhooks {
		out = append(out, alerting.NewWebhookBroadcaster(wh))
	}

	if cfg.Alerting.Log {
		out = append(out, alerting.NewLogBroadcaster(logger))
	}

	names := make([]string, 0, len(out))
	for _, b := range out {
		names = append(names, b.Name())
	}
	logger.Info("alert broadcasters configured", "broadcasters", names)
	return out, nil
}

// purgeLoop removes expired events from backends without native TTLs.
func purgeLoop(ctx context.Context, p storage.Purger, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.PurgeExpired(ctx, now.UTC())
			if err != nil {
				logger.Error("purge expired events failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired events", "removed", n)
			}
		}
	}
}
