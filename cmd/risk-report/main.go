// Package main provides a CLI for generating security reports from the
// audit store and for following the alert stream.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"security-risk-engine/internal/audit"
	"security-risk-engine/internal/config"
	"security-risk-engine/internal/encryption"
	"security-risk-engine/internal/kafka"
	"security-risk-engine/internal/logging"
	"security-risk-engine/internal/reporting"
	"security-risk-engine/internal/schema"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		os.Exit(runGenerateCmd(os.Args[2:]))
	case "watch":
		os.Exit(runWatchCmd(os.Args[2:]))
	case "-version", "--version", "-v":
		fmt.Printf("risk-report %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: risk-report <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  generate  Build a security report for a time range\n")
	fmt.Fprintf(os.Stderr, "  watch     Print alerts from the Kafka alert topic\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

// setup loads configuration and a stderr logger so stdout stays JSON.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: "text", Output: os.Stderr})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runGenerateCmd(args []string) int {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	from := fs.String("from", "", "Start of the range (RFC 3339, default 24h ago)")
	to := fs.String("to", "", "End of the range (RFC 3339, default now)")
	details := fs.Bool("details", false, "Include raw events in the report")
	archive := fs.Bool("archive", false, "Upload the report to the configured S3 archive")
	fs.Parse(args)

	req, err := reportRequest(*from, *to, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	req.IncludeRawEvents = *details
	req.Archive = *archive

	cfg, logger, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := generate(ctx, cfg, req, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeReport(os.Stdout, report); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if report.Partial {
		return 3
	}
	return 0
}

// reportRequest parses the range flags. Empty bounds default to the last
// 24 hours ending at now.
func reportRequest(from, to string, now time.Time) (reporting.Request, error) {
	req := reporting.Request{From: now.Add(-24 * time.Hour), To: now}
	var err error
	if from != "" {
		if req.From, err = time.Parse(time.RFC3339, from); err != nil {
			return req, fmt.Errorf("invalid -from: %w", err)
		}
	}
	if to != "" {
		if req.To, err = time.Parse(time.RFC3339, to); err != nil {
			return req, fmt.Errorf("invalid -to: %w", err)
		}
	}
	if req.From.After(req.To) {
		return req, fmt.Errorf("-from %s is after -to %s", req.From.Format(time.RFC3339), req.To.Format(time.RFC3339))
	}
	return req, nil
}

func generate(ctx context.Context, cfg *config.Config, req reporting.Request, logger *slog.Logger) (*reporting.Report, error) {
	secretsMgr, err := cfg.NewSecretsManager(logger)
	if err != nil {
		return nil, err
	}
	defer secretsMgr.Close()

	encEngine, err := cfg.NewEncryptionEngine(ctx, secretsMgr, logger)
	if err != nil {
		return nil, err
	}

	store, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	var archiver reporting.Archiver
	if req.Archive {
		if archiver, err = cfg.NewArchiver(ctx, logger); err != nil {
			return nil, err
		}
		if archiver == nil {
			logger.Warn("archive requested but reporting.archive is disabled")
		}
	}

	agg, err := reporting.NewAggregator(audit.New(store, encryption.NewCodec(encEngine), logger), archiver, cfg.Reporting.Config, logger)
	if err != nil {
		return nil, err
	}
	return agg.Generate(ctx, req)
}

func writeReport(w io.Writer, report *reporting.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runWatchCmd(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	group := fs.String("group", "risk-report-watch", "Kafka consumer group")
	minRisk := fs.Int("min-risk", 0, "Only print alerts with at least this risk score")
	fs.Parse(args)

	cfg, logger, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(cfg.Alerting.Kafka.Brokers) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no Kafka brokers configured (set KAFKA_BROKERS)\n")
		return 1
	}

	kcfg := cfg.Alerting.Kafka.Config
	kcfg.ConsumerGroup = *group

	sub, err := kafka.NewSubscriber(&kcfg, printAlerts(os.Stdout, *minRisk), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer sub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("watching alerts", "topic", kcfg.Topic, "group", kcfg.ConsumerGroup)
	if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	m := sub.Metrics()
	logger.Info("watch stopped", "consumed", m.MessagesConsumed, "malformed", m.Malformed)
	return 0
}

// printAlerts writes one JSON line per alert at or above minRisk.
func printAlerts(w io.Writer, minRisk int) kafka.AlertHandler {
	enc := json.NewEncoder(w)
	return func(_ context.Context, alert schema.SecurityAlert) error {
		if alert.RiskScore < minRisk {
			return nil
		}
		return enc.Encode(alert)
	}
}
