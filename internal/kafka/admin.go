package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// topicConfig renders the creation request for the configured topic.
func topicConfig(cfg *Config) kafka.TopicConfig {
	entries := []kafka.ConfigEntry{
		{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(cfg.RetentionMs, 10)},
		{ConfigName: "cleanup.policy", ConfigValue: "delete"},
	}
	return kafka.TopicConfig{
		Topic:             cfg.Topic,
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
		ConfigEntries:     entries,
	}
}

// EnsureTopic creates the configured topic on the cluster controller if it
// does not already exist.
func EnsureTopic(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := cfg.Dialer()
	if err != nil {
		return err
	}

	conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka: failed to list topics: %w", err)
	}
	for _, p := range partitions {
		if p.Topic == cfg.Topic {
			logger.Debug("kafka topic already exists", "topic", cfg.Topic)
			return nil
		}
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}
	controllerConn, err := dialer.DialContext(ctx, "tcp",
		net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	if err := controllerConn.CreateTopics(topicConfig(cfg)); err != nil {
		return fmt.Errorf("kafka: failed to create topic %s: %w", cfg.Topic, err)
	}

	logger.Info("kafka topic created",
		"topic", cfg.Topic,
		"partitions", cfg.Partitions,
		"replication_factor", cfg.ReplicationFactor,
	)
	return nil
}
