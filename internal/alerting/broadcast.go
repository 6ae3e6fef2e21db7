package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"security-risk-engine/internal/cache"
	"security-risk-engine/internal/schema"
)

// Broadcaster delivers an alert on a named topic.
type Broadcaster interface {
	Name() string
	Broadcast(ctx context.Context, topic string, alert *schema.SecurityAlert) error
}

// jsonPublisher is satisfied by *kafka.Producer.
type jsonPublisher interface {
	PublishJSON(ctx context.Context, key string, value any) error
}

// KafkaBroadcaster writes alerts to the producer's topic keyed by alert ID.
type KafkaBroadcaster struct {
	producer jsonPublisher
}

// NewKafkaBroadcaster wraps a producer. The producer's configured topic is
// expected to match the alert topic.
func NewKafkaBroadcaster(producer jsonPublisher) *KafkaBroadcaster {
	return &KafkaBroadcaster{producer: producer}
}

func (k *KafkaBroadcaster) Name() string { return "kafka" }

func (k *KafkaBroadcaster) Broadcast(ctx context.Context, _ string, alert *schema.SecurityAlert) error {
	return k.producer.PublishJSON(ctx, alert.ID.String(), alert)
}

// RedisBroadcaster publishes alerts on a Redis pub/sub channel named after
// the topic.
type RedisBroadcaster struct {
	publisher cache.Publisher
}

// NewRedisBroadcaster wraps a publisher.
func NewRedisBroadcaster(publisher cache.Publisher) *RedisBroadcaster {
	return &RedisBroadcaster{publisher: publisher}
}

func (r *RedisBroadcaster) Name() string { return "redis" }

func (r *RedisBroadcaster) Broadcast(ctx context.Context, topic string, alert *schema.SecurityAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return r.publisher.Publish(ctx, topic, payload)
}

// WebhookConfig describes one HTTP endpoint.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// WebhookBroadcaster POSTs alerts as JSON.
type WebhookBroadcaster struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// webhookPayload is the body sent to webhook receivers.
type webhookPayload struct {
	Topic string                `json:"topic"`
	Alert *schema.SecurityAlert `json:"alert"`
}

// NewWebhookBroadcaster creates a webhook broadcaster.
func NewWebhookBroadcaster(cfg WebhookConfig) *WebhookBroadcaster {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "webhook"
	}
	return &WebhookBroadcaster{
		name:    name,
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *WebhookBroadcaster) Name() string { return w.name }

func (w *WebhookBroadcaster) Broadcast(ctx context.Context, topic string, alert *schema.SecurityAlert) error {
	payload, err := json.Marshal(webhookPayload{Topic: topic, Alert: alert})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// LogBroadcaster writes alerts to the structured log only.
type LogBroadcaster struct {
	logger *slog.Logger
}

// NewLogBroadcaster creates a log-only broadcaster.
func NewLogBroadcaster(logger *slog.Logger) *LogBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBroadcaster{logger: logger.With("component", "alert-log")}
}

func (l *LogBroadcaster) Name() string { return "log" }

func (l *LogBroadcaster) Broadcast(_ context.Context, topic string, alert *schema.SecurityAlert) error {
	level := slog.LevelWarn
	if alert.Severity == schema.LevelCritical {
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, "security alert",
		"topic", topic,
		"alert_id", alert.ID,
		"source", alert.Source,
		"source_id", alert.SourceID,
		"severity", alert.Severity,
		"title", alert.Title,
		"user_id", alert.UserID,
		"ip_address", alert.IPAddress,
		"risk_score", alert.RiskScore,
	)
	return nil
}
