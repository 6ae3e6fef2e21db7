package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes keyed messages to the configured topic with bounded
// retries.
type Producer struct {
	writer messageWriter
	config *Config
	logger *slog.Logger
	closed atomic.Bool

	produced      atomic.Int64
	bytes         atomic.Int64
	errors        atomic.Int64
	retries       atomic.Int64
	lastError     atomic.Value // string
	lastErrorTime atomic.Value // time.Time
}

// NewProducer creates a producer for config.Topic.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kafka-producer")

	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: config.BatchTimeout,
		MaxAttempts:  1,
		WriteTimeout: config.WriteTimeout,
		ReadTimeout:  config.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.Compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"compression", config.CompressionType,
	)

	return newProducer(writer, config, logger), nil
}

func newProducer(w messageWriter, config *Config, logger *slog.Logger) *Producer {
	return &Producer{writer: w, config: config, logger: logger}
}

// Publish sends one message. Messages with the same key land on the same
// partition.
func (p *Producer) Publish(ctx context.Context, key string, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(value) == 0 {
		return ErrInvalidMessage
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}
	return p.write(ctx, msg)
}

// PublishJSON marshals value and sends it.
func (p *Producer) PublishJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal message: %w", err)
	}
	return p.Publish(ctx, key, data)
}

func (p *Producer) write(ctx context.Context, msg kafka.Message) error {
	var lastErr error
	backoff := p.config.RetryBackoff

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.produced.Add(1)
			p.bytes.Add(int64(len(msg.Key) + len(msg.Value)))
			return nil
		}

		lastErr = err
		p.errors.Add(1)
		p.lastError.Store(err.Error())
		p.lastErrorTime.Store(time.Now())

		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.MaxRetries+1,
		)

		if isNonRetryable(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

// Metrics returns current producer counters.
func (p *Producer) Metrics() Metrics {
	m := Metrics{
		MessagesProduced: p.produced.Load(),
		BytesProduced:    p.bytes.Load(),
		Errors:           p.errors.Load(),
		Retries:          p.retries.Load(),
	}
	if v, ok := p.lastError.Load().(string); ok {
		m.LastError = v
	}
	if v, ok := p.lastErrorTime.Load().(time.Time); ok {
		m.LastErrorTime = v
	}
	return m
}

// HealthCheck dials the first broker and reads cluster metadata.
func (p *Producer) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{LastCheck: time.Now()}
	if p.closed.Load() {
		status.Error = "producer is closed"
		return status
	}

	start := time.Now()
	dialer, err := p.config.Dialer()
	if err != nil {
		status.Error = err.Error()
		return status
	}
	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		status.Error = fmt.Sprintf("failed to get brokers: %v", err)
		return status
	}

	status.Latency = time.Since(start)
	status.Healthy = true
	status.BrokerCount = len(brokers)
	return status
}

// Close flushes buffered messages and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("closing kafka producer",
		"messages_produced", p.produced.Load(),
		"bytes_produced", p.bytes.Load(),
	)

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

func isNonRetryable(err error) bool {
	for _, e := range []error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
