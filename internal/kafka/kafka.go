// Package kafka publishes security alerts to a Kafka topic and reads them
// back for downstream tooling.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// DefaultTopic carries alert broadcasts.
const DefaultTopic = "security-alerts"

// Common errors.
var (
	ErrProducerClosed = errors.New("kafka: producer is closed")
	ErrInvalidMessage = errors.New("kafka: invalid message")
)

// Config holds Kafka connection and behavior configuration.
type Config struct {
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`

	// Topic creation.
	Partitions        int   `yaml:"partitions"`
	ReplicationFactor int   `yaml:"replication_factor"`
	RetentionMs       int64 `yaml:"retention_ms"`

	// CompressionType: none, gzip, snappy, lz4, zstd.
	CompressionType string `yaml:"compression_type"`

	// SecurityProtocol: PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL.
	SecurityProtocol string `yaml:"security_protocol"`
	SASLMechanism    string `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string `yaml:"sasl_username,omitempty"`
	SASLPassword     string `yaml:"sasl_password,omitempty"`

	TLSEnabled    bool   `yaml:"tls_enabled"`
	TLSCertFile   string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile    string `yaml:"tls_key_file,omitempty"`
	TLSCAFile     string `yaml:"tls_ca_file,omitempty"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify,omitempty"`

	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	RequiredAcks int           `yaml:"required_acks"` // -1=all, 0=none, 1=leader

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Brokers:           []string{"localhost:9092"},
		Topic:             DefaultTopic,
		ConsumerGroup:     "risk-report",
		Partitions:        3,
		ReplicationFactor: 1,
		RetentionMs:       30 * 24 * 60 * 60 * 1000, // 30 days
		CompressionType:   "lz4",
		SecurityProtocol:  "PLAINTEXT",
		BatchTimeout:      10 * time.Millisecond,
		MaxRetries:        3,
		RetryBackoff:      100 * time.Millisecond,
		RequiredAcks:      -1,
		DialTimeout:       10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	if c.Partitions < 1 {
		return errors.New("kafka: partitions must be at least 1")
	}
	if c.ReplicationFactor < 1 {
		return errors.New("kafka: replication factor must be at least 1")
	}
	if c.MaxRetries < 0 {
		return errors.New("kafka: max retries cannot be negative")
	}

	switch c.SecurityProtocol {
	case "PLAINTEXT", "SSL":
	case "SASL_PLAINTEXT", "SASL_SSL":
		switch c.SASLMechanism {
		case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			return fmt.Errorf("kafka: invalid SASL mechanism: %s", c.SASLMechanism)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return errors.New("kafka: SASL username and password required for SASL authentication")
		}
	default:
		return fmt.Errorf("kafka: invalid security protocol: %s", c.SecurityProtocol)
	}

	return nil
}

// Compression returns the kafka-go compression codec.
func (c *Config) Compression() kafka.Compression {
	switch c.CompressionType {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

// Dialer returns a kafka.Dialer with TLS and SASL applied.
func (c *Config) Dialer() (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   c.DialTimeout,
		DualStack: true,
	}

	if c.TLSEnabled || c.SecurityProtocol == "SSL" || c.SecurityProtocol == "SASL_SSL" {
		tlsConfig, err := c.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure TLS: %w", err)
		}
		dialer.TLS = tlsConfig
	}

	if c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL" {
		mechanism, err := c.saslMechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure SASL: %w", err)
		}
		dialer.SASLMechanism = mechanism
	}

	return dialer, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.TLSSkipVerify {
		slog.Warn("TLS certificate verification is disabled for Kafka")
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.TLSCAFile != "" {
		caCert, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (c *Config) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", c.SASLMechanism)
	}
}

// Metrics holds producer and subscriber counters.
type Metrics struct {
	MessagesProduced int64
	BytesProduced    int64
	MessagesConsumed int64
	Malformed        int64
	Errors           int64
	Retries          int64
	LastError        string
	LastErrorTime    time.Time
}

// HealthStatus represents the health of a Kafka component.
type HealthStatus struct {
	Healthy     bool          `json:"healthy"`
	LastCheck   time.Time     `json:"last_check"`
	Latency     time.Duration `json:"latency"`
	Error       string        `json:"error,omitempty"`
	BrokerCount int           `json:"broker_count"`
}
