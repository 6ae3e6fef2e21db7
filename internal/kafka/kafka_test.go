package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"security-risk-engine/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Topic != DefaultTopic {
		t.Errorf("Topic = %q, want %q", cfg.Topic, DefaultTopic)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty brokers", func(c *Config) { c.Brokers = nil }, true},
		{"empty topic", func(c *Config) { c.Topic = "" }, true},
		{"invalid partitions", func(c *Config) { c.Partitions = 0 }, true},
		{"invalid replication factor", func(c *Config) { c.ReplicationFactor = 0 }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"invalid security protocol", func(c *Config) { c.SecurityProtocol = "INVALID" }, true},
		{"sasl without mechanism", func(c *Config) { c.SecurityProtocol = "SASL_PLAINTEXT" }, true},
		{
			name: "sasl without credentials",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "PLAIN"
			},
			wantErr: true,
		},
		{
			name: "valid sasl",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "SCRAM-SHA-512"
				c.SASLUsername = "engine"
				c.SASLPassword = "secret"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompression(t *testing.T) {
	tests := []struct {
		in   string
		want kafka.Compression
	}{
		{"gzip", kafka.Gzip},
		{"snappy", kafka.Snappy},
		{"lz4", kafka.Lz4},
		{"zstd", kafka.Zstd},
		{"none", 0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cfg := &Config{CompressionType: tt.in}
			if got := cfg.Compression(); got != tt.want {
				t.Errorf("Compression() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDialer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SecurityProtocol = "SASL_PLAINTEXT"
	cfg.SASLMechanism = "PLAIN"
	cfg.SASLUsername = "engine"
	cfg.SASLPassword = "secret"

	d, err := cfg.Dialer()
	if err != nil {
		t.Fatalf("Dialer() error = %v", err)
	}
	if d.SASLMechanism == nil {
		t.Error("expected SASL mechanism")
	}
	if d.TLS != nil {
		t.Error("TLS should be off for SASL_PLAINTEXT")
	}

	cfg.TLSCAFile = "/nonexistent/ca.pem"
	cfg.SecurityProtocol = "SSL"
	if _, err := cfg.Dialer(); err == nil {
		t.Error("expected error for missing CA file")
	}
}

func TestTopicConfig(t *testing.T) {
	cfg := DefaultConfig()
	tc := topicConfig(cfg)

	if tc.Topic != DefaultTopic || tc.NumPartitions != 3 || tc.ReplicationFactor != 1 {
		t.Errorf("topicConfig() = %+v", tc)
	}
	if tc.ConfigEntries[0].ConfigName != "retention.ms" || tc.ConfigEntries[0].ConfigValue != "2592000000" {
		t.Errorf("retention entry = %+v", tc.ConfigEntries[0])
	}
}

type fakeWriter struct {
	mu       sync.Mutex
	failures []error
	written  []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.failures) > 0 {
		err := w.failures[0]
		w.failures = w.failures[1:]
		return err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testProducer(w *fakeWriter) *Producer {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return newProducer(w, cfg, testLogger())
}

func TestProducerPublishJSON(t *testing.T) {
	w := &fakeWriter{}
	p := testProducer(w)

	alert := schema.SecurityAlert{ID: uuid.New(), Severity: schema.LevelCritical, Title: "t"}
	if err := p.PublishJSON(context.Background(), alert.ID.String(), alert); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	if len(w.written) != 1 {
		t.Fatalf("written = %d, want 1", len(w.written))
	}
	if string(w.written[0].Key) != alert.ID.String() {
		t.Errorf("key = %q", w.written[0].Key)
	}
	var got schema.SecurityAlert
	if err := json.Unmarshal(w.written[0].Value, &got); err != nil || got.ID != alert.ID {
		t.Errorf("value round trip = %+v, %v", got, err)
	}
	if m := p.Metrics(); m.MessagesProduced != 1 || m.BytesProduced == 0 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestProducerRetries(t *testing.T) {
	transient := errors.New("broker unavailable")

	tests := []struct {
		name        string
		failures    []error
		wantErr     bool
		wantWritten int
		wantRetries int64
	}{
		{"succeeds after retries", []error{transient, transient}, false, 1, 2},
		{"gives up", []error{transient, transient, transient, transient}, true, 0, 3},
		{"non-retryable", []error{kafka.MessageSizeTooLarge}, true, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{failures: tt.failures}
			p := testProducer(w)

			err := p.Publish(context.Background(), "k", []byte("v"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Publish() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(w.written) != tt.wantWritten {
				t.Errorf("written = %d, want %d", len(w.written), tt.wantWritten)
			}
			m := p.Metrics()
			if m.Retries != tt.wantRetries {
				t.Errorf("Retries = %d, want %d", m.Retries, tt.wantRetries)
			}
			if tt.wantErr && m.LastError == "" {
				t.Error("LastError not recorded")
			}
		})
	}
}

func TestProducerClosed(t *testing.T) {
	w := &fakeWriter{}
	p := testProducer(w)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := p.Publish(context.Background(), "k", []byte("v")); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrProducerClosed", err)
	}
	if err := testProducer(&fakeWriter{}).Publish(context.Background(), "k", nil); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("Publish(nil) error = %v, want ErrInvalidMessage", err)
	}
}

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	fetchErrs []error
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.messages) > 0 {
		m := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestSubscriberRun(t *testing.T) {
	good := schema.SecurityAlert{ID: uuid.New(), Title: "ok"}
	rejected := schema.SecurityAlert{ID: uuid.New(), Title: "reject"}
	goodJSON, _ := json.Marshal(good)
	rejectedJSON, _ := json.Marshal(rejected)

	reader := &fakeReader{
		fetchErrs: []error{errors.New("rebalance in progress")},
		messages: []kafka.Message{
			{Offset: 1, Value: goodJSON},
			{Offset: 2, Value: []byte("{not json")},
			{Offset: 3, Value: rejectedJSON},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var handled []string
	handler := func(_ context.Context, a schema.SecurityAlert) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, a.Title)
		if a.Title == "reject" {
			cancel()
			return errors.New("downstream unavailable")
		}
		return nil
	}

	s := newSubscriber(reader, handler, testLogger())
	s.fetchBackoff = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if len(handled) != 2 || handled[0] != "ok" || handled[1] != "reject" {
		t.Errorf("handled = %v", handled)
	}
	// Offset 3 failed in the handler and stays uncommitted.
	if len(reader.committed) != 2 || reader.committed[0] != 1 || reader.committed[1] != 2 {
		t.Errorf("committed = %v, want [1 2]", reader.committed)
	}
	m := s.Metrics()
	if m.MessagesConsumed != 1 || m.Malformed != 1 || m.Errors != 2 {
		t.Errorf("Metrics() = %+v", m)
	}
}
