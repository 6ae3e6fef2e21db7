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

	"security-risk-engine/internal/schema"
)

// AlertHandler processes one decoded alert. Returning an error leaves the
// message uncommitted.
type AlertHandler func(ctx context.Context, alert schema.SecurityAlert) error

// messageReader is the subset of kafka.Reader the subscriber uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Subscriber reads alerts from the alert topic as a consumer group member.
type Subscriber struct {
	reader       messageReader
	handler      AlertHandler
	logger       *slog.Logger
	fetchBackoff time.Duration

	consumed  atomic.Int64
	malformed atomic.Int64
	errors    atomic.Int64
}

// NewSubscriber creates a group reader on config.Topic.
func NewSubscriber(config *Config, handler AlertHandler, logger *slog.Logger) (*Subscriber, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("kafka: alert handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kafka-subscriber")

	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.ConsumerGroup,
		Topic:          config.Topic,
		Dialer:         dialer,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	})

	logger.Info("kafka subscriber initialized",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"group", config.ConsumerGroup,
	)

	return newSubscriber(reader, handler, logger), nil
}

func newSubscriber(r messageReader, handler AlertHandler, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		reader:       r,
		handler:      handler,
		logger:       logger,
		fetchBackoff: time.Second,
	}
}

// Run consumes until ctx is cancelled. Malformed messages are committed and
// skipped so they cannot wedge the partition.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.errors.Add(1)
			s.logger.Error("failed to fetch message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.fetchBackoff):
				continue
			}
		}

		var alert schema.SecurityAlert
		if err := json.Unmarshal(msg.Value, &alert); err != nil {
			s.malformed.Add(1)
			s.logger.Warn("skipping malformed alert",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
			s.commit(ctx, msg)
			continue
		}

		if err := s.handler(ctx, alert); err != nil {
			s.errors.Add(1)
			s.logger.Error("alert handler failed",
				"alert_id", alert.ID,
				"offset", msg.Offset,
				"error", err)
			continue
		}

		s.consumed.Add(1)
		s.commit(ctx, msg)
	}
}

func (s *Subscriber) commit(ctx context.Context, msg kafka.Message) {
	if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		s.logger.Error("failed to commit offset", "offset", msg.Offset, "error", err)
	}
}

// Metrics returns subscriber counters.
func (s *Subscriber) Metrics() Metrics {
	return Metrics{
		MessagesConsumed: s.consumed.Load(),
		Malformed:        s.malformed.Load(),
		Errors:           s.errors.Load(),
	}
}

// Close leaves the consumer group.
func (s *Subscriber) Close() error {
	return s.reader.Close()
}
