package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"security-risk-engine/internal/correlation"
	"security-risk-engine/internal/queue"
	"security-risk-engine/internal/schema"
)

// Config controls alert triggering and delivery.
type Config struct {
	Topic           string          `yaml:"topic"`
	RiskThreshold   int             `yaml:"risk_threshold"`
	Workers         int             `yaml:"workers"`
	QueueSize       int             `yaml:"queue_size"`
	DeliveryTimeout time.Duration   `yaml:"delivery_timeout"`
	Webhooks        []WebhookConfig `yaml:"webhooks"`
}

// DefaultConfig returns the standard dispatcher settings.
func DefaultConfig() Config {
	return Config{
		Topic:           "security-alerts",
		RiskThreshold:   70,
		Workers:         4,
		QueueSize:       1024,
		DeliveryTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.Topic == "" {
		return errors.New("alerting: topic is required")
	}
	if c.RiskThreshold < 0 || c.RiskThreshold > 100 {
		return fmt.Errorf("alerting: risk_threshold %d out of range", c.RiskThreshold)
	}
	if c.Workers < 1 {
		return errors.New("alerting: at least one worker is required")
	}
	if c.DeliveryTimeout <= 0 {
		return errors.New("alerting: delivery_timeout must be positive")
	}
	for _, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("alerting: webhook %q has no url", w.Name)
		}
	}
	return nil
}

// Task is one unit of alert work.
type Task struct {
	Alert      schema.SecurityAlert
	EnqueuedAt time.Time
}

// AlertStore persists alerts.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *schema.SecurityAlert) error
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Submitted         int64 `json:"submitted"`
	Dropped           int64 `json:"dropped"`
	Delivered         int64 `json:"delivered"`
	PersistFailures   int64 `json:"persist_failures"`
	BroadcastFailures int64 `json:"broadcast_failures"`
}

// Dispatcher persists and broadcasts alerts from a bounded queue drained by
// a fixed worker pool. Submission never blocks; a full queue drops the task.
type Dispatcher struct {
	store        AlertStore
	broadcasters []Broadcaster
	cfg          Config
	logger       *slog.Logger
	tasks        *queue.RingBuffer[Task]

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	cancel    context.CancelFunc

	submitted         atomic.Int64
	dropped           atomic.Int64
	delivered         atomic.Int64
	persistFailures   atomic.Int64
	broadcastFailures atomic.Int64
}

// NewDispatcher creates a dispatcher. Call Start before submitting work.
func NewDispatcher(store AlertStore, cfg Config, logger *slog.Logger, broadcasters ...Broadcaster) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		broadcasters: broadcasters,
		cfg:          cfg,
		logger:       logger.With("component", "alerting"),
		tasks:        queue.NewRingBuffer[Task](cfg.QueueSize),
	}, nil
}

// Start launches the workers. They keep ctx's values but not its
// cancellation: only Stop ends them, after the queue has drained, so alerts
// queued during shutdown are still delivered.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx, i)
		}
		names := make([]string, len(d.broadcasters))
		for i, b := range d.broadcasters {
			names[i] = b.Name()
		}
		d.logger.Info("alert dispatcher started",
			"workers", d.cfg.Workers,
			"queue_size", d.tasks.Cap(),
			"broadcasters", names)
	})
}

// Stop closes the queue, lets the workers drain what is already queued and
// waits for them to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.tasks.Close()
		d.wg.Wait()
		if d.cancel != nil {
			d.cancel()
		}
		s := d.Stats()
		d.logger.Info("alert dispatcher stopped",
			"delivered", s.Delivered,
			"dropped", s.Dropped)
	})
}

// Evaluate submits an alert for the event when its risk reaches the
// threshold, and one per critical finding. It returns the number of tasks
// accepted.
func (d *Dispatcher) Evaluate(event *schema.SecurityEvent, findings []correlation.Finding) int {
	if event == nil {
		return 0
	}
	accepted := 0
	if event.RiskScore >= d.cfg.RiskThreshold {
		if d.Submit(NewEventAlert(event)) {
			accepted++
		}
	}
	for _, f := range findings {
		if f.Severity != schema.LevelCritical {
			continue
		}
		if d.Submit(NewFindingAlert(event, f)) {
			accepted++
		}
	}
	return accepted
}

// Submit enqueues an alert without blocking. It reports whether the task
// was accepted.
func (d *Dispatcher) Submit(alert schema.SecurityAlert) bool {
	err := d.tasks.Push(Task{Alert: alert, EnqueuedAt: time.Now()})
	if err != nil {
		d.dropped.Add(1)
		d.logger.Warn("alert dropped",
			"alert_id", alert.ID,
			"source", alert.Source,
			"severity", alert.Severity,
			"reason", err)
		return false
	}
	d.submitted.Add(1)
	return true
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		task, err := d.tasks.PopContext(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && ctx.Err() == nil {
				d.logger.Error("alert worker stopped", "worker", id, "error", err)
			}
			return
		}
		d.deliver(ctx, task)
	}
}

// deliver persists and fans out one alert. A persistence failure does not
// prevent the broadcast.
func (d *Dispatcher) deliver(ctx context.Context, task Task) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	alert := task.Alert
	logger := d.logger.With("alert_id", alert.ID, "source", alert.Source, "severity", alert.Severity)

	if err := d.store.SaveAlert(ctx, &alert); err != nil {
		d.persistFailures.Add(1)
		logger.Error("failed to persist alert", "error", err)
	}

	failed := 0
	for _, b := range d.broadcasters {
		if err := b.Broadcast(ctx, d.cfg.Topic, &alert); err != nil {
			failed++
			d.broadcastFailures.Add(1)
			logger.Error("alert broadcast failed", "broadcaster", b.Name(), "error", err)
		}
	}
	if len(d.broadcasters) == 0 || failed < len(d.broadcasters) {
		d.delivered.Add(1)
	}
	logger.Debug("alert delivered",
		"queued_for", time.Since(task.EnqueuedAt),
		"failed_broadcasts", failed)
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted:         d.submitted.Load(),
		Dropped:           d.dropped.Load(),
		Delivered:         d.delivered.Load(),
		PersistFailures:   d.persistFailures.Load(),
		BroadcastFailures: d.broadcastFailures.Load(),
	}
}

// QueueMetrics exposes the underlying queue counters.
func (d *Dispatcher) QueueMetrics() queue.QueueMetrics {
	return d.tasks.Metrics()
}
