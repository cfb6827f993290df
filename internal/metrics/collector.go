package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventBackendSelected    EventType = "backend_selected"
	EventNoBackendAvailable EventType = "no_backend_available"
	EventConnectFailed      EventType = "connect_failed"
	EventRelayCompleted     EventType = "relay_completed"
	EventHealthChanged      EventType = "health_changed"
)

type MetricEvent struct {
	Type      EventType
	Timestamp time.Time
	Backend   string
	Duration  time.Duration
	BytesIn   int64
	BytesOut  int64
	Failed    bool
	Healthy   bool
}

type Collector struct {
	eventCh  chan MetricEvent
	metrics  *Metrics
	exporter *Exporter
	logger   *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh:  make(chan MetricEvent, bufferSize),
		metrics:  NewMetrics(),
		exporter: NewExporter(),
		logger:   logger,
	}
}

// Emit queues an event without blocking. Events are dropped when the buffer
// is full. A nil collector ignores every event.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

// RegisterBackend seeds the health view for a backend before any transition
// has been observed.
func (c *Collector) RegisterBackend(backend string, healthy bool) {
	c.metrics.UpdateHealthStatus(backend, healthy)
	c.exporter.setHealth(backend, healthy)
}

// Run processes events until ctx is cancelled, then drains what is queued.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return nil
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventBackendSelected:
		c.metrics.RecordBackendSelection(event.Backend)

	case EventNoBackendAvailable:
		c.metrics.IncrementUnavailable()

	case EventConnectFailed:
		c.metrics.RecordConnectFailure(event.Backend)

	case EventRelayCompleted:
		c.metrics.RecordRelay(event.Backend, event.Duration, event.BytesIn, event.BytesOut, event.Failed)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Backend, event.Healthy)
	}

	c.exporter.observe(event)
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
