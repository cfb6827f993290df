package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "tcplb"

// Exporter mirrors collector events into Prometheus metrics held in a
// private registry, so several collectors can coexist in one process.
type Exporter struct {
	registry        *prometheus.Registry
	selections      *prometheus.CounterVec
	unavailable     prometheus.Counter
	connectFailures *prometheus.CounterVec
	relayFailures   *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	relayDuration   *prometheus.HistogramVec
	backendUp       *prometheus.GaugeVec
}

func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_forwarded_total",
				Help:      "Client connections routed to each backend.",
			},
			[]string{"backend"},
		),
		unavailable: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unavailable_responses_total",
				Help:      "Connections answered with 503 because no backend was online.",
			},
		),
		connectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_connect_failures_total",
				Help:      "Failed attempts to connect to the selected backend.",
			},
			[]string{"backend"},
		),
		relayFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_failures_total",
				Help:      "Relays that ended with an I/O error.",
			},
			[]string{"backend"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_bytes_total",
				Help:      "Bytes relayed, by backend and direction.",
			},
			[]string{"backend", "direction"},
		),
		relayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_duration_seconds",
				Help:      "Time from backend selection to connection close.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		backendUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_up",
				Help:      "1 when the last probe reached the backend, 0 otherwise.",
			},
			[]string{"backend"},
		),
	}

	e.registry.MustRegister(
		e.selections,
		e.unavailable,
		e.connectFailures,
		e.relayFailures,
		e.bytes,
		e.relayDuration,
		e.backendUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return e
}

// Registry exposes the underlying registry for handlers and tests.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

func (e *Exporter) observe(event MetricEvent) {
	switch event.Type {
	case EventBackendSelected:
		e.selections.WithLabelValues(event.Backend).Inc()

	case EventNoBackendAvailable:
		e.unavailable.Inc()

	case EventConnectFailed:
		e.connectFailures.WithLabelValues(event.Backend).Inc()

	case EventRelayCompleted:
		e.bytes.WithLabelValues(event.Backend, "in").Add(float64(event.BytesIn))
		e.bytes.WithLabelValues(event.Backend, "out").Add(float64(event.BytesOut))
		e.relayDuration.WithLabelValues(event.Backend).Observe(event.Duration.Seconds())
		if event.Failed {
			e.relayFailures.WithLabelValues(event.Backend).Inc()
		}

	case EventHealthChanged:
		e.setHealth(event.Backend, event.Healthy)
	}
}

func (e *Exporter) setHealth(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	e.backendUp.WithLabelValues(backend).Set(v)
}
