// Package metrics exposes Prometheus collectors for the gateway.
//
// Metrics:
//   - freechat_asks_total: asks by provider and outcome
//   - freechat_ask_setup_seconds: time until the upstream started answering
//   - freechat_asks_in_flight: asks currently streaming
//   - freechat_stream_bytes_total: answer bytes written to callers
//   - freechat_frames_dropped_total: upstream frames that failed to decode
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "freechat"

// Ask outcomes, used as the "outcome" label.
const (
	OutcomeOK           = "ok"
	OutcomeInvalidState = "invalid_state"
	OutcomeTransport    = "transport"
	OutcomeMissingID    = "missing_id"
	OutcomeError        = "error"
)

// Metrics holds the gateway's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	asks          *prometheus.CounterVec
	setup         *prometheus.HistogramVec
	inFlight      *prometheus.GaugeVec
	streamBytes   *prometheus.CounterVec
	framesDropped *prometheus.CounterVec
}

// New creates the collectors and registers them with registry. A nil
// registry gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,

		asks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "asks_total",
				Help:      "Total number of asks by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		setup: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ask_setup_seconds",
				Help:      "Time from receiving an ask until the upstream started answering",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),

		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "asks_in_flight",
				Help:      "Number of asks currently streaming an answer",
			},
			[]string{"provider"},
		),

		streamBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_bytes_total",
				Help:      "Total answer bytes written to callers",
			},
			[]string{"provider"},
		),

		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Total upstream frames dropped because they failed to decode",
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(m.asks, m.setup, m.inFlight, m.streamBytes, m.framesDropped)

	return m
}

// RecordAsk counts a finished ask setup and, for successful ones, how long
// the upstream took to start answering.
func (m *Metrics) RecordAsk(provider, outcome string, setup time.Duration) {
	m.asks.WithLabelValues(provider, outcome).Inc()
	if outcome == OutcomeOK {
		m.setup.WithLabelValues(provider).Observe(setup.Seconds())
	}
}

// StreamStarted marks an ask as streaming. The returned func records the
// bytes written and must be called once when the stream ends.
func (m *Metrics) StreamStarted(provider string) func(written int64) {
	g := m.inFlight.WithLabelValues(provider)
	g.Inc()
	return func(written int64) {
		g.Dec()
		m.streamBytes.WithLabelValues(provider).Add(float64(written))
	}
}

// DropCounter returns a callback for provider.Options.OnDrop that counts
// one undecodable upstream frame per call.
func (m *Metrics) DropCounter(provider string) func() {
	c := m.framesDropped.WithLabelValues(provider)
	return c.Inc
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
