package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	ChannelEvents   *prometheus.CounterVec
	ToolCalls       *prometheus.CounterVec
	ToolLatency     *prometheus.HistogramVec
	Interruptions   prometheus.Counter
	CaptureDrops    prometheus.Counter
	ConnectLatency  *prometheus.HistogramVec
	ChannelFailures *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of voice sessions with a live agent channel.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		ChannelEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_events_total",
			Help:      "Realtime channel events by direction and type.",
		}, []string{"direction", "type"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_latency_ms",
			Help:      "Tool handler latency in milliseconds.",
			Buckets:   []float64{5, 20, 50, 100, 250, 500, 1000, 3000},
		}, []string{"tool"}),
		Interruptions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Assistant responses cut off by the user.",
		}),
		CaptureDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_dropped_chunks_total",
			Help:      "Microphone chunks dropped because delivery fell behind.",
		}),
		ConnectLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_ms",
			Help:      "Time from connect request to active session in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000},
		}, []string{"outcome"}),
		ChannelFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_failures_total",
			Help:      "Agent channel errors by kind.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ChannelEvent(direction, eventType string) {
	if m == nil {
		return
	}
	m.ChannelEvents.WithLabelValues(direction, eventType).Inc()
}

func (m *Metrics) ToolCall(tool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) Interruption() {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
}

func (m *Metrics) CaptureDropped() {
	if m == nil {
		return
	}
	m.CaptureDrops.Inc()
}

func (m *Metrics) ObserveConnect(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ConnectLatency.WithLabelValues(outcome).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ChannelFailure(kind string) {
	if m == nil {
		return
	}
	m.ChannelFailures.WithLabelValues(kind).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
