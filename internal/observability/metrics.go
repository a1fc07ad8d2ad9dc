// Package observability provides metrics and logging setup for the bridge.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus metrics for stream sessions and the
// gateway client.
type Metrics struct {
	// StreamEvents counts events forwarded to emitters.
	// Labels: event_type
	StreamEvents *prometheus.CounterVec

	// ParseErrors counts unusable NDJSON lines.
	ParseErrors prometheus.Counter

	// BackpressureFaults counts sessions terminated because their queue
	// stayed full.
	BackpressureFaults prometheus.Counter

	// ActiveSessions tracks currently running stream sessions.
	ActiveSessions prometheus.Gauge

	// SessionDuration measures session lifetime in seconds.
	// Labels: outcome (complete|error)
	SessionDuration *prometheus.HistogramVec

	// TimeToFirstContent measures seconds from session start to the
	// first text or thinking chunk.
	TimeToFirstContent prometheus.Histogram

	// GatewayRequests counts RPC calls against the gateway.
	// Labels: method, status (success|error|timeout)
	GatewayRequests *prometheus.CounterVec
}

// NewMetrics creates and registers metrics on the given registerer. A nil
// registerer leaves the metrics unregistered (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_stream_events_total",
			Help: "Events forwarded to session emitters.",
		}, []string{"event_type"}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_parse_errors_total",
			Help: "Unusable NDJSON lines absorbed by the parser.",
		}),
		BackpressureFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_backpressure_faults_total",
			Help: "Sessions terminated because the event queue stayed full.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_active_sessions",
			Help: "Currently running stream sessions.",
		}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_session_duration_seconds",
			Help:    "Stream session lifetime.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		TimeToFirstContent: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_time_to_first_content_seconds",
			Help:    "Delay from session start to first content chunk.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_gateway_requests_total",
			Help: "RPC calls against the agent gateway.",
		}, []string{"method", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.StreamEvents,
			m.ParseErrors,
			m.BackpressureFaults,
			m.ActiveSessions,
			m.SessionDuration,
			m.TimeToFirstContent,
			m.GatewayRequests,
		)
	}
	return m
}
