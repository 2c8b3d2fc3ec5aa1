package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the relay.
// A nil *Metrics is valid and records nothing, which keeps tests free of
// registry setup.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter

	connections           prometheus.Gauge
	heartbeatTerminations prometheus.Counter
	messagesTotal         *prometheus.CounterVec
	protocolErrorsTotal   prometheus.Counter
	routingMissesTotal    prometheus.Counter

	sessionsIssuedTotal prometheus.Counter
	sessionsEvicted     prometheus.Counter
	sessions            prometheus.Gauge

	encodersRunning    prometheus.Gauge
	encoderStartsTotal prometheus.Counter
	encoderExitsTotal  *prometheus.CounterVec
	mediaBytesTotal    prometheus.Counter
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screencast_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screencast_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screencast_connections",
			Help: "Number of open signaling connections",
		}),
		heartbeatTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screencast_heartbeat_terminations_total",
			Help: "Connections terminated for missing a heartbeat",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screencast_messages_total",
			Help: "Inbound signaling messages by type",
		}, []string{"type"}),
		protocolErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screencast_protocol_errors_total",
			Help: "Malformed or unknown inbound messages",
		}),
		routingMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screencast_routing_misses_total",
			Help: "Messages dropped because the recipient was gone",
		}),
		sessionsIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screencast_sessions_issued_total",
			Help: "Fresh secret/code pairs issued",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screencast_sessions_evicted_total",
			Help: "Sessions removed by the retention policy",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screencast_sessions",
			Help: "Sessions known to the registry",
		}),
		encodersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screencast_encoders_running",
			Help: "Live encoder processes",
		}),
		encoderStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screencast_encoder_starts_total",
			Help: "Encoder processes started",
		}),
		encoderExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screencast_encoder_exits_total",
			Help: "Encoder process exits by outcome (stopped, clean, failed)",
		}, []string{"outcome"}),
		mediaBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screencast_media_bytes_total",
			Help: "Media bytes written to encoder input pipes",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.connections,
		m.heartbeatTerminations,
		m.messagesTotal,
		m.protocolErrorsTotal,
		m.routingMissesTotal,
		m.sessionsIssuedTotal,
		m.sessionsEvicted,
		m.sessions,
		m.encodersRunning,
		m.encoderStartsTotal,
		m.encoderExitsTotal,
		m.mediaBytesTotal,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// ConnectionOpened counts an accepted websocket and raises the open gauge.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

// ConnectionClosed lowers the open websocket gauge.
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// IncHeartbeatTerminations counts connections dropped by the heartbeat sweep.
func (m *Metrics) IncHeartbeatTerminations() {
	if m != nil {
		m.heartbeatTerminations.Inc()
	}
}

// IncMessages counts one inbound message of the given wire type.
func (m *Metrics) IncMessages(msgType string) {
	if m != nil {
		m.messagesTotal.WithLabelValues(msgType).Inc()
	}
}

// IncProtocolErrors counts error replies for malformed or unexpected messages.
func (m *Metrics) IncProtocolErrors() {
	if m != nil {
		m.protocolErrorsTotal.Inc()
	}
}

// IncRoutingMisses counts messages dropped for a missing recipient.
func (m *Metrics) IncRoutingMisses() {
	if m != nil {
		m.routingMissesTotal.Inc()
	}
}

// IncSessionsIssued increments the issued sessions counter.
func (m *Metrics) IncSessionsIssued() {
	if m != nil {
		m.sessionsIssuedTotal.Inc()
	}
}

// AddSessionsEvicted adds n to the evicted sessions counter.
func (m *Metrics) AddSessionsEvicted(n int) {
	if m != nil {
		m.sessionsEvicted.Add(float64(n))
	}
}

// SetSessions sets the stored sessions gauge.
func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

// EncoderStarted counts a launched encoder and raises the running gauge.
func (m *Metrics) EncoderStarted() {
	if m != nil {
		m.encoderStartsTotal.Inc()
		m.encodersRunning.Inc()
	}
}

// EncoderExited records a process exit; outcome is "stopped", "clean" or "failed".
func (m *Metrics) EncoderExited(outcome string) {
	if m != nil {
		m.encodersRunning.Dec()
		m.encoderExitsTotal.WithLabelValues(outcome).Inc()
	}
}

// AddMediaBytes adds n to the bytes written to encoders.
func (m *Metrics) AddMediaBytes(n int) {
	if m != nil {
		m.mediaBytesTotal.Add(float64(n))
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. session count).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
