package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every recording method is safe to
// call on a nil *Metrics, so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Terminal metrics
	TerminalsActive  prometheus.Gauge
	TerminalsCreated prometheus.Counter
	TerminalExits    *prometheus.CounterVec
	TerminalAttaches *prometheus.CounterVec

	// Host metrics
	HostCommands     *prometheus.HistogramVec
	HostBreakerState *prometheus.GaugeVec

	// WebSocket metrics
	WSConnections   prometheus.Gauge
	WSMessages      *prometheus.CounterVec
	WSFramesDropped prometheus.Counter
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	startTime := time.Now()

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "termhost_uptime_seconds",
			Help: "Service uptime in seconds",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termhost_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "termhost_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		TerminalsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "termhost_terminals_active",
				Help: "Number of terminals in the registry",
			},
		),
		TerminalsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "termhost_terminals_created_total",
				Help: "Total number of terminals created",
			},
		),
		TerminalExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termhost_terminal_exits_total",
				Help: "Terminals that left the running state, by final status",
			},
			[]string{"status"},
		),
		TerminalAttaches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termhost_terminal_attach_total",
				Help: "Reattach attempts by result",
			},
			[]string{"result"},
		),

		HostCommands: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "termhost_host_command_duration_seconds",
				Help:    "Duration of session host commands",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"backend", "command", "result"},
		),
		HostBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "termhost_host_breaker_state",
				Help: "Host command circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"backend"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "termhost_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termhost_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
		WSFramesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "termhost_ws_frames_dropped_total",
				Help: "Outbound frames dropped because a connection's queue was full",
			},
		),
	}
}

// Handler serves this instance's registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetTerminalsActive sets the registry size.
func (m *Metrics) SetTerminalsActive(count int) {
	if m == nil {
		return
	}
	m.TerminalsActive.Set(float64(count))
}

// IncTerminalsCreated counts a new terminal.
func (m *Metrics) IncTerminalsCreated() {
	if m == nil {
		return
	}
	m.TerminalsCreated.Inc()
}

// RecordTerminalExit counts a terminal reaching a final status.
func (m *Metrics) RecordTerminalExit(status string) {
	if m == nil {
		return
	}
	m.TerminalExits.WithLabelValues(status).Inc()
}

// RecordAttach counts a reattach attempt.
func (m *Metrics) RecordAttach(result string) {
	if m == nil {
		return
	}
	m.TerminalAttaches.WithLabelValues(result).Inc()
}

// RecordHostCommand records how long a host command took.
func (m *Metrics) RecordHostCommand(backend, command, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HostCommands.WithLabelValues(backend, command, result).Observe(duration.Seconds())
}

// SetHostBreakerState records the host command breaker state as its
// numeric value.
func (m *Metrics) SetHostBreakerState(backend string, state int) {
	if m == nil {
		return
	}
	m.HostBreakerState.WithLabelValues(backend).Set(float64(state))
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSFramesDropped counts a frame evicted from a full send queue.
func (m *Metrics) IncWSFramesDropped() {
	if m == nil {
		return
	}
	m.WSFramesDropped.Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
