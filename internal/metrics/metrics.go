// Package metrics exposes bridge counters and gauges for Prometheus.
//
// All helper methods are safe to call on a nil *Metrics so components can
// run without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rovbridge"

// Metrics holds the bridge collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	EnvelopesReceived  *prometheus.CounterVec
	ProtocolErrors     *prometheus.CounterVec
	CommandsQueued     prometheus.Counter
	CommandsDropped    prometheus.Counter
	StatusSent         prometheus.Counter
	TCPConnected       prometheus.Gauge
	TCPConnectFailures prometheus.Counter

	SerialWrites    *prometheus.CounterVec
	SerialConnected *prometheus.GaugeVec
	SerialFailovers prometheus.Counter
	Telemetry       *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		EnvelopesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "network",
				Name:      "envelopes_received_total",
				Help:      "Envelopes received from the network peer",
			},
			[]string{"kind"},
		),
		ProtocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_errors_total",
				Help:      "Malformed messages or lines dropped",
			},
			[]string{"type"},
		),
		CommandsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "commands_queued_total",
			Help:      "Wire commands appended to the pending queue",
		}),
		CommandsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "commands_dropped_total",
			Help:      "Wire commands discarded because the queue was full",
		}),
		StatusSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "status_sent_total",
			Help:      "Status payloads sent to the network peer",
		}),
		TCPConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "connected",
			Help:      "TCP session status (0=disconnected, 1=connected)",
		}),
		TCPConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "connect_failures_total",
			Help:      "Failed connect attempts and ended sessions",
		}),

		SerialWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "serial",
				Name:      "writes_total",
				Help:      "Wire commands written to the device (result=ok|error|lost)",
			},
			[]string{"result"},
		),
		SerialConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "serial",
				Name:      "connected",
				Help:      "Serial handle status per device path (0=closed, 1=open)",
			},
			[]string{"path"},
		),
		SerialFailovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "failovers_total",
			Help:      "Switches between primary and secondary device paths",
		}),
		Telemetry: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "serial",
				Name:      "telemetry_lines_total",
				Help:      "Telemetry lines read from the device by classified field",
			},
			[]string{"field"},
		),
	}

	m.registry.MustRegister(
		m.EnvelopesReceived,
		m.ProtocolErrors,
		m.CommandsQueued,
		m.CommandsDropped,
		m.StatusSent,
		m.TCPConnected,
		m.TCPConnectFailures,
		m.SerialWrites,
		m.SerialConnected,
		m.SerialFailovers,
		m.Telemetry,
	)
	return m
}

// Registry returns the underlying Prometheus registry, e.g. to add collectors
// or gather in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Envelope(heartbeat bool) {
	if m == nil {
		return
	}
	kind := "command"
	if heartbeat {
		kind = "heartbeat"
	}
	m.EnvelopesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProtocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Queued(n, dropped int) {
	if m == nil {
		return
	}
	m.CommandsQueued.Add(float64(n))
	m.CommandsDropped.Add(float64(dropped))
}

func (m *Metrics) Sent() {
	if m == nil {
		return
	}
	m.StatusSent.Inc()
}

func (m *Metrics) SetTCPConnected(up bool) {
	if m == nil {
		return
	}
	m.TCPConnected.Set(boolGauge(up))
}

func (m *Metrics) TCPFailure() {
	if m == nil {
		return
	}
	m.TCPConnectFailures.Inc()
}

// Write records the result of writing wire commands: "ok", "error" or "lost".
func (m *Metrics) Write(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SerialWrites.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) SetSerialConnected(path string, up bool) {
	if m == nil {
		return
	}
	m.SerialConnected.WithLabelValues(path).Set(boolGauge(up))
}

func (m *Metrics) Failover() {
	if m == nil {
		return
	}
	m.SerialFailovers.Inc()
}

// TelemetryLine counts a line under its classified field, or "other".
func (m *Metrics) TelemetryLine(field string) {
	if m == nil {
		return
	}
	if field == "" {
		field = "other"
	}
	m.Telemetry.WithLabelValues(field).Inc()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
