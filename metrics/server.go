package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerMetrics records protocol server activity.
type ServerMetrics struct {
	commands     *prometheus.CounterVec
	sessions     prometheus.Gauge
	authFailures *prometheus.CounterVec
	sales        *prometheus.CounterVec
}

// NewServerMetrics creates the server metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewServerMetrics() *ServerMetrics {
	if !IsEnabled() {
		return nil
	}

	factory := promauto.With(GetRegistry())

	return &ServerMetrics{
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "server_commands_total",
				Help:      "Commands handled by command and response code",
			},
			[]string{"command", "code"},
		),
		sessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "server_sessions",
				Help:      "Currently connected client sessions",
			},
		),
		authFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "server_auth_failures_total",
				Help:      "Refused authentication attempts by method",
			},
			[]string{"method"},
		),
		sales: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "server_sales_cents_total",
				Help:      "Cents charged for dispensed items by item type",
			},
			[]string{"type"},
		),
	}
}

// RecordCommand records a handled command and its response code.
func (m *ServerMetrics) RecordCommand(command string, code int) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, strconv.Itoa(code)).Inc()
}

// SessionOpened increments the session gauge.
func (m *ServerMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionClosed decrements the session gauge.
func (m *ServerMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// RecordAuthFailure records a refused AUTOAUTH or PASS.
func (m *ServerMetrics) RecordAuthFailure(method string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(method).Inc()
}

// RecordSale records the price charged for a dispensed item.
func (m *ServerMetrics) RecordSale(itemType string, cents int) {
	if m == nil {
		return
	}
	m.sales.WithLabelValues(itemType).Add(float64(cents))
}
