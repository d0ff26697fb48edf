package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispense results recorded by ObserveDispense.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultTimeout  = "timeout"
	ResultNotReady = "not_ready"
)

// DeviceMetrics records device handler activity.
type DeviceMetrics struct {
	dispenses       *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	slotStatus      *prometheus.GaugeVec
	relockFailures  *prometheus.CounterVec
}

// NewDeviceMetrics creates the device metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewDeviceMetrics() *DeviceMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()
	factory := promauto.With(reg)

	return &DeviceMetrics{
		dispenses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "device_dispenses_total",
				Help:      "Dispense attempts by handler and result",
			},
			[]string{"handler", "result"},
		),
		refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "device_refreshes_total",
				Help:      "Slot status refreshes by handler and result",
			},
			[]string{"handler", "result"},
		),
		refreshDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "device_refresh_duration_seconds",
				Help:      "Duration of slot status refreshes",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"handler"},
		),
		slotStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "device_slot_available",
				Help:      "1 if the slot is available, 0 if empty, -1 if in error",
			},
			[]string{"handler", "slot"},
		),
		relockFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "device_relock_failures_total",
				Help:      "Doors that failed to re-lock after an unlock",
			},
			[]string{"handler"},
		),
	}
}

// ObserveDispense records the result of a dispense attempt.
func (m *DeviceMetrics) ObserveDispense(handler, result string) {
	if m == nil {
		return
	}
	m.dispenses.WithLabelValues(handler, result).Inc()
}

// ObserveRefresh records a refresh and its duration.
func (m *DeviceMetrics) ObserveRefresh(handler string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultFailed
	}
	m.refreshes.WithLabelValues(handler, result).Inc()
	m.refreshDuration.WithLabelValues(handler).Observe(d.Seconds())
}

// SetSlotStatus records the cached status of a slot.
func (m *DeviceMetrics) SetSlotStatus(handler string, slot int, value float64) {
	if m == nil {
		return
	}
	m.slotStatus.WithLabelValues(handler, strconv.Itoa(slot)).Set(value)
}

// IncRelockFailure records a door that failed to re-lock.
func (m *DeviceMetrics) IncRelockFailure(handler string) {
	if m == nil {
		return
	}
	m.relockFailures.WithLabelValues(handler).Inc()
}
