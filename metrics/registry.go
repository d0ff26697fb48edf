// Package metrics exposes Prometheus metrics of the dispense server and its
// device handlers.
//
// Metrics are opt-in: until InitRegistry is called every constructor returns
// nil, and every recorder method is a no-op on a nil receiver.
//
//	reg := metrics.InitRegistry()
//	devMetrics := metrics.NewDeviceMetrics()
//	handler, _ := coke.New(coke.WithMetrics(devMetrics), ...)
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Namespace prefixes every metric name.
const Namespace = "dispense"

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry enables metrics and returns the registry. Go runtime and
// process collectors are registered with it. Calling it again returns the
// existing registry.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()

	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()

	return registry != nil
}

// GetRegistry returns the registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()

	return registry
}

// Reset disables metrics and drops the registry. Tests use it to start from a clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	registry = nil
}
