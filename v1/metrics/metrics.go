package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ExecuteCounter tracks the number of executed calls.
	ExecuteCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bulwark_execute_total",
		Help: "Total number of executed calls",
	})
	// ExecuteFailureCounter tracks calls that ended in a terminal error.
	ExecuteFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bulwark_execute_failures_total",
		Help: "Total number of calls that ended in a terminal error",
	})
	// LeaseGauge reports the number of quorum leases currently held.
	LeaseGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bulwark_leases_held",
		Help: "Current number of quorum leases held",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers bulwark core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ExecuteCounter, ExecuteFailureCounter, LeaseGauge)
}
