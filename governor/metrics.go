package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// callsTotal counts hook invocations by plugin and outcome.
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pluginhost_calls_total",
		Help: "Total number of sandboxed hook invocations",
	}, []string{"plugin", "outcome"})

	// callDuration tracks hook invocation latency.
	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pluginhost_call_duration_seconds",
		Help:    "Histogram of sandboxed hook invocation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// violationsTotal counts governor threshold violations by reason.
	violationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pluginhost_violations_total",
		Help: "Total number of resource policy violations",
	}, []string{"plugin", "reason"})

	// faultsTotal counts instances demoted to the faulted state.
	faultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pluginhost_faults_total",
		Help: "Total number of instance faults",
	}, []string{"plugin"})

	// memoryBytes reports the current linear memory size per plugin.
	memoryBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pluginhost_memory_bytes",
		Help: "Linear memory size of each plugin instance in bytes",
	}, []string{"plugin"})
)
