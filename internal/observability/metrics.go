package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector holds all Prometheus metrics for kinga.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec
	SandboxMemoryPeak        *prometheus.HistogramVec
	SandboxViolationsTotal   *prometheus.CounterVec

	// Security metrics.
	SecurityValidationsTotal *prometheus.CounterVec
	SecurityCacheTotal       *prometheus.CounterVec

	// HTTP metrics for the observability endpoints.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge

	// System metrics.
	ActiveExecutions prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kinga",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"language", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kinga",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution wall time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"language"}),

		SandboxMemoryPeak: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kinga",
			Subsystem: "sandbox",
			Name:      "memory_peak_bytes",
			Help:      "Peak resident memory of sandboxed children.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 12), // 1 MiB .. 2 GiB
		}, []string{"language"}),

		SandboxViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kinga",
			Subsystem: "sandbox",
			Name:      "capability_violations_total",
			Help:      "Capability violations reported by sandboxed children.",
		}, []string{"language"}),

		SecurityValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kinga",
			Subsystem: "security",
			Name:      "validations_total",
			Help:      "Total policy validations by outcome.",
		}, []string{"capability", "outcome"}),

		SecurityCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kinga",
			Subsystem: "security",
			Name:      "cache_total",
			Help:      "Decision cache lookups.",
		}, []string{"result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kinga",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests served on the observability listener.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kinga",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Observability request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kinga",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Requests in flight on the observability listener.",
		}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kinga",
			Name:      "active_executions",
			Help:      "Number of sandbox executions in flight.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.SandboxMemoryPeak,
		m.SandboxViolationsTotal,
		m.SecurityValidationsTotal,
		m.SecurityCacheTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.ActiveExecutions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}
