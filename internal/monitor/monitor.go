package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sandbox metrics
var (
	SandboxActiveCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bay",
		Subsystem: "sandbox",
		Name:      "active_count",
		Help:      "Current number of sandboxes by status",
	}, []string{"status"})

	SandboxCreateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bay",
		Subsystem: "sandbox",
		Name:      "create_latency_seconds",
		Help:      "Latency of creating a sandbox row",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	SandboxEnsureRunningLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bay",
		Subsystem: "sandbox",
		Name:      "ensure_running_latency_seconds",
		Help:      "Latency of EnsureRunning, including cold-start container provisioning",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})
)

// Session metrics
var (
	SessionActiveCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bay",
		Subsystem: "session",
		Name:      "active_count",
		Help:      "Number of sessions currently running",
	})

	SessionContainerCreationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bay",
		Subsystem: "session",
		Name:      "container_creation_errors_total",
		Help:      "Total number of container creation errors during session start",
	})

	SessionReadinessPollLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bay",
		Subsystem: "session",
		Name:      "readiness_poll_latency_seconds",
		Help:      "Time spent polling a container's health endpoint until ready",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

// Capability metrics
var (
	CapabilityCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bay",
		Subsystem: "capability",
		Name:      "call_latency_seconds",
		Help:      "Latency of a capability call, by capability",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"capability"})

	CapabilityCallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bay",
		Subsystem: "capability",
		Name:      "call_errors_total",
		Help:      "Total number of capability call errors, by capability and error code",
	}, []string{"capability", "code"})
)

// GC metrics
var (
	GCTaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bay",
		Subsystem: "gc",
		Name:      "task_runs_total",
		Help:      "Total number of GC task runs that acquired the lease, by task name",
	}, []string{"task"})

	GCReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bay",
		Subsystem: "gc",
		Name:      "reaped_total",
		Help:      "Total number of resources reaped, by task name",
	}, []string{"task"})
)

// Idempotency metrics
var (
	IdempotencyReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bay",
		Subsystem: "idempotency",
		Name:      "replays_total",
		Help:      "Total number of requests served from the idempotency cache instead of re-executing",
	})
)
