// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the omega execution pipeline.
package observability

import "github.com/prometheus/client_golang/prometheus"

// ExecutionBuckets defines histogram buckets suited for script renders and
// reasoning calls, ranging from 100ms to 10m.
var ExecutionBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omega_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omega_request_duration_seconds",
			Help:    "Request duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"method", "route"},
	)

	// AttemptsTotal counts sealed execution attempts by outcome.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omega_attempts_total",
			Help: "Execution attempts",
		},
		[]string{"outcome"},
	)

	// ExecutionDuration records sandbox run duration in seconds by outcome.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omega_execution_duration_seconds",
			Help:    "Sandbox execution duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"outcome"},
	)

	// RepairRoundsTotal counts repair rounds by result (accepted, rejected, no_proposal).
	RepairRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omega_repair_rounds_total",
			Help: "Repair rounds",
		},
		[]string{"result"},
	)

	// DependencyInstallsTotal counts dependency resolutions by result
	// (installed, already_installed, unresolvable, failed).
	DependencyInstallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omega_dependency_installs_total",
			Help: "Dependency installs",
		},
		[]string{"result"},
	)

	// SandboxAcquisitionsTotal counts ensure-ready calls by result (ok, unavailable).
	SandboxAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omega_sandbox_acquisitions_total",
			Help: "Sandbox acquisitions",
		},
		[]string{"result"},
	)

	// ScriptsInflight tracks the number of executes currently driven by the supervisor.
	ScriptsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "omega_scripts_inflight",
			Help: "Scripts currently executing",
		},
	)

	// ScriptsFinishedTotal counts scripts reaching a terminal status by status and kind.
	ScriptsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omega_scripts_finished_total",
			Help: "Scripts finished",
		},
		[]string{"status", "kind"},
	)

	// ReasoningRequestsTotal counts requests sent to reasoning providers.
	ReasoningRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omega_reasoning_requests_total",
			Help: "Reasoning requests",
		},
		[]string{"provider", "role", "status"},
	)

	// ReasoningLatency records reasoning provider latency in seconds.
	ReasoningLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omega_reasoning_latency_seconds",
			Help:    "Reasoning latency",
			Buckets: ExecutionBuckets,
		},
		[]string{"provider", "role"},
	)

	// AuthRejectedTotal counts requests rejected by authentication.
	AuthRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "omega_auth_rejected_total",
			Help: "Requests rejected by authentication",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		AttemptsTotal,
		ExecutionDuration,
		RepairRoundsTotal,
		DependencyInstallsTotal,
		SandboxAcquisitionsTotal,
		ScriptsInflight,
		ScriptsFinishedTotal,
		ReasoningRequestsTotal,
		ReasoningLatency,
		AuthRejectedTotal,
	)
}
