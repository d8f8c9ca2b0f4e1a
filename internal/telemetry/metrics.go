package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var NodesRegisteredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "meshguard",
		Subsystem: "nodes",
		Name:      "registered_total",
		Help:      "Total number of node registrations by outcome.",
	},
	[]string{"outcome"}, // new, reregistered, conflict, pool_exhausted
)

var HeartbeatsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "meshguard",
		Subsystem: "agent",
		Name:      "heartbeats_total",
		Help:      "Total number of agent heartbeats processed.",
	},
)

var TrustActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "meshguard",
		Subsystem: "trust",
		Name:      "actions_total",
		Help:      "Total number of trust engine actions by action.",
	},
	[]string{"action"},
)

var TrustScore = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "meshguard",
		Subsystem: "trust",
		Name:      "score",
		Help:      "Most recent trust score per node.",
	},
	[]string{"hostname"},
)

var PeersProgrammedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "meshguard",
		Subsystem: "overlay",
		Name:      "peers_programmed_total",
		Help:      "Total number of overlay peer table operations by op and outcome.",
	},
	[]string{"op", "outcome"}, // op: add, remove; outcome: ok, error
)

var StaleNodes = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "meshguard",
		Subsystem: "nodes",
		Name:      "stale",
		Help:      "Number of active nodes whose last heartbeat is older than the node timeout.",
	},
)

var PoolUtilization = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "meshguard",
		Subsystem: "ipam",
		Name:      "pool_utilization_percent",
		Help:      "Percentage of the overlay pool currently allocated.",
	},
	[]string{"pool"}, // node, client
)

var ConfigBuildsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "meshguard",
		Subsystem: "policy",
		Name:      "config_builds_total",
		Help:      "Total number of per-node config bundles compiled.",
	},
)

var AccessEvaluationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "meshguard",
		Subsystem: "policy",
		Name:      "access_evaluations_total",
		Help:      "Total number of user access evaluations by decision.",
	},
	[]string{"action"}, // allow, deny, require_mfa
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "meshguard",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "status"},
)

// All returns all meshguard-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		NodesRegisteredTotal,
		HeartbeatsTotal,
		TrustActionsTotal,
		TrustScore,
		StaleNodes,
		PeersProgrammedTotal,
		PoolUtilization,
		ConfigBuildsTotal,
		AccessEvaluationsTotal,
		HTTPRequestDuration,
	}
}

// NewMetricsRegistry builds a prometheus registry with process/go collectors
// plus the given application collectors.
func NewMetricsRegistry(cs ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(cs...)
	return reg
}
