package raft

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace     = "nexus"
	raftSubsystem = "raft"
)

// Metrics are the consensus metrics shared by every engine of a process.
// Each series carries a "group" label.
type Metrics struct {
	Term           *prometheus.GaugeVec
	IsLeader       *prometheus.GaugeVec
	Committed      *prometheus.GaugeVec
	Elections      *prometheus.CounterVec
	Proposals      *prometheus.CounterVec // with a "status" label
	AppendRejects  *prometheus.CounterVec
	RPCErrors      *prometheus.CounterVec // with an "rpc" label
	InflightBytes  *prometheus.GaugeVec   // with a "peer" label
	Stalled        *prometheus.GaugeVec   // with a "peer" label
	StorageFailure *prometheus.GaugeVec
}

// NewMetrics initialises the prometheus metrics for the consensus engines.
func NewMetrics() *Metrics {
	group := []string{"group"}
	return &Metrics{
		Term: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: raftSubsystem,
			Name:      "term",
			Help:      "Current election term.",
		}, group),
		IsLeader: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: raftSubsystem,
			Name:      "is_leader",
			Help:      "1 when the local node leads the group.",
		}, group),
		Committed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: raftSubsystem,
			Name:      "committed_entries",
			Help:      "Number of committed entries in the log.",
		}, group),
		Elections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftSubsystem,
			Name:      "elections_total",
			Help:      "Number of elections started by the local node.",
		}, group),
		Proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftSubsystem,
			Name:      "proposals_total",
			Help:      "Number of proposals by outcome.",
		}, []string{"group", "status"}),
		AppendRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftSubsystem,
			Name:      "append_rejects_total",
			Help:      "Number of AppendEntries rejected by followers.",
		}, group),
		RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: raftSubsystem,
			Name:      "rpc_errors_total",
			Help:      "Number of outgoing RPCs that failed in transport.",
		}, []string{"group", "rpc"}),
		InflightBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: raftSubsystem,
			Name:      "inflight_bytes",
			Help:      "Unacknowledged entry bytes per follower.",
		}, []string{"group", "peer"}),
		Stalled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: raftSubsystem,
			Name:      "follower_stalled",
			Help:      "1 when a follower needs entries removed by retention and must be reseeded.",
		}, []string{"group", "peer"}),
		StorageFailure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: raftSubsystem,
			Name:      "storage_failed",
			Help:      "1 when the engine stopped after a storage failure.",
		}, group),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Term,
		m.IsLeader,
		m.Committed,
		m.Elections,
		m.Proposals,
		m.AppendRejects,
		m.RPCErrors,
		m.InflightBytes,
		m.Stalled,
		m.StorageFailure,
	}
}
