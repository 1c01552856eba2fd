package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// namespace is the leading part of all published metrics for the log stores.
const namespace = "nexus"

const logSubsystem = "log" // sub-system associated with metrics for partition logs.

// Metrics are a set of metrics concerned with partition log storage.
// Every series carries a "group" label naming the partition.
type Metrics struct {
	AppendedEntries *prometheus.CounterVec
	AppendedBytes   *prometheus.CounterVec
	AppendDuration  *prometheus.HistogramVec
	CompactedTotal  *prometheus.CounterVec
	Truncations     *prometheus.CounterVec
	IOErrors        *prometheus.CounterVec
}

// NewMetrics initialises the prometheus metrics for log storage.
func NewMetrics() *Metrics {
	names := []string{"group"}
	return &Metrics{
		AppendedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: logSubsystem,
			Name:      "appended_entries_total",
			Help:      "Number of entries appended to the log.",
		}, names),
		AppendedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: logSubsystem,
			Name:      "appended_bytes_total",
			Help:      "Number of encoded entry bytes appended to the log.",
		}, names),
		AppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: logSubsystem,
			Name:      "append_duration_seconds",
			Help:      "Time taken to durably append a batch of entries.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, names),
		CompactedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: logSubsystem,
			Name:      "compacted_entries_total",
			Help:      "Number of entries removed by retention.",
		}, names),
		Truncations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: logSubsystem,
			Name:      "truncations_total",
			Help:      "Number of times a conflicting log suffix was truncated.",
		}, names),
		IOErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: logSubsystem,
			Name:      "io_errors_total",
			Help:      "Number of storage operations that failed.",
		}, names),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.AppendedEntries,
		m.AppendedBytes,
		m.AppendDuration,
		m.CompactedTotal,
		m.Truncations,
		m.IOErrors,
	}
}
