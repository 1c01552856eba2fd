package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace       = "nexus"
	brokerSubsystem = "broker"
)

// Metrics are the broker API metrics. Series carry a "topic" label.
type Metrics struct {
	Produced          *prometheus.CounterVec // with a "status" label
	ProduceDuration   *prometheus.HistogramVec
	Consumed          *prometheus.CounterVec
	CommittedMessages *prometheus.CounterVec
	CommittedBytes    *prometheus.CounterVec
	Compacted         *prometheus.CounterVec
	Partitions        prometheus.Gauge
}

// NewMetrics initialises the prometheus metrics for the broker.
func NewMetrics() *Metrics {
	topic := []string{"topic"}
	return &Metrics{
		Produced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: brokerSubsystem,
			Name:      "produced_total",
			Help:      "Number of produce calls by outcome.",
		}, []string{"topic", "status"}),
		ProduceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: brokerSubsystem,
			Name:      "produce_duration_seconds",
			Help:      "Time from produce to majority commit.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, topic),
		Consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: brokerSubsystem,
			Name:      "consumed_messages_total",
			Help:      "Number of messages returned to consumers.",
		}, topic),
		CommittedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: brokerSubsystem,
			Name:      "committed_messages_total",
			Help:      "Number of messages committed on hosted partitions.",
		}, topic),
		CommittedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: brokerSubsystem,
			Name:      "committed_bytes_total",
			Help:      "Encoded size of messages committed on hosted partitions.",
		}, topic),
		Compacted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: brokerSubsystem,
			Name:      "retention_removed_total",
			Help:      "Number of messages removed by retention.",
		}, topic),
		Partitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: brokerSubsystem,
			Name:      "hosted_partitions",
			Help:      "Number of partitions with a replica on this node.",
		}),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Produced,
		m.ProduceDuration,
		m.Consumed,
		m.CommittedMessages,
		m.CommittedBytes,
		m.Compacted,
		m.Partitions,
	}
}
