// Package telemetry registers the Prometheus metrics exposed on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the federation layer records.
type Metrics struct {
	// Gossip
	GossipRounds     prometheus.Counter
	GossipMessages   prometheus.Counter
	PingFailures     prometheus.Counter
	IndirectProbes   prometheus.Counter
	Refutations      prometheus.Counter
	AntiEntropyRuns  prometheus.Counter
	MembersByStatus  *prometheus.GaugeVec
	DuplicateDrops   prometheus.Counter
	MalformedPayload prometheus.Counter

	// Quorum
	QuorumWrites        prometheus.Counter
	QuorumReads         prometheus.Counter
	QuorumFailures      *prometheus.CounterVec
	QuorumWriteLatency  prometheus.Histogram
	QuorumReadLatency   prometheus.Histogram
	ReadRepairs         prometheus.Counter
	ReplicaRetryQueued  prometheus.Counter
	ReplicaRetryDropped prometheus.Counter

	// Store
	RecordsSwept prometheus.Counter
	RelaysSwept  prometheus.Counter

	// Bootstrap
	DirectoryRejections *prometheus.CounterVec
}

// New registers all metrics on reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		GossipRounds: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_gossip_rounds_total",
			Help: "Gossip probe rounds executed",
		}),
		GossipMessages: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_gossip_messages_total",
			Help: "Gossip messages processed",
		}),
		PingFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_gossip_ping_failures_total",
			Help: "Direct pings that produced no ack",
		}),
		IndirectProbes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_gossip_indirect_probes_total",
			Help: "Indirect ping-req probes issued",
		}),
		Refutations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_gossip_refutations_total",
			Help: "Times this node refuted external suspicion of itself",
		}),
		AntiEntropyRuns: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_gossip_anti_entropy_total",
			Help: "Full state exchanges performed",
		}),
		MembersByStatus: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fedmesh_membership_servers",
			Help: "Known servers by status",
		}, []string{"status"}),
		DuplicateDrops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_gossip_duplicate_drops_total",
			Help: "Gossip messages dropped by the duplicate cache",
		}),
		MalformedPayload: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_gossip_malformed_total",
			Help: "Malformed gossip payloads dropped",
		}),

		QuorumWrites: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_quorum_writes_total",
			Help: "Quorum write operations",
		}),
		QuorumReads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_quorum_reads_total",
			Help: "Quorum read operations",
		}),
		QuorumFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fedmesh_quorum_failures_total",
			Help: "Quorum operations failed, by reason",
		}, []string{"op", "reason"}),
		QuorumWriteLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "fedmesh_quorum_write_seconds",
			Help:    "Quorum write latency",
			Buckets: prometheus.DefBuckets,
		}),
		QuorumReadLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "fedmesh_quorum_read_seconds",
			Help:    "Quorum read latency",
			Buckets: prometheus.DefBuckets,
		}),
		ReadRepairs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_quorum_read_repairs_total",
			Help: "Stale replicas repaired on read",
		}),
		ReplicaRetryQueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_quorum_replica_retries_total",
			Help: "Replica writes queued for background retry",
		}),
		ReplicaRetryDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_quorum_replica_retries_dropped_total",
			Help: "Replica retries abandoned after exhausting attempts",
		}),

		RecordsSwept: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_store_records_swept_total",
			Help: "Expired rendezvous records removed by the sweep",
		}),
		RelaysSwept: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fedmesh_store_relays_swept_total",
			Help: "Stale relay registrations removed by the sweep",
		}),

		DirectoryRejections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fedmesh_bootstrap_rejections_total",
			Help: "Directory responses rejected, by reason",
		}, []string{"reason"}),
	}
}

// Nop returns metrics bound to a throwaway registry, for tests.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
