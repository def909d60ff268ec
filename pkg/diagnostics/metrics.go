package diagnostics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors the engine's components record
// against. A fresh Metrics can be registered with any prometheus.Registerer
// (or left unregistered; the collectors still work standalone since callers
// only ever invoke their Observe/Inc/Set methods directly).
type Metrics struct {
	WalAppendLatency   prometheus.Histogram
	WalFlushLatency    prometheus.Histogram
	WalRotationTotal   prometheus.Counter
	WalTrimFailures    prometheus.Counter
	LockWaitLatency    prometheus.Histogram
	LockTimeouts       prometheus.Counter
	ActiveTransactions prometheus.Gauge
	WaiterQueueDepth   *prometheus.GaugeVec
}

// NewMetrics constructs a Metrics bundle. namespace prefixes every metric
// name (e.g. "docstore"), matching the convention the rest of the
// Prometheus ecosystem expects.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		WalAppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "append_latency_seconds",
			Help:      "Latency of a single WAL append, buffered or not.",
			Buckets:   prometheus.DefBuckets,
		}),
		WalFlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "flush_latency_seconds",
			Help:      "Latency of a forced WAL flush (commit/rollback durability boundary).",
			Buckets:   prometheus.DefBuckets,
		}),
		WalRotationTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "rotations_total",
			Help:      "Count of completed WAL rotations.",
		}),
		WalTrimFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "trim_failures_total",
			Help:      "Count of TrimCommittedTransaction calls that failed (swallowed, non-fatal).",
		}),
		LockWaitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lockmgr",
			Name:      "wait_latency_seconds",
			Help:      "Time a lock Acquire spent queued before grant, timeout, or abort.",
			Buckets:   prometheus.DefBuckets,
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lockmgr",
			Name:      "timeouts_total",
			Help:      "Count of lock acquires that failed with LockTimeout.",
		}),
		ActiveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "active_transactions",
			Help:      "Current number of transactions in the active state.",
		}),
		WaiterQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lockmgr",
			Name:      "waiter_queue_depth",
			Help:      "Waiter queue length per key as of its most recent enqueue, for the suspicious-depth diagnostic.",
		}, []string{"key"}),
	}
}

// MustRegister registers every collector against reg. Panics on a
// duplicate-registration error, matching prometheus.MustRegister's own
// convention — call this once per process.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.WalAppendLatency,
		m.WalFlushLatency,
		m.WalRotationTotal,
		m.WalTrimFailures,
		m.LockWaitLatency,
		m.LockTimeouts,
		m.ActiveTransactions,
		m.WaiterQueueDepth,
	)
}
