// Package metrics declares the Prometheus collectors exported by the task
// synchronization core: queue depth, checksum drift, idle-sync backoff and
// prefetch hit-rate/inflight counts. promauto registers each collector with
// the default registry when this package is initialized; the Bootstrap
// Coordinator updates their values.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QueueDepth reports the current size of the offline operation queue (C6).
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tasksync_offline_queue_depth",
	Help: "number of operations currently queued for offline replay",
})

// ChecksumDrift counts checksum mismatches detected against server state
// (C2).
var ChecksumDrift = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tasksync_checksum_drift_total",
	Help: "count of checksum mismatches detected between local and server state",
}, []string{"key"})

// IdleSyncBackoff reports the idle sync loop's current retry interval in
// seconds (C10).
var IdleSyncBackoff = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tasksync_idle_sync_backoff_seconds",
	Help: "current backoff interval of the idle sync loop",
})

// PrefetchHitRate reports the prefetch controller's cache hit fraction
// (C11).
var PrefetchHitRate = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tasksync_prefetch_hit_rate",
	Help: "fraction of prefetch requests served from cache",
})

// PrefetchInflight reports the prefetch controller's current inflight
// fetch count (C11).
var PrefetchInflight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tasksync_prefetch_inflight",
	Help: "number of prefetch requests currently executing",
})

// SequenceGaps counts forward gaps detected by the sequencer (C4),
// labeled by severity.
var SequenceGaps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tasksync_sequence_gaps_total",
	Help: "count of forward sequence gaps detected, by severity",
}, []string{"severity"})
