package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scp_long"

var (
	// EnvelopesRouted counts control envelopes that matched the permission matrix.
	EnvelopesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_routed_total",
		Help:      "Control envelopes accepted by the permission matrix.",
	}, []string{"sender", "action", "type"})

	// EnvelopesIgnored counts envelopes dropped before any mutation.
	EnvelopesIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_ignored_total",
		Help:      "Control envelopes dropped without applying a mutation.",
	}, []string{"reason"})

	// DecodeErrors counts raw bus payloads that failed to decode.
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Bus payloads that failed envelope decoding.",
	})

	// MessagesChecked counts chat messages inspected by the engine.
	MessagesChecked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_checked_total",
		Help:      "Chat messages inspected against the length limit.",
	})

	// Enforcements counts terminal moderation outcomes per branch.
	Enforcements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enforcements_total",
		Help:      "Terminal moderation outcomes per decision branch.",
	}, []string{"outcome"})

	// EvidenceForwards counts evidence archive attempts.
	EvidenceForwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evidence_forwards_total",
		Help:      "Evidence forward attempts by result.",
	}, []string{"status"})

	// Broadcasts counts outbound federation broadcasts by action/type.
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "Outbound federation broadcasts.",
	}, []string{"action", "type"})

	// JobsEnqueued counts jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into worker channel.",
	}, []string{"kind"})

	// JobsDropped counts jobs discarded without execution.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded without execution.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"kind", "status"})

	// JobsDead counts jobs that exhausted all retries (dead-letter).
	JobsDead = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dead_total",
		Help:      "Jobs that exhausted all retries.",
	}, []string{"kind"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})

	// SnapshotWrites counts durability snapshots per named store.
	SnapshotWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_writes_total",
		Help:      "Durability snapshots written per named store.",
	}, []string{"store"})

	// SnapshotRestores counts loads served from the backup copy.
	SnapshotRestores = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_restores_total",
		Help:      "Snapshot loads that fell back to the backup copy.",
	})

	// WordTableSize tracks words per pattern table.
	WordTableSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "word_table_size",
		Help:      "Words per pattern table.",
	}, []string{"table"})

	// WordReconciles counts full word-table reconciliations.
	WordReconciles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "word_reconciles_total",
		Help:      "Full word-table reconciliations applied.",
	}, []string{"table"})

	// EpochResets counts recorded-id epoch resets.
	EpochResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "epoch_resets_total",
		Help:      "Recorded-id epoch resets.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})
)
