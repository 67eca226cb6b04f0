package metrics

import "github.com/prometheus/client_golang/prometheus"

// Rollback-to-stable counters. They accumulate across runs; the progress
// logger reports per-run deltas.
var (
	RollbackRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "running",
			Help:      "Whether rollback-to-stable is in progress.",
		})

	PagesVisited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "pages_visited",
			Help:      "Leaf pages examined by rollback-to-stable.",
		})

	PagesWalkSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "pages_walk_skipped",
			Help:      "Leaf pages skipped by the tree walk as wholly stable.",
		})

	TreesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "trees_skipped",
			Help:      "Trees skipped without a walk.",
		})

	UpdatesAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "upd_aborted",
			Help:      "In-memory updates aborted.",
		})

	KeysRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "keys_removed",
			Help:      "Keys whose on-disk value was rolled back with no replacement.",
		})

	KeysRestored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "keys_restored",
			Help:      "Keys restored from the history store.",
		})

	HistoryRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "hs_removed",
			Help:      "History store records removed.",
		})

	HistoryRestored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "hs_restored",
			Help:      "History store records restored as the stable value.",
		})

	HistoryRestoredTombstones = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "hs_restored_tombstones",
			Help:      "Tombstones restored alongside history store values.",
		})

	HistoryStopOlderThanRollback = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "hs_stop_older_than_rollback",
			Help:      "History records whose stop point was already stable.",
		})

	HistoryOutOfOrder = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "hs_out_of_order",
			Help:      "History records observed out of newest-first order.",
		})

	HistorySweepKeys = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "sweep_hs_keys",
			Help:      "History store keys removed by the non-timestamped table sweep.",
		})

	InconsistentCheckpoint = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "inconsistent_ckpt",
			Help:      "Trees whose checkpoint was not consistent with the stable timestamp.",
		})

	StableRLESkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "rollback",
			Name:      "stable_rle_skipped",
			Help:      "Column-store cells skipped whole because the run was stable.",
		})

	EvictPagesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "evict",
			Name:      "pages_written",
			Help:      "Pages reconciled to disk by eviction.",
		})

	EvictHistoryInserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "larch",
			Subsystem: "evict",
			Name:      "hs_inserted",
			Help:      "Superseded versions moved to the history store by eviction.",
		})
)

func init() {
	prometheus.MustRegister(
		RollbackRunning,
		PagesVisited,
		PagesWalkSkipped,
		TreesSkipped,
		UpdatesAborted,
		KeysRemoved,
		KeysRestored,
		HistoryRemoved,
		HistoryRestored,
		HistoryRestoredTombstones,
		HistoryStopOlderThanRollback,
		HistoryOutOfOrder,
		HistorySweepKeys,
		InconsistentCheckpoint,
		StableRLESkipped,
		EvictPagesWritten,
		EvictHistoryInserted,
	)
}
