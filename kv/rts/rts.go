package rts

import (
	"time"

	"github.com/ngaut/log"

	"github.com/larchdb/larch/kv/engine"
	"github.com/larchdb/larch/kv/meta"
	"github.com/larchdb/larch/kv/metrics"
	"github.com/larchdb/larch/kv/mvcc"
)

// Runner carries one rollback-to-stable pass. The rollback timestamp is read
// from the oracle exactly once, before any tree is touched, so a concurrent
// bump of the stable timestamp cannot split the pass across two targets.
type Runner struct {
	eng        *engine.Engine
	rollbackTs mvcc.Timestamp
	st         runStats
}

// RollbackToStable reverts every table to the stable timestamp: unstable
// in-memory updates are aborted, unstable on-disk values are replaced from
// the history store or removed, and the durable timestamp is pulled back to
// the stable timestamp. The system must be quiet; running transactions fail
// the call.
func RollbackToStable(eng *engine.Engine) error {
	metrics.RollbackRunning.Set(1)
	defer metrics.RollbackRunning.Set(0)

	if err := eng.Txns().ActivityCheck(); err != nil {
		return err
	}

	// DDL and checkpoints stay out for the whole pass, not per table.
	eng.LockExclusive()
	defer eng.UnlockExclusive()

	conf := eng.Conf()
	eng.Eviction().InterruptPasses()
	defer eng.Eviction().ResumePasses()
	quiesceEviction(eng, conf.Rollback.QuiescePoll, conf.Rollback.QuiesceCeiling)

	r := newRunner(eng)
	stop := r.startProgress(conf.Rollback.ProgressPeriod)
	defer stop()

	log.Infof("rollback to stable started, stable timestamp %s", mvcc.TsString(r.rollbackTs))
	if err := r.sweepCatalog(); err != nil {
		return err
	}
	if eng.Recovering() && !conf.InMemory && r.historyNeedsFinalPass() {
		if err := r.historyFinalPass(); err != nil {
			return err
		}
	}
	eng.Oracle().RollbackDurableToStable()
	if !conf.Rollback.NoCheckpoint && !conf.InMemory {
		if err := eng.CheckpointLocked(true); err != nil {
			return err
		}
	}
	r.st.logSummary(r.rollbackTs)
	return nil
}

// RollbackToStableOne reverts a single table. The caller is expected to hold
// the system quiet the same way the full pass does.
func RollbackToStableOne(eng *engine.Engine, uri string) error {
	if err := eng.Txns().ActivityCheck(); err != nil {
		return err
	}
	eng.LockExclusive()
	defer eng.UnlockExclusive()
	eng.Eviction().InterruptPasses()
	defer eng.Eviction().ResumePasses()
	quiesceEviction(eng, eng.Conf().Rollback.QuiescePoll, eng.Conf().Rollback.QuiesceCeiling)

	if !meta.IsFileURI(uri) {
		log.Warnf("rollback: %s is not a file object, nothing to do", uri)
		return nil
	}
	r := newRunner(eng)
	config, err := eng.Catalog().Search(uri)
	if err != nil {
		return err
	}
	return r.applyTable(uri, config)
}

func newRunner(eng *engine.Engine) *Runner {
	rollbackTs, ok := eng.Oracle().StableTimestamp()
	if !ok {
		// With no stable timestamp set, only non-timestamped and
		// immediately durable data survives.
		rollbackTs = mvcc.TsNone
	}
	return &Runner{eng: eng, rollbackTs: rollbackTs}
}

// quiesceEviction polls until no eviction pass is active. Waiting forever
// would wedge recovery, so after the ceiling the pass proceeds anyway; the
// interrupted eviction server will not start new work meanwhile.
func quiesceEviction(eng *engine.Engine, poll, ceiling time.Duration) {
	deadline := time.Now().Add(ceiling)
	for !eng.Eviction().Quiesced() {
		if time.Now().After(deadline) {
			log.Warnf("eviction did not quiesce within %v, proceeding with rollback", ceiling)
			return
		}
		time.Sleep(poll)
	}
}
