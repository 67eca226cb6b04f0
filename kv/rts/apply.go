package rts

import (
	"github.com/coocood/badger"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/larchdb/larch/kv/meta"
	"github.com/larchdb/larch/kv/metrics"
	"github.com/larchdb/larch/kv/mvcc"
)

// sweepCatalog walks every table in the metadata and applies rollback to the
// ones that need it. A table that vanished or whose metadata cannot be parsed
// is logged and skipped; one broken table must not abort recovery of the
// rest.
func (r *Runner) sweepCatalog() error {
	return r.eng.Catalog().Ascend(func(uri, config string, lookupErr error) (bool, error) {
		if uri == meta.MetadataURI || uri == meta.HistoryStoreURI {
			return true, nil
		}
		if !meta.IsFileURI(uri) {
			return true, nil
		}
		if lookupErr != nil {
			log.Warnf("rollback: skipping %s: %v", uri, lookupErr)
			return true, nil
		}
		if err := r.applyTable(uri, config); err != nil {
			if errors.Cause(err) == badger.ErrKeyNotFound {
				log.Warnf("rollback: %s dropped mid-pass", uri)
				return true, nil
			}
			return false, err
		}
		return true, nil
	})
}

// applyTable decides whether a table needs its tree walked and does the walk.
func (r *Runner) applyTable(uri, config string) error {
	ckpt, err := meta.ParseCheckpoint(config)
	if err != nil {
		log.Warnf("rollback: bad metadata for %s: %v", uri, err)
		return nil
	}
	if ckpt.ImmediatelyDurable {
		r.st.add(&r.st.treesSkipped, 1)
		metrics.TreesSkipped.Inc()
		return nil
	}

	// Tables that never committed with timestamps cannot have anything to
	// roll back, but obsolete history for them still has to go.
	timestamped := ckpt.DurableTsFound || ckpt.Prepare
	if !timestamped && !r.eng.Conf().InMemory {
		if err := r.sweepHistory(ckpt.BtreeID); err != nil {
			return err
		}
	}

	if !r.tableNeedsWalk(uri, ckpt) {
		r.st.add(&r.st.treesSkipped, 1)
		metrics.TreesSkipped.Inc()
		return nil
	}

	tree, err := r.eng.OpenTree(uri)
	if err != nil {
		return err
	}
	r.st.add(&r.st.treesVisited, 1)
	log.Infof("rollback: %s requires rollback to %s", uri, mvcc.TsString(r.rollbackTs))
	return r.rollbackTree(tree)
}

func (r *Runner) tableNeedsWalk(uri string, ckpt *meta.Checkpoint) bool {
	// A dirty in-memory tree can hold unstable updates regardless of what
	// its last checkpoint claims.
	if t := r.eng.Tree(uri); t != nil && t.Modified() {
		return true
	}
	// No checkpoint address: nothing was ever written out.
	if ckpt.Addr == "" {
		return false
	}
	if ckpt.Prepare {
		return true
	}
	if r.eng.Recovering() && ckpt.NewestTxn >= r.eng.RecoverySnapMin() {
		return true
	}
	if ckpt.DurableTsFound && ckpt.MaxDurable(false) > r.rollbackTs {
		metrics.InconsistentCheckpoint.Inc()
		return true
	}
	return false
}

// sweepHistory drops every history record of a non-timestamped table. The
// records are unreachable going forward and would only confuse a later
// reconstruction.
func (r *Runner) sweepHistory(btreeID uint32) error {
	empty, err := r.eng.History().IsEmpty()
	if err != nil || empty {
		return err
	}
	removed, err := r.eng.History().TruncateBtree(btreeID)
	if err != nil {
		return err
	}
	if removed > 0 {
		r.st.add(&r.st.hsSweepKeys, uint64(removed))
		metrics.HistorySweepKeys.Add(float64(removed))
	}
	return nil
}
