package rts

import (
	"fmt"

	"github.com/ngaut/log"

	"github.com/larchdb/larch/kv/btree"
	"github.com/larchdb/larch/kv/history"
	"github.com/larchdb/larch/kv/meta"
	"github.com/larchdb/larch/kv/metrics"
	"github.com/larchdb/larch/kv/mvcc"
)

// restoreFromHistory replaces an unstable on-disk value with the newest
// stable version from the history store. Records are scanned newest to
// oldest; every unstable record visited on the way is removed, the stable
// one moves back onto the page, and a key with no stable version at all is
// removed. Caller holds the page guard.
func (r *Runner) restoreFromHistory(t *btree.Btree, page *btree.Page, hsKey []byte, cell *btree.Cell, chain chainRef) error {
	cur := r.eng.History().NewCursor()
	defer cur.Close()

	// History values fold forward: the accumulator starts at the on-disk
	// value and each modify record yields the next older full value.
	acc := append([]byte(nil), cell.Value...)
	lastStart := mvcc.TsMax

	ok, err := cur.SeekKey(t.ID, hsKey)
	for ; err == nil && ok; ok, err = cur.PrevTime() {
		rec := cur.Record()
		r.checkHistoryOrder(rec, lastStart)
		lastStart = rec.Window.StartTs

		// Records newer than the on-disk start belong to versions the abort
		// pass already discarded; they are garbage now. A prepared on-disk
		// artifact has no committed start, so nothing is newer than it.
		if rec.Window.StartTs > cell.Window.StartTs && !cell.Window.Prepare {
			if err := cur.Remove(); err != nil {
				return err
			}
			r.st.add(&r.st.hsRemoved, 1)
			metrics.HistoryRemoved.Inc()
			continue
		}

		switch rec.Type {
		case mvcc.UpdateModify:
			if acc, err = mvcc.ApplyModify(acc, rec.Payload); err != nil {
				return err
			}
		case mvcc.UpdateStandard:
			acc = append([]byte(nil), rec.Payload...)
		}

		stable := !rec.Window.Prepare &&
			rec.Window.DurableStartTs <= r.rollbackTs &&
			r.eng.TxnVisible(rec.Window.StartTxn)
		if !stable {
			if err := cur.Remove(); err != nil {
				return err
			}
			r.st.add(&r.st.hsRemoved, 1)
			metrics.HistoryRemoved.Inc()
			continue
		}

		r.restoreRecord(t, page, chain, rec, acc)
		// The version lives on the page again; the record is consumed.
		if err := cur.Remove(); err != nil {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}

	// Nothing stable anywhere: the key did not exist at the rollback
	// timestamp.
	r.spliceTombstone(t, page, chain)
	return nil
}

// restoreRecord splices the stable history record back onto the chain. When
// the record's own deletion was stable too, the key ends deleted: the
// tombstone goes on top of the restored value so a later reconciliation
// writes the correct stop window.
func (r *Runner) restoreRecord(t *btree.Btree, page *btree.Page, chain chainRef, rec *history.Record, value []byte) {
	restored := mvcc.Update{
		Txn:       rec.Window.StartTxn,
		StartTs:   rec.Window.StartTs,
		DurableTs: rec.Window.DurableStartTs,
		Type:      mvcc.UpdateStandard,
		Flags:     mvcc.FlagRestoredFromHistory,
		Value:     value,
	}
	if r.eng.Recovering() {
		// Recovered transaction ids belong to the previous run and must not
		// alias a live transaction in this one.
		restored.Txn = mvcc.TxnNone
	}
	r.splice(t, page, chain, restored)
	r.st.add(&r.st.keysRestored, 1)
	r.st.add(&r.st.hsRestored, 1)
	metrics.KeysRestored.Inc()
	metrics.HistoryRestored.Inc()

	stopStable := rec.Window.HasStop() &&
		rec.Window.DurableStopTs <= r.rollbackTs &&
		r.eng.TxnVisible(rec.Window.StopTxn)
	if stopStable {
		metrics.HistoryStopOlderThanRollback.Inc()
		tomb := mvcc.Update{
			Txn:       rec.Window.StopTxn,
			StartTs:   rec.Window.StopTs,
			DurableTs: rec.Window.DurableStopTs,
			Type:      mvcc.UpdateTombstone,
		}
		if r.eng.Recovering() {
			tomb.Txn = mvcc.TxnNone
		}
		r.splice(t, page, chain, tomb)
		r.st.add(&r.st.hsRestoredTombstones, 1)
		metrics.HistoryRestoredTombstones.Inc()
	}
}

// trimHistory drops a key's unstable history records without restoring
// anything. Used when the page already holds a stable in-memory update.
func (r *Runner) trimHistory(btreeID uint32, hsKey []byte) error {
	cur := r.eng.History().NewCursor()
	defer cur.Close()
	ok, err := cur.SeekKey(btreeID, hsKey)
	for ; err == nil && ok; ok, err = cur.PrevTime() {
		rec := cur.Record()
		unstable := rec.Window.Prepare ||
			rec.Window.DurableStartTs > r.rollbackTs ||
			!r.eng.TxnVisible(rec.Window.StartTxn)
		if !unstable {
			break
		}
		if err := cur.Remove(); err != nil {
			return err
		}
		r.st.add(&r.st.hsRemoved, 1)
		metrics.HistoryRemoved.Inc()
	}
	return err
}

// historyNeedsFinalPass checks the history store's own checkpoint entry the
// way tableNeedsWalk checks a table's. The store's records are stop-bounded,
// so its newest stop side is what can postdate the rollback timestamp. A
// missing or unreadable entry reads as needing the pass.
func (r *Runner) historyNeedsFinalPass() bool {
	config, err := r.eng.Catalog().Search(meta.HistoryStoreURI)
	if err != nil {
		return true
	}
	ckpt, err := meta.ParseCheckpoint(config)
	if err != nil {
		return true
	}
	if ckpt.Prepare {
		return true
	}
	if r.eng.Recovering() && ckpt.NewestTxn >= r.eng.RecoverySnapMin() {
		return true
	}
	return ckpt.MaxDurable(true) > r.rollbackTs
}

// historyFinalPass sweeps the whole history store once, dropping every
// record with an unstable start or stop. Only recovery runs it: at runtime
// per-key trimming keeps the store clean, but a crash can leave records for
// trees whose metadata rolled back past them.
func (r *Runner) historyFinalPass() error {
	removed, err := r.eng.History().Scan(func(rec *history.Record) (bool, error) {
		if rec.Window.Prepare {
			return true, nil
		}
		if rec.Window.DurableStartTs > r.rollbackTs || !r.eng.TxnVisible(rec.Window.StartTxn) {
			return true, nil
		}
		if rec.Window.HasStop() &&
			(rec.Window.DurableStopTs > r.rollbackTs || !r.eng.TxnVisible(rec.Window.StopTxn)) {
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if removed > 0 {
		r.st.add(&r.st.hsRemoved, uint64(removed))
		metrics.HistoryRemoved.Add(float64(removed))
		log.Infof("rollback: history store final pass removed %d records", removed)
	}
	return nil
}

// checkHistoryOrder asserts the newest-to-oldest scan really is descending.
func (r *Runner) checkHistoryOrder(rec *history.Record, lastStart mvcc.Timestamp) {
	if rec.Window.StartTs <= lastStart {
		return
	}
	metrics.HistoryOutOfOrder.Inc()
	msg := fmt.Sprintf("rollback: history store out of order: %s after %s",
		mvcc.TsString(rec.Window.StartTs), mvcc.TsString(lastStart))
	if r.eng.Conf().Diagnostic {
		panic(msg)
	}
	log.Error(msg)
}
