package rts

import (
	"fmt"

	"github.com/ngaut/log"

	"github.com/larchdb/larch/kv/btree"
	"github.com/larchdb/larch/kv/metrics"
	"github.com/larchdb/larch/kv/mvcc"
)

// updateUnstable is the abort rule for one in-memory update: anything more
// durable than the rollback timestamp, anything still prepared and anything
// from a transaction not known committed goes.
func (r *Runner) updateUnstable(u *mvcc.Update) bool {
	if u.PrepareState == mvcc.PrepareInProgress {
		return true
	}
	if u.DurableTs > r.rollbackTs {
		return true
	}
	return !r.eng.TxnVisible(u.Txn)
}

// abortUnstable walks a chain newest to oldest aborting unstable updates in
// place. It stops at the first stable update, which becomes the key's newest
// visible version; everything beneath it is older and therefore stable too.
// Returns the index of the stable update, or NilUpdate, and the abort count.
func (r *Runner) abortUnstable(page *btree.Page, head int32) (int32, int) {
	aborted := 0
	stable := mvcc.NilUpdate
	for idx := head; idx != mvcc.NilUpdate; idx = page.Updates.Next(idx) {
		u := page.Updates.At(idx)
		if u.Aborted() {
			continue
		}
		if stable != mvcc.NilUpdate {
			r.checkChainOrder(page, stable, idx)
			break
		}
		if r.updateUnstable(u) {
			page.Updates.Abort(idx)
			aborted++
			r.st.add(&r.st.updatesAborted, 1)
			metrics.UpdatesAborted.Inc()
			continue
		}
		// Restoration flags from an earlier pass no longer describe this
		// update once it survives as the stable version.
		u.Flags &^= mvcc.FlagRestoredFromHistory | mvcc.FlagRestoredFromDisk
		stable = idx
	}
	if aborted > 0 {
		page.Modified = true
	}
	return stable, aborted
}

// checkChainOrder verifies the update below the stable one is not newer than
// it. Chains are newest first; a violation means the chain was corrupted.
func (r *Runner) checkChainOrder(page *btree.Page, stableIdx, olderIdx int32) {
	stable := page.Updates.At(stableIdx)
	older := page.Updates.At(olderIdx)
	if older.Aborted() || older.StartTs <= stable.StartTs {
		return
	}
	msg := fmt.Sprintf("rollback: update chain out of order: %s above %s",
		mvcc.TsString(older.StartTs), mvcc.TsString(stable.StartTs))
	if r.eng.Conf().Diagnostic {
		panic(msg)
	}
	log.Error(msg)
}
