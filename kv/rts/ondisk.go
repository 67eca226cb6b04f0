package rts

import (
	"github.com/larchdb/larch/kv/btree"
	"github.com/larchdb/larch/kv/metrics"
	"github.com/larchdb/larch/kv/mvcc"
)

// fixupCell repairs one on-disk value whose update chain holds nothing
// stable. The time window decides the case:
//
//   - unstable start: the value itself must not be seen. The stable version
//     comes back from the history store, or the key is removed when there is
//     none (or the engine runs without a history store). A stopless or
//     single-point prepared window counts here: it has no committed side.
//   - unstable stop only: the value is fine but its deletion is not; the
//     value is restored as an in-memory update. A prepared stop over a
//     committed start lands here too.
//   - stable both sides: nothing to do.
//
// Caller holds the page guard.
func (r *Runner) fixupCell(t *btree.Btree, page *btree.Page, hsKey []byte, cell *btree.Cell, chain chainRef) error {
	w := &cell.Window
	// A prepared window dooms the start only when the prepare has no
	// committed side to fall back on: no stop at all, or a single-point
	// artifact. A committed value deleted by a prepared transaction keeps
	// its stable start and is handled as an unstable stop below.
	startUnstable := (w.Prepare && (!w.HasStop() || w.SinglePoint())) ||
		w.DurableStartTs > r.rollbackTs ||
		!r.eng.TxnVisible(w.StartTxn)
	if startUnstable {
		if r.eng.Conf().InMemory {
			r.spliceTombstone(t, page, chain)
			return nil
		}
		return r.restoreFromHistory(t, page, hsKey, cell, chain)
	}

	stopUnstable := w.HasStop() &&
		(w.Prepare || w.DurableStopTs > r.rollbackTs || !r.eng.TxnVisible(w.StopTxn))
	if stopUnstable {
		restored := mvcc.Update{
			Txn:       w.StartTxn,
			StartTs:   w.StartTs,
			DurableTs: w.DurableStartTs,
			Type:      mvcc.UpdateStandard,
			Flags:     mvcc.FlagRestoredFromDisk,
			Value:     append([]byte(nil), cell.Value...),
		}
		if r.eng.Recovering() {
			restored.Txn = mvcc.TxnNone
		}
		r.splice(t, page, chain, restored)
		r.st.add(&r.st.keysRestored, 1)
		metrics.KeysRestored.Inc()
	}
	return nil
}

// splice prepends an update onto the chain under the page guard and marks
// the tree dirty so the checkpoint will reconcile the page.
func (r *Runner) splice(t *btree.Btree, page *btree.Page, chain chainRef, u mvcc.Update) int32 {
	idx := page.Updates.Prepend(chain.get(), u)
	chain.set(idx)
	page.Modified = true
	t.SetModified()
	return idx
}

// spliceTombstone removes a key outright: a bare tombstone with no
// timestamps is visible to everyone.
func (r *Runner) spliceTombstone(t *btree.Btree, page *btree.Page, chain chainRef) {
	r.splice(t, page, chain, mvcc.Update{Txn: mvcc.TxnNone, Type: mvcc.UpdateTombstone})
	r.st.add(&r.st.keysRemoved, 1)
	metrics.KeysRemoved.Inc()
}
