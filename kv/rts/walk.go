package rts

import (
	"github.com/larchdb/larch/kv/btree"
	"github.com/larchdb/larch/kv/metrics"
	"github.com/larchdb/larch/kv/mvcc"
	"github.com/larchdb/larch/kv/util/codec"
)

// chainRef is a settable handle on an update chain head, hiding whether the
// chain hangs off a disk cell slot, an insert entry or an append entry.
type chainRef struct {
	get func() int32
	set func(int32)
}

func slotChain(page *btree.Page, slot int) chainRef {
	return chainRef{
		get: func() int32 { return page.SlotHead(slot) },
		set: func(idx int32) { page.SetSlotHead(slot, idx) },
	}
}

func headChain(head *int32, page *btree.Page) chainRef {
	return chainRef{
		get: func() int32 { return *head },
		set: func(idx int32) {
			*head = idx
			page.Modified = true
		},
	}
}

// colKey is the history store key of a column-store record.
func colKey(recno uint64) []byte {
	return codec.AppendUint64(make([]byte, 0, 8), recno)
}

func (r *Runner) rollbackTree(t *btree.Btree) error {
	skip := func(ref *btree.Ref) bool { return !r.refNeedsRollback(ref) }
	visit := func(ref *btree.Ref) error {
		if ref.State() == btree.RefDeleted {
			return r.rollbackDeletedRef(t, ref)
		}
		page, err := t.InstantiatePage(ref)
		if err != nil {
			return err
		}
		return r.rollbackPage(t, page)
	}
	stats, err := t.WalkTree(skip, visit)
	r.st.add(&r.st.pagesVisited, uint64(stats.Visited))
	r.st.add(&r.st.pagesSkipped, uint64(stats.Skipped))
	metrics.PagesVisited.Add(float64(stats.Visited))
	metrics.PagesWalkSkipped.Add(float64(stats.Skipped))
	return err
}

// refNeedsRollback is the page skip predicate, answered from the address
// aggregate alone so stable pages never leave disk.
func (r *Runner) refNeedsRollback(ref *btree.Ref) bool {
	agg := &ref.Addr
	if agg.Prepare {
		return true
	}
	if r.eng.Recovering() && agg.NewestTxn >= r.eng.RecoverySnapMin() {
		return true
	}
	maxDurable := agg.NewestStartDurableTs
	if agg.NewestStopDurableTs > maxDurable {
		maxDurable = agg.NewestStopDurableTs
	}
	return maxDurable > r.rollbackTs
}

// rollbackDeletedRef decides the fate of a fast-truncated page. A stable
// truncation stands as is; an unstable one is reversed and the revived page
// gets a normal pass.
func (r *Runner) rollbackDeletedRef(t *btree.Btree, ref *btree.Ref) error {
	del := ref.Del
	stable := del.PrepareState != mvcc.PrepareInProgress &&
		del.DurableTs <= r.rollbackTs &&
		r.eng.TxnVisible(del.Txn)
	if stable {
		return nil
	}
	if err := t.RollbackDeleted(ref); err != nil {
		return err
	}
	if !r.refNeedsRollback(ref) {
		return nil
	}
	page, err := t.InstantiatePage(ref)
	if err != nil {
		return err
	}
	return r.rollbackPage(t, page)
}

func (r *Runner) rollbackPage(t *btree.Btree, page *btree.Page) error {
	page.Lock()
	defer page.Unlock()
	if page.Kind == btree.RowLeaf {
		return r.rollbackRowPage(t, page)
	}
	return r.rollbackColPage(t, page)
}

func (r *Runner) rollbackRowPage(t *btree.Btree, page *btree.Page) error {
	for slot := range page.Cells {
		cell := &page.Cells[slot]
		chain := slotChain(page, slot)
		stable, aborted := r.abortUnstable(page, chain.get())
		if stable != mvcc.NilUpdate {
			// A stable in-memory update supersedes the disk image; the next
			// reconciliation writes it out. History copies of the aborted
			// versions are garbage now.
			if aborted > 0 && !r.eng.Conf().InMemory {
				if err := r.trimHistory(t.ID, cell.Key); err != nil {
					return err
				}
			}
			continue
		}
		if err := r.fixupCell(t, page, cell.Key, cell, chain); err != nil {
			return err
		}
	}
	// Inserted keys have no disk image; aborting their chains is the whole
	// story.
	var walkErr error
	page.AscendInserts(func(key []byte, head *int32) bool {
		_, aborted := r.abortUnstable(page, *head)
		if aborted > 0 && !r.eng.Conf().InMemory {
			walkErr = r.trimHistory(t.ID, key)
		}
		return walkErr == nil
	})
	return walkErr
}

func (r *Runner) rollbackColPage(t *btree.Btree, page *btree.Page) error {
	handled := make(map[uint64]bool)
	var walkErr error
	page.AscendAppends(func(recno uint64, head *int32) bool {
		handled[recno] = true
		stable, aborted := r.abortUnstable(page, *head)
		if stable != mvcc.NilUpdate {
			if aborted > 0 && !r.eng.Conf().InMemory {
				walkErr = r.trimHistory(t.ID, colKey(recno))
			}
			return walkErr == nil
		}
		if slot := page.FindColSlot(recno); slot >= 0 {
			cell := &page.Cells[slot]
			walkErr = r.fixupCell(t, page, colKey(recno), cell, headChain(head, page))
		}
		return walkErr == nil
	})
	if walkErr != nil {
		return walkErr
	}
	for slot := range page.Cells {
		cell := &page.Cells[slot]
		if cell.Runs() == 1 {
			if handled[cell.Recno] {
				continue
			}
			chain := slotChain(page, slot)
			stable, aborted := r.abortUnstable(page, chain.get())
			if stable != mvcc.NilUpdate {
				if aborted > 0 && !r.eng.Conf().InMemory {
					if err := r.trimHistory(t.ID, colKey(cell.Recno)); err != nil {
						return err
					}
				}
				continue
			}
			if err := r.fixupCell(t, page, colKey(cell.Recno), cell, chain); err != nil {
				return err
			}
			continue
		}
		// A whole run shares one time window; a stable run is skipped
		// without introspecting the records it covers.
		if !r.cellUnstable(cell) {
			metrics.StableRLESkipped.Inc()
			continue
		}
		for rec := cell.Recno; rec < cell.Recno+cell.Runs(); rec++ {
			if handled[rec] {
				continue
			}
			chain := headChain(page.AppendChainHead(rec, true), page)
			if err := r.fixupCell(t, page, colKey(rec), cell, chain); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) cellUnstable(cell *btree.Cell) bool {
	w := &cell.Window
	if w.Prepare {
		return true
	}
	if w.DurableStartTs > r.rollbackTs || !r.eng.TxnVisible(w.StartTxn) {
		return true
	}
	if w.HasStop() && (w.DurableStopTs > r.rollbackTs || !r.eng.TxnVisible(w.StopTxn)) {
		return true
	}
	return false
}
