package engine

import (
	"github.com/coocood/badger"

	"github.com/larchdb/larch/kv/btree"
	"github.com/larchdb/larch/kv/mvcc"
	"github.com/larchdb/larch/kv/util/codec"
)

// Get reads the value of a row key as of readTs, consulting the update
// chain, then the disk cell, then the history store. Missing keys surface
// badger.ErrKeyNotFound.
func (e *Engine) Get(t *btree.Btree, key []byte, readTs mvcc.Timestamp) ([]byte, error) {
	return e.get(t, key, key, 0, readTs)
}

// GetRecno is Get for column-store records.
func (e *Engine) GetRecno(t *btree.Btree, recno uint64, readTs mvcc.Timestamp) ([]byte, error) {
	hsKey := codec.AppendUint64(make([]byte, 0, 8), recno)
	return e.get(t, nil, hsKey, recno, readTs)
}

func (e *Engine) get(t *btree.Btree, key, hsKey []byte, recno uint64, readTs mvcc.Timestamp) ([]byte, error) {
	for _, ref := range t.Refs() {
		// A fast-truncated leaf answers no reads. Serving a read from before
		// the truncate timestamp would need the page instantiated with
		// per-key tombstones, which nothing here requires.
		if ref.State() == btree.RefDeleted {
			continue
		}
		page, err := t.InstantiatePage(ref)
		if err != nil {
			return nil, err
		}
		val, outcome, err := e.pageLookup(t, page, key, hsKey, recno, readTs)
		if err != nil {
			return nil, err
		}
		switch outcome {
		case lookupFound:
			return val, nil
		case lookupDeleted:
			return nil, badger.ErrKeyNotFound
		case lookupHistory:
			return e.historyLookup(t.ID, hsKey, readTs, val)
		}
	}
	return nil, badger.ErrKeyNotFound
}

type lookupOutcome int

const (
	lookupMiss lookupOutcome = iota
	lookupFound
	lookupDeleted
	// lookupHistory means the page knows the key but its value as of readTs
	// predates the disk image; any pending modify deltas ride along.
	lookupHistory
)

func (e *Engine) pageLookup(t *btree.Btree, page *btree.Page, key, hsKey []byte, recno uint64, readTs mvcc.Timestamp) ([]byte, lookupOutcome, error) {
	page.Lock()
	defer page.Unlock()

	head := mvcc.NilUpdate
	var cell *btree.Cell
	if page.Kind == btree.RowLeaf {
		if slot := page.FindSlot(key); slot >= 0 {
			head = page.SlotHead(slot)
			cell = &page.Cells[slot]
		} else if h := page.InsertChainHead(key, false); h != nil {
			head = *h
		} else {
			return nil, lookupMiss, nil
		}
	} else {
		if h := page.AppendChainHead(recno, false); h != nil {
			head = *h
		}
		if slot := page.FindColSlot(recno); slot >= 0 {
			cell = &page.Cells[slot]
			// Single-record cells chain updates on the slot head; records
			// inside a run chain on the append list consulted above.
			if head == mvcc.NilUpdate && cell.Runs() == 1 {
				head = page.SlotHead(slot)
			}
		} else if head == mvcc.NilUpdate {
			return nil, lookupMiss, nil
		}
	}

	// Walk the chain for the newest version visible at readTs, stacking
	// modify deltas until a full value resolves them.
	var deltas [][]byte
	for idx := head; idx != mvcc.NilUpdate; idx = page.Updates.Next(idx) {
		u := page.Updates.At(idx)
		if u.Aborted() || u.PrepareState == mvcc.PrepareInProgress {
			continue
		}
		if e.txns.IsActive(u.Txn) {
			continue // uncommitted
		}
		if u.StartTs > readTs {
			continue
		}
		switch u.Type {
		case mvcc.UpdateTombstone:
			return nil, lookupDeleted, nil
		case mvcc.UpdateModify:
			deltas = append(deltas, u.Value)
		case mvcc.UpdateStandard:
			val, err := applyDeltas(u.Value, deltas)
			return val, lookupFound, err
		}
	}

	if cell == nil {
		return nil, lookupMiss, nil
	}
	w := &cell.Window
	if w.Prepare || w.StartTs > readTs {
		// The image is too new; an older version may sit in history.
		return flatten(deltas), lookupHistory, nil
	}
	if w.HasStop() && w.StopTs <= readTs {
		return nil, lookupDeleted, nil
	}
	val, err := applyDeltas(cell.Value, deltas)
	return val, lookupFound, err
}

func (e *Engine) historyLookup(btreeID uint32, hsKey []byte, readTs mvcc.Timestamp, deltas []byte) ([]byte, error) {
	cur := e.hs.NewCursor()
	defer cur.Close()
	ok, err := cur.SeekKey(btreeID, hsKey)
	for ; err == nil && ok; ok, err = cur.PrevTime() {
		rec := cur.Record()
		if rec.Window.Prepare || rec.Window.StartTs > readTs {
			continue
		}
		if rec.Window.HasStop() && rec.Window.StopTs <= readTs {
			break
		}
		if rec.Type != mvcc.UpdateStandard {
			break // deltas in history never satisfy a point read
		}
		if deltas != nil {
			return mvcc.ApplyModify(rec.Payload, deltas)
		}
		return append([]byte(nil), rec.Payload...), nil
	}
	if err != nil {
		return nil, err
	}
	return nil, badger.ErrKeyNotFound
}

func applyDeltas(base []byte, deltas [][]byte) ([]byte, error) {
	val := append([]byte(nil), base...)
	for i := len(deltas) - 1; i >= 0; i-- {
		var err error
		if val, err = mvcc.ApplyModify(val, deltas[i]); err != nil {
			return nil, err
		}
	}
	return val, nil
}

// flatten keeps at most the newest pending delta for the history fall
// through. Stacked deltas over a history base do not occur: eviction squashes
// deltas before they reach the store.
func flatten(deltas [][]byte) []byte {
	if len(deltas) == 0 {
		return nil
	}
	return deltas[len(deltas)-1]
}
