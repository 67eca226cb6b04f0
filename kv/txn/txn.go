package txn

import (
	"bytes"
	"sync"

	"github.com/pingcap/errors"

	"github.com/larchdb/larch/kv/btree"
	"github.com/larchdb/larch/kv/mvcc"
)

// ErrActiveTransactions is returned when an operation requires a quiet system
// but user transactions are still running.
var ErrActiveTransactions = errors.New("txn: active transactions")

// Manager hands out transaction ids and tracks which transactions are still
// running.
type Manager struct {
	mu     sync.Mutex
	nextID uint64
	active map[uint64]*Txn
}

func NewManager() *Manager {
	return &Manager{nextID: 1, active: make(map[uint64]*Txn)}
}

func (m *Manager) Begin() *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Txn{id: m.nextID, mgr: m}
	m.nextID++
	m.active[t.id] = t
	return t
}

// IsActive reports whether the transaction id belongs to a running
// transaction.
func (m *Manager) IsActive(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// ActiveCount reports the number of running transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ActivityCheck fails when any transaction is still running.
func (m *Manager) ActivityCheck() error {
	if m.ActiveCount() > 0 {
		return errors.Trace(ErrActiveTransactions)
	}
	return nil
}

// MaxAssignedID is the upper bound of ids handed out so far. A recovery
// snapshot built from it treats every id at or below as potentially running.
func (m *Manager) MaxAssignedID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID - 1
}

func (m *Manager) finish(t *Txn) {
	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
}

// mod remembers one chain splice so commit, prepare and rollback can revisit
// the record. The arena index stays valid across later appends.
type mod struct {
	page *btree.Page
	idx  int32
}

type txnState uint8

const (
	stateRunning txnState = iota
	statePrepared
	stateCommitted
	stateRolledBack
)

// Txn is one writer. All writes go to the head of per-key update chains under
// the page guard; commit stamps the records afterwards.
type Txn struct {
	id    uint64
	mgr   *Manager
	state txnState
	mods  []mod
}

func (t *Txn) ID() uint64 {
	return t.id
}

// Put writes a standard update for a row key.
func (t *Txn) Put(tree *btree.Btree, key, value []byte) error {
	return t.splice(tree, key, 0, mvcc.Update{
		Txn:   t.id,
		Type:  mvcc.UpdateStandard,
		Value: append([]byte(nil), value...),
	})
}

// Delete writes a tombstone for a row key.
func (t *Txn) Delete(tree *btree.Btree, key []byte) error {
	return t.splice(tree, key, 0, mvcc.Update{Txn: t.id, Type: mvcc.UpdateTombstone})
}

// PutRecno writes a standard update for a column-store record.
func (t *Txn) PutRecno(tree *btree.Btree, recno uint64, value []byte) error {
	return t.splice(tree, nil, recno, mvcc.Update{
		Txn:   t.id,
		Type:  mvcc.UpdateStandard,
		Value: append([]byte(nil), value...),
	})
}

// DeleteRecno writes a tombstone for a column-store record.
func (t *Txn) DeleteRecno(tree *btree.Btree, recno uint64) error {
	return t.splice(tree, nil, recno, mvcc.Update{Txn: t.id, Type: mvcc.UpdateTombstone})
}

func (t *Txn) splice(tree *btree.Btree, key []byte, recno uint64, u mvcc.Update) error {
	if t.state != stateRunning {
		return errors.Errorf("txn %d: not running", t.id)
	}
	page, err := leafFor(tree, key, recno)
	if err != nil {
		return err
	}
	page.Lock()
	defer page.Unlock()

	var idx int32
	if tree.Kind == btree.RowLeaf {
		if slot := page.FindSlot(key); slot >= 0 {
			idx = page.Updates.Prepend(page.SlotHead(slot), u)
			page.SetSlotHead(slot, idx)
		} else {
			head := page.InsertChainHead(key, true)
			idx = page.Updates.Prepend(*head, u)
			*head = idx
			page.Modified = true
		}
	} else {
		// Updates inside a run-length run go on the per-recno append list;
		// attaching to the run's slot would smear them across the run.
		if slot := page.FindColSlot(recno); slot >= 0 && page.Cells[slot].Runs() == 1 {
			idx = page.Updates.Prepend(page.SlotHead(slot), u)
			page.SetSlotHead(slot, idx)
		} else {
			head := page.AppendChainHead(recno, true)
			idx = page.Updates.Prepend(*head, u)
			*head = idx
			page.Modified = true
		}
	}
	t.mods = append(t.mods, mod{page: page, idx: idx})
	tree.SetModified()
	return nil
}

// leafFor picks the leaf a key belongs on, instantiating it. An empty tree
// grows its first leaf.
func leafFor(tree *btree.Btree, key []byte, recno uint64) (*btree.Page, error) {
	refs := tree.Refs()
	if len(refs) == 0 {
		ref, err := tree.AppendLeaf(nil)
		if err != nil {
			return nil, err
		}
		return tree.InstantiatePage(ref)
	}
	// Scan back to front for the leaf whose first cell does not sort after
	// the key; unmatched keys land on the last leaf's insert list.
	for i := len(refs) - 1; i > 0; i-- {
		page, err := tree.InstantiatePage(refs[i])
		if err != nil {
			return nil, err
		}
		if len(page.Cells) == 0 {
			continue
		}
		if tree.Kind == btree.RowLeaf {
			if bytes.Compare(page.Cells[0].Key, key) <= 0 {
				return page, nil
			}
		} else if page.Cells[0].Recno <= recno {
			return page, nil
		}
	}
	return tree.InstantiatePage(refs[0])
}

// Prepare marks every write of the transaction as prepared at prepareTs. The
// records become invisible barriers until the transaction resolves.
func (t *Txn) Prepare(prepareTs mvcc.Timestamp) error {
	if t.state != stateRunning {
		return errors.Errorf("txn %d: not running", t.id)
	}
	for _, m := range t.mods {
		m.page.Lock()
		u := m.page.Updates.At(m.idx)
		u.PrepareState = mvcc.PrepareInProgress
		u.StartTs = prepareTs
		u.DurableTs = mvcc.TsNone
		m.page.Unlock()
	}
	t.state = statePrepared
	return nil
}

// Commit stamps every write with the commit and durable timestamps and
// retires the transaction.
func (t *Txn) Commit(commitTs, durableTs mvcc.Timestamp) error {
	if t.state != stateRunning && t.state != statePrepared {
		return errors.Errorf("txn %d: cannot commit", t.id)
	}
	if durableTs < commitTs {
		return errors.Errorf("txn %d: durable timestamp %s before commit timestamp %s",
			t.id, mvcc.TsString(durableTs), mvcc.TsString(commitTs))
	}
	prepared := t.state == statePrepared
	for _, m := range t.mods {
		m.page.Lock()
		u := m.page.Updates.At(m.idx)
		u.StartTs = commitTs
		u.DurableTs = durableTs
		if prepared {
			u.PrepareState = mvcc.PrepareResolved
		}
		m.page.Unlock()
	}
	t.state = stateCommitted
	t.mgr.finish(t)
	return nil
}

// Rollback aborts every write in place and retires the transaction.
func (t *Txn) Rollback() error {
	if t.state == stateCommitted || t.state == stateRolledBack {
		return errors.Errorf("txn %d: already resolved", t.id)
	}
	for _, m := range t.mods {
		m.page.Lock()
		m.page.Updates.Abort(m.idx)
		m.page.Unlock()
	}
	t.state = stateRolledBack
	t.mgr.finish(t)
	return nil
}
