package btree

import (
	"sync/atomic"

	"github.com/larchdb/larch/kv/mvcc"
)

type RefState uint32

const (
	// RefOnDisk means the page image has not been instantiated; the Addr
	// aggregate is all rollback has to reason with.
	RefOnDisk RefState = iota
	// RefInMemory means Page is populated.
	RefInMemory
	// RefDeleted means the whole leaf was fast-truncated without being
	// instantiated; Del carries the truncation's stop window.
	RefDeleted
	// RefLocked is a transient state while a walker swaps the page in.
	RefLocked
)

func (s RefState) String() string {
	switch s {
	case RefOnDisk:
		return "on-disk"
	case RefInMemory:
		return "in-memory"
	case RefDeleted:
		return "deleted"
	case RefLocked:
		return "locked"
	}
	return "unknown"
}

// PageDeleted carries a fast-truncate record: the whole subtree is deleted as
// of the stop point without the page ever being read.
type PageDeleted struct {
	Txn          uint64
	Ts           mvcc.Timestamp
	DurableTs    mvcc.Timestamp
	PrepareState mvcc.PrepareState
}

// Ref is the in-memory handle of one leaf page.
type Ref struct {
	PageNo uint64
	Addr   mvcc.TimeAggregate

	state uint32
	Page  *Page
	Del   *PageDeleted
}

func NewRef(pageNo uint64, addr mvcc.TimeAggregate) *Ref {
	return &Ref{PageNo: pageNo, Addr: addr}
}

func (r *Ref) State() RefState {
	return RefState(atomic.LoadUint32(&r.state))
}

func (r *Ref) CasState(old, new RefState) bool {
	return atomic.CompareAndSwapUint32(&r.state, uint32(old), uint32(new))
}

func (r *Ref) SetState(s RefState) {
	atomic.StoreUint32(&r.state, uint32(s))
}
