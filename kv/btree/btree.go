package btree

import (
	"encoding/binary"
	"sync"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"

	"github.com/larchdb/larch/kv/mvcc"
	"github.com/larchdb/larch/kv/util/codec"
	"github.com/larchdb/larch/kv/util/engine_util"
)

// rootPageNo is reserved for the internal page listing the leaves.
const rootPageNo uint64 = 0

// ChildAddr is one internal-page entry: a leaf address plus its rolled-up
// time aggregate.
type ChildAddr struct {
	PageNo    uint64
	Aggregate mvcc.TimeAggregate
}

// Btree is one table's tree: an internal root holding leaf refs. Leaves are
// instantiated from the data column family on demand.
type Btree struct {
	ID                 uint32
	URI                string
	Kind               PageKind
	ImmediatelyDurable bool

	db *badger.DB

	mu         sync.Mutex
	refs       []*Ref
	nextPageNo uint64
	modified   bool
}

// Open reads the root page and builds refs for every leaf. A missing root
// means an empty tree.
func Open(db *badger.DB, id uint32, uri string, kind PageKind) (*Btree, error) {
	t := &Btree{ID: id, URI: uri, Kind: kind, db: db, nextPageNo: rootPageNo + 1}
	val, err := engine_util.GetCF(db, engine_util.CfData, PageKey(id, rootPageNo))
	if err == badger.ErrKeyNotFound {
		return t, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	children, err := DecodeRoot(val)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		t.refs = append(t.refs, NewRef(child.PageNo, child.Aggregate))
		if child.PageNo >= t.nextPageNo {
			t.nextPageNo = child.PageNo + 1
		}
	}
	return t, nil
}

func (t *Btree) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs) == 0
}

func (t *Btree) Refs() []*Ref {
	t.mu.Lock()
	defer t.mu.Unlock()
	refs := make([]*Ref, len(t.refs))
	copy(refs, t.refs)
	return refs
}

func (t *Btree) Modified() bool {
	t.mu.Lock()
	if t.modified {
		t.mu.Unlock()
		return true
	}
	refs := t.refs
	t.mu.Unlock()
	for _, ref := range refs {
		if ref.State() == RefInMemory && ref.Page.Modified {
			return true
		}
	}
	return false
}

func (t *Btree) SetModified() {
	t.mu.Lock()
	t.modified = true
	t.mu.Unlock()
}

func (t *Btree) ClearModified() {
	t.mu.Lock()
	t.modified = false
	refs := t.refs
	t.mu.Unlock()
	for _, ref := range refs {
		if ref.State() == RefInMemory {
			ref.Page.Modified = false
		}
	}
}

// AppendLeaf writes a fresh leaf image and registers its ref. Used by table
// loads and by checkpoint when splitting in new content.
func (t *Btree) AppendLeaf(cells []Cell) (*Ref, error) {
	t.mu.Lock()
	pageNo := t.nextPageNo
	t.nextPageNo++
	t.mu.Unlock()

	if err := t.WriteLeaf(pageNo, cells); err != nil {
		return nil, err
	}
	var ta mvcc.TimeAggregate
	for i := range cells {
		ta.Merge(cells[i].Window)
	}
	ref := NewRef(pageNo, ta)
	t.mu.Lock()
	t.refs = append(t.refs, ref)
	t.mu.Unlock()
	return ref, t.writeRoot()
}

// WriteLeaf rewrites one leaf image in place.
func (t *Btree) WriteLeaf(pageNo uint64, cells []Cell) error {
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfData, PageKey(t.ID, pageNo), EncodePage(t.Kind, cells))
	return wb.WriteToDB(t.db)
}

func (t *Btree) writeRoot() error {
	t.mu.Lock()
	children := make([]ChildAddr, 0, len(t.refs))
	for _, ref := range t.refs {
		children = append(children, ChildAddr{PageNo: ref.PageNo, Aggregate: ref.Addr})
	}
	t.mu.Unlock()
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfData, PageKey(t.ID, rootPageNo), EncodeRoot(children))
	return wb.WriteToDB(t.db)
}

// FlushRoot persists the current child addresses; checkpoint calls it after
// rewriting leaves.
func (t *Btree) FlushRoot() error {
	return t.writeRoot()
}

// InstantiatePage reads the leaf image behind ref into memory. A ref already
// in memory is returned as is.
func (t *Btree) InstantiatePage(ref *Ref) (*Page, error) {
	if ref.State() == RefInMemory {
		return ref.Page, nil
	}
	if !ref.CasState(RefOnDisk, RefLocked) {
		if ref.State() == RefInMemory {
			return ref.Page, nil
		}
		return nil, errors.Errorf("btree %d: page %d in state %s cannot be read",
			t.ID, ref.PageNo, ref.State())
	}
	val, err := engine_util.GetCF(t.db, engine_util.CfData, PageKey(t.ID, ref.PageNo))
	if err != nil {
		ref.SetState(RefOnDisk)
		return nil, errors.Trace(err)
	}
	kind, ta, cells, err := DecodePage(val)
	if err != nil {
		ref.SetState(RefOnDisk)
		return nil, err
	}
	if kind != t.Kind {
		ref.SetState(RefOnDisk)
		return nil, errors.Errorf("btree %d: page %d kind mismatch", t.ID, ref.PageNo)
	}
	ref.Addr = ta
	ref.Page = NewPage(kind, cells)
	ref.SetState(RefInMemory)
	return ref.Page, nil
}

// Truncate fast-deletes a leaf: the ref flips to Deleted carrying the stop
// point, without the page being read.
func (t *Btree) Truncate(ref *Ref, del *PageDeleted) error {
	if !ref.CasState(RefOnDisk, RefDeleted) {
		return errors.Errorf("btree %d: page %d in state %s cannot be fast-truncated",
			t.ID, ref.PageNo, ref.State())
	}
	ref.Del = del
	t.SetModified()
	return nil
}

// RollbackDeleted reverses a fast-truncate, reviving the subtree. The page
// image is still on disk so flipping the state back is sufficient.
func (t *Btree) RollbackDeleted(ref *Ref) error {
	if !ref.CasState(RefDeleted, RefOnDisk) {
		return errors.Errorf("btree %d: page %d in state %s is not fast-truncated",
			t.ID, ref.PageNo, ref.State())
	}
	ref.Del = nil
	t.SetModified()
	return nil
}

// EncodeRoot serializes the internal page: child count then
// (page no, aggregate) entries.
func EncodeRoot(children []ChildAddr) []byte {
	b := codec.AppendUint32(make([]byte, 0, 4+len(children)*40), uint32(len(children)))
	for i := range children {
		b = codec.AppendUint64(b, children[i].PageNo)
		b = children[i].Aggregate.AppendTo(b)
	}
	return b
}

func DecodeRoot(b []byte) ([]ChildAddr, error) {
	if len(b) < 4 {
		return nil, errors.New("btree: short root image")
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	children := make([]ChildAddr, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < 8 {
			return nil, errors.New("btree: truncated root entry")
		}
		var child ChildAddr
		child.PageNo = binary.BigEndian.Uint64(b)
		var err error
		child.Aggregate, b, err = mvcc.ParseTimeAggregate(b[8:])
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}
