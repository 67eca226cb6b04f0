package btree

import (
	"bytes"
	"sort"
	"sync"

	gbtree "github.com/google/btree"

	"github.com/larchdb/larch/kv/mvcc"
)

type PageKind uint8

const (
	// RowLeaf holds byte-string keys.
	RowLeaf PageKind = iota
	// ColLeaf holds record-number keys; cells may carry run-length repeats.
	ColLeaf
)

// Cell is one on-disk value as unpacked from the page image.
type Cell struct {
	Key    []byte // row leaf
	Recno  uint64 // col leaf
	RLE    uint64 // col leaf run length, 0 and 1 both mean a single record
	Value  []byte
	Window mvcc.TimeWindow
}

func (c *Cell) Runs() uint64 {
	if c.RLE <= 1 {
		return 1
	}
	return c.RLE
}

// Page is an instantiated leaf. Disk cells keep their image order; update
// chains hang off per-slot heads, and keys not on the image live on the
// insert list (row) or append list (col). The latch is the single-writer
// page guard every chain splice must hold.
type Page struct {
	Kind     PageKind
	Cells    []Cell
	Updates  mvcc.UpdateList
	Modified bool

	latch sync.Mutex

	slotHeads []int32      // parallel to Cells
	rowIndex  *gbtree.BTree // row leaf: key -> slot
	inserts   *gbtree.BTree // row leaf: keys not on the disk image
	appends   []*colAppend  // col leaf: recnos past the disk image
}

type rowSlot struct {
	key  []byte
	slot int
}

func (a rowSlot) Less(b gbtree.Item) bool {
	return bytes.Compare(a.key, b.(rowSlot).key) < 0
}

type insertEntry struct {
	key  []byte
	head int32
}

func (a *insertEntry) Less(b gbtree.Item) bool {
	return bytes.Compare(a.key, b.(*insertEntry).key) < 0
}

type colAppend struct {
	recno uint64
	head  int32
}

func NewPage(kind PageKind, cells []Cell) *Page {
	p := &Page{
		Kind:      kind,
		Cells:     cells,
		slotHeads: make([]int32, len(cells)),
	}
	for i := range p.slotHeads {
		p.slotHeads[i] = mvcc.NilUpdate
	}
	if kind == RowLeaf {
		p.rowIndex = gbtree.New(8)
		p.inserts = gbtree.New(8)
		for i := range cells {
			p.rowIndex.ReplaceOrInsert(rowSlot{key: cells[i].Key, slot: i})
		}
	}
	return p
}

// Lock acquires the page guard. Every chain splice, whether from a writer or
// from rollback, runs under it.
func (p *Page) Lock()   { p.latch.Lock() }
func (p *Page) Unlock() { p.latch.Unlock() }

// SlotHead returns the update chain head for a disk cell slot.
func (p *Page) SlotHead(slot int) int32 {
	return p.slotHeads[slot]
}

// SetSlotHead installs a new chain head. Caller holds the page guard.
func (p *Page) SetSlotHead(slot int, head int32) {
	p.slotHeads[slot] = head
	p.Modified = true
}

// FindSlot locates the disk cell for a row key, or -1.
func (p *Page) FindSlot(key []byte) int {
	if p.Kind == RowLeaf {
		item := p.rowIndex.Get(rowSlot{key: key})
		if item == nil {
			return -1
		}
		return item.(rowSlot).slot
	}
	return -1
}

// FindColSlot locates the disk cell covering recno, or -1.
func (p *Page) FindColSlot(recno uint64) int {
	i := sort.Search(len(p.Cells), func(i int) bool {
		c := &p.Cells[i]
		return c.Recno+c.Runs() > recno
	})
	if i < len(p.Cells) && p.Cells[i].Recno <= recno {
		return i
	}
	return -1
}

// InsertChainHead returns the chain head for a row key on the insert list,
// creating the entry when asked to.
func (p *Page) InsertChainHead(key []byte, create bool) *int32 {
	item := p.inserts.Get(&insertEntry{key: key})
	if item != nil {
		return &item.(*insertEntry).head
	}
	if !create {
		return nil
	}
	e := &insertEntry{key: append([]byte(nil), key...), head: mvcc.NilUpdate}
	p.inserts.ReplaceOrInsert(e)
	return &e.head
}

// AscendInserts walks the insert list in key order.
func (p *Page) AscendInserts(fn func(key []byte, head *int32) bool) {
	if p.inserts == nil {
		return
	}
	p.inserts.Ascend(func(item gbtree.Item) bool {
		e := item.(*insertEntry)
		return fn(e.key, &e.head)
	})
}

// AppendChainHead returns the chain head for a col recno past the disk image,
// creating the entry when asked to.
func (p *Page) AppendChainHead(recno uint64, create bool) *int32 {
	for _, e := range p.appends {
		if e.recno == recno {
			return &e.head
		}
	}
	if !create {
		return nil
	}
	// Entries are allocated individually so a returned head pointer stays
	// valid when a later create grows and re-sorts the list.
	e := &colAppend{recno: recno, head: mvcc.NilUpdate}
	p.appends = append(p.appends, e)
	sort.Slice(p.appends, func(i, j int) bool { return p.appends[i].recno < p.appends[j].recno })
	return &e.head
}

// AscendAppends walks the append list in recno order.
func (p *Page) AscendAppends(fn func(recno uint64, head *int32) bool) {
	for _, e := range p.appends {
		if !fn(e.recno, &e.head) {
			return
		}
	}
}

// Aggregate recomputes the time aggregate over the page's disk cells.
func (p *Page) Aggregate() mvcc.TimeAggregate {
	var ta mvcc.TimeAggregate
	for i := range p.Cells {
		ta.Merge(p.Cells[i].Window)
	}
	return ta
}
