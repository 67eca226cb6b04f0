package evict

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/larchdb/larch/kv/btree"
	"github.com/larchdb/larch/kv/history"
	"github.com/larchdb/larch/kv/metrics"
	"github.com/larchdb/larch/kv/mvcc"
	"github.com/larchdb/larch/kv/txn"
	"github.com/larchdb/larch/kv/util/codec"
)

// ErrPageBusy is returned when a page carries uncommitted updates and cannot
// be reconciled.
var ErrPageBusy = errors.New("evict: page has uncommitted updates")

// PageSource feeds the background pass: it yields the trees whose dirty
// pages are eligible for eviction.
type PageSource interface {
	DirtyTrees() []*btree.Btree
}

// Server reconciles dirty pages back to disk, moving superseded versions to
// the history store. Passes can be interrupted and held off, which is how
// rollback quiesces the cache.
type Server struct {
	hs   *history.Store
	txns *txn.Manager

	passIntr int32
	active   int32

	wg      sync.WaitGroup
	closeCh chan struct{}
}

func NewServer(hs *history.Store, txns *txn.Manager) *Server {
	return &Server{hs: hs, txns: txns, closeCh: make(chan struct{})}
}

// Start launches the background pass loop.
func (s *Server) Start(src PageSource, interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.closeCh:
				return
			case <-ticker.C:
				if err := s.RunPass(src); err != nil {
					log.Warnf("eviction pass failed: %v", err)
				}
			}
		}
	}()
}

func (s *Server) Stop() {
	close(s.closeCh)
	s.wg.Wait()
}

// InterruptPasses asks running and future passes to stand down. Callers pair
// it with ResumePasses.
func (s *Server) InterruptPasses() {
	atomic.AddInt32(&s.passIntr, 1)
}

func (s *Server) ResumePasses() {
	atomic.AddInt32(&s.passIntr, -1)
}

func (s *Server) interrupted() bool {
	return atomic.LoadInt32(&s.passIntr) > 0
}

// Quiesced reports whether no pass is touching pages right now.
func (s *Server) Quiesced() bool {
	return atomic.LoadInt32(&s.active) == 0
}

// RunPass evicts every dirty in-memory page the source offers, bailing out
// between pages once interrupted.
func (s *Server) RunPass(src PageSource) error {
	if s.interrupted() {
		return nil
	}
	atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)
	for _, tree := range src.DirtyTrees() {
		for _, ref := range tree.Refs() {
			if s.interrupted() {
				return nil
			}
			if ref.State() != btree.RefInMemory || !ref.Page.Modified {
				continue
			}
			if err := s.EvictPage(tree, ref); err != nil {
				if errors.Cause(err) == ErrPageBusy {
					continue
				}
				return err
			}
		}
	}
	return nil
}

// EvictPage reconciles one in-memory page: the newest committed version of
// each key becomes the disk cell, older versions move to the history store,
// and the page reverts to on-disk state.
func (s *Server) EvictPage(tree *btree.Btree, ref *btree.Ref) error {
	if ref.State() != btree.RefInMemory {
		return nil
	}
	page := ref.Page
	page.Lock()
	defer page.Unlock()

	var cells []btree.Cell
	var err error
	if page.Kind == btree.RowLeaf {
		cells, err = s.reconcileRow(tree, page)
	} else {
		cells, err = s.reconcileCol(tree, page)
	}
	if err != nil {
		return err
	}
	if err := tree.WriteLeaf(ref.PageNo, cells); err != nil {
		return err
	}
	var ta mvcc.TimeAggregate
	for i := range cells {
		ta.Merge(cells[i].Window)
	}
	ref.Addr = ta
	ref.Page = nil
	ref.SetState(btree.RefOnDisk)
	metrics.EvictPagesWritten.Inc()
	return tree.FlushRoot()
}

func (s *Server) reconcileRow(tree *btree.Btree, page *btree.Page) ([]btree.Cell, error) {
	type entry struct {
		key  []byte
		cell *btree.Cell
		head int32
	}
	entries := make([]entry, 0, len(page.Cells))
	for i := range page.Cells {
		entries = append(entries, entry{key: page.Cells[i].Key, cell: &page.Cells[i], head: page.SlotHead(i)})
	}
	page.AscendInserts(func(key []byte, head *int32) bool {
		entries = append(entries, entry{key: key, head: *head})
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].key) < string(entries[j].key)
	})

	var cells []btree.Cell
	for _, e := range entries {
		keep, val, tw, err := s.reconcileChain(tree, page, e.key, e.cell, e.head)
		if err != nil {
			return nil, err
		}
		if keep {
			cells = append(cells, btree.Cell{Key: append([]byte(nil), e.key...), Value: val, Window: tw})
		}
	}
	return cells, nil
}

func (s *Server) reconcileCol(tree *btree.Btree, page *btree.Page) ([]btree.Cell, error) {
	chains := make(map[uint64]int32)
	for i := range page.Cells {
		if page.Cells[i].Runs() == 1 && page.SlotHead(i) != mvcc.NilUpdate {
			chains[page.Cells[i].Recno] = page.SlotHead(i)
		}
	}
	page.AscendAppends(func(recno uint64, head *int32) bool {
		chains[recno] = *head
		return true
	})

	var cells []btree.Cell
	emitRun := func(c *btree.Cell, start, end uint64) {
		if end <= start {
			return
		}
		cells = append(cells, btree.Cell{
			Recno:  start,
			RLE:    end - start,
			Value:  c.Value,
			Window: c.Window,
		})
	}
	for i := range page.Cells {
		c := &page.Cells[i]
		start, end := c.Recno, c.Recno+c.Runs()
		runStart := start
		for rec := start; rec < end; rec++ {
			head, ok := chains[rec]
			if !ok {
				continue
			}
			emitRun(c, runStart, rec)
			keep, val, tw, err := s.reconcileChain(tree, page, colKey(rec), c, head)
			if err != nil {
				return nil, err
			}
			if keep {
				cells = append(cells, btree.Cell{Recno: rec, RLE: 1, Value: val, Window: tw})
			}
			delete(chains, rec)
			runStart = rec + 1
		}
		emitRun(c, runStart, end)
	}
	// Chains past the disk image, in recno order.
	rest := make([]uint64, 0, len(chains))
	for rec := range chains {
		rest = append(rest, rec)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	for _, rec := range rest {
		keep, val, tw, err := s.reconcileChain(tree, page, colKey(rec), nil, chains[rec])
		if err != nil {
			return nil, err
		}
		if keep {
			cells = append(cells, btree.Cell{Recno: rec, RLE: 1, Value: val, Window: tw})
		}
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].Recno < cells[j].Recno })
	return cells, nil
}

// colKey is the history store key of a column-store record.
func colKey(recno uint64) []byte {
	return codec.AppendUint64(make([]byte, 0, 8), recno)
}

// version is one committed value in newest-first order, gathered from the
// update chain and the disk cell behind it.
type version struct {
	typ       mvcc.UpdateType
	value     []byte
	startTs   mvcc.Timestamp
	durableTs mvcc.Timestamp
	txn       uint64
	prepared  bool
	updIdx    int32
}

// reconcileChain folds a key's chain and disk cell into the new disk cell and
// pushes superseded versions to the history store.
func (s *Server) reconcileChain(tree *btree.Btree, page *btree.Page, hsKey []byte, cell *btree.Cell, head int32) (keep bool, val []byte, tw mvcc.TimeWindow, err error) {
	versions, err := s.collectVersions(page, cell, head)
	if err != nil {
		return false, nil, tw, err
	}
	if len(versions) == 0 {
		return false, nil, tw, nil
	}

	newest := versions[0]
	tw = mvcc.NewTimeWindow()
	hsFrom := 1
	if newest.typ == mvcc.UpdateTombstone {
		if len(versions) == 1 {
			return false, nil, tw, nil
		}
		if newest.startTs == mvcc.TsNone && newest.txn == mvcc.TxnNone {
			// A timestamp-less, txn-less tombstone is visible to everyone;
			// the key and its older versions are gone.
			return false, nil, tw, nil
		}
		base := versions[1]
		val, err = resolvedValue(versions, 1)
		if err != nil {
			return false, nil, tw, err
		}
		tw.StartTs, tw.DurableStartTs, tw.StartTxn = base.startTs, base.durableTs, base.txn
		tw.StopTs, tw.DurableStopTs, tw.StopTxn = newest.startTs, newest.durableTs, newest.txn
		tw.Prepare = newest.prepared || base.prepared
		hsFrom = 2
	} else {
		val, err = resolvedValue(versions, 0)
		if err != nil {
			return false, nil, tw, err
		}
		tw.StartTs, tw.DurableStartTs, tw.StartTxn = newest.startTs, newest.durableTs, newest.txn
		tw.Prepare = newest.prepared
	}

	for i := hsFrom; i < len(versions); i++ {
		v := versions[i]
		if v.typ == mvcc.UpdateTombstone {
			// A tombstone's effect is the stop point of the version below it.
			continue
		}
		succ := versions[i-1]
		rw := mvcc.NewTimeWindow()
		rw.StartTs, rw.DurableStartTs, rw.StartTxn = v.startTs, v.durableTs, v.txn
		rw.StopTs, rw.DurableStopTs, rw.StopTxn = succ.startTs, succ.durableTs, succ.txn
		// History always holds full values; modify deltas are squashed here
		// so reconstruction never depends on a chain of forward deltas.
		full, err := resolvedValue(versions, i)
		if err != nil {
			return false, nil, tw, err
		}
		if err := s.hs.Insert(tree.ID, hsKey, rw, mvcc.UpdateStandard, full); err != nil {
			return false, nil, tw, err
		}
		metrics.EvictHistoryInserted.Inc()
		if v.updIdx != mvcc.NilUpdate {
			page.Updates.At(v.updIdx).Flags |= mvcc.FlagInHistory
		}
	}
	return true, val, tw, nil
}

// collectVersions walks the chain newest to oldest, then appends the disk
// cell as the oldest version. A disk cell already carrying a stop point
// contributes its tombstone too.
func (s *Server) collectVersions(page *btree.Page, cell *btree.Cell, head int32) ([]version, error) {
	var versions []version
	restored := false
	for idx := head; idx != mvcc.NilUpdate; idx = page.Updates.Next(idx) {
		u := page.Updates.At(idx)
		if u.Aborted() {
			continue
		}
		if s.txns.IsActive(u.Txn) {
			return nil, errors.Trace(ErrPageBusy)
		}
		if u.Flags&(mvcc.FlagRestoredFromHistory|mvcc.FlagRestoredFromDisk) != 0 {
			restored = true
		}
		versions = append(versions, version{
			typ:       u.Type,
			value:     u.Value,
			startTs:   u.StartTs,
			durableTs: u.DurableTs,
			txn:       u.Txn,
			prepared:  u.PrepareState == mvcc.PrepareInProgress,
			updIdx:    idx,
		})
	}
	// A rollback-restored update supersedes the disk image; folding the
	// stale cell in below it would fabricate an inverted history window.
	if cell != nil && !restored {
		if cell.Window.HasStop() {
			versions = append(versions, version{
				typ:       mvcc.UpdateTombstone,
				startTs:   cell.Window.StopTs,
				durableTs: cell.Window.DurableStopTs,
				txn:       cell.Window.StopTxn,
				updIdx:    mvcc.NilUpdate,
			})
		}
		versions = append(versions, version{
			typ:       mvcc.UpdateStandard,
			value:     cell.Value,
			startTs:   cell.Window.StartTs,
			durableTs: cell.Window.DurableStartTs,
			txn:       cell.Window.StartTxn,
			prepared:  cell.Window.Prepare,
			updIdx:    mvcc.NilUpdate,
		})
	}
	return versions, nil
}

// resolvedValue materializes the full value of versions[i], folding modify
// deltas against the next older full value.
func resolvedValue(versions []version, i int) ([]byte, error) {
	v := versions[i]
	switch v.typ {
	case mvcc.UpdateStandard:
		return v.value, nil
	case mvcc.UpdateModify:
		if i+1 >= len(versions) {
			return nil, errors.New("evict: modify without a base value")
		}
		base, err := resolvedValue(versions, i+1)
		if err != nil {
			return nil, err
		}
		return mvcc.ApplyModify(base, v.value)
	}
	return nil, errors.Errorf("evict: cannot materialize %s update", v.typ)
}
