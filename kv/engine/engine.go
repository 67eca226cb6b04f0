package engine

import (
	"fmt"
	"sync"

	"github.com/coocood/badger"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/larchdb/larch/config"
	"github.com/larchdb/larch/kv/btree"
	"github.com/larchdb/larch/kv/evict"
	"github.com/larchdb/larch/kv/history"
	"github.com/larchdb/larch/kv/meta"
	"github.com/larchdb/larch/kv/mvcc"
	"github.com/larchdb/larch/kv/tso"
	"github.com/larchdb/larch/kv/txn"
	"github.com/larchdb/larch/kv/util/engine_util"
)

// btree ids below this are reserved for the engine's own objects.
const firstUserBtreeID uint32 = 4

// Engine ties the storage pieces together: the badger instance, the metadata
// table, the timestamp oracle, the transaction manager, the history store and
// the eviction server.
type Engine struct {
	conf     *config.Config
	engines  *engine_util.Engines
	catalog  *meta.Table
	oracle   *tso.Oracle
	txns     *txn.Manager
	hs       *history.Store
	eviction *evict.Server

	// schemaLock serializes table create and drop; ckptLock serializes
	// checkpoints against each other and against rollback.
	schemaLock sync.Mutex
	ckptLock   sync.Mutex

	mu      sync.Mutex
	trees   map[string]*btree.Btree
	nextID  uint32
	ckptSeq uint64

	recovering      bool
	recoverySnapMin uint64
}

func Open(conf *config.Config) (*Engine, error) {
	db, err := engine_util.CreateDB(conf.Engine.DBPath, conf.Engine.SyncWrite)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		conf:    conf,
		engines: engine_util.NewEngines(db, conf.Engine.DBPath),
		oracle:  tso.NewOracle(),
		txns:    txn.NewManager(),
		hs:      history.NewStore(db),
		trees:   make(map[string]*btree.Btree),
		nextID:  firstUserBtreeID,
	}
	e.eviction = evict.NewServer(e.hs, e.txns)
	if e.catalog, err = meta.NewTable(db); err != nil {
		e.engines.Close()
		return nil, err
	}
	if err := e.ensureReserved(); err != nil {
		e.engines.Close()
		return nil, err
	}
	if err := e.loadNextID(); err != nil {
		e.engines.Close()
		return nil, err
	}
	e.seedHistoryAggregate()
	return e, nil
}

// seedHistoryAggregate primes the history store's running aggregate from the
// last checkpointed catalog entry so a reopen never shrinks it.
func (e *Engine) seedHistoryAggregate() {
	config, err := e.catalog.Search(meta.HistoryStoreURI)
	if err != nil {
		return
	}
	ckpt, err := meta.ParseCheckpoint(config)
	if err != nil {
		return
	}
	e.hs.SeedAggregate(mvcc.TimeAggregate{
		NewestStartDurableTs: ckpt.NewestStartDurable,
		NewestStopDurableTs:  ckpt.NewestStopDurable,
		NewestStopTs:         ckpt.NewestStop,
		NewestTxn:            ckpt.NewestTxn,
		Prepare:              ckpt.Prepare,
	})
}

// ensureReserved registers the engine's own objects on first open. The oplog
// is immediately durable so rollback never touches it.
func (e *Engine) ensureReserved() error {
	reserved := []meta.Checkpoint{
		{BtreeID: 1, KeyFormat: "u"}, // history store
		{BtreeID: 2, KeyFormat: "u"}, // metadata
		{BtreeID: 3, KeyFormat: "u", ImmediatelyDurable: true},
	}
	uris := []string{meta.HistoryStoreURI, meta.MetadataURI, meta.OplogURI}
	for i, uri := range uris {
		if _, err := e.catalog.Search(uri); err == nil {
			continue
		} else if err != badger.ErrKeyNotFound {
			return errors.Trace(err)
		}
		ckpt := reserved[i]
		if err := e.catalog.Insert(uri, meta.FormatCheckpoint(&ckpt)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) loadNextID() error {
	return e.catalog.Ascend(func(uri, config string, lookupErr error) (bool, error) {
		if lookupErr != nil {
			return true, nil
		}
		ckpt, err := meta.ParseCheckpoint(config)
		if err != nil {
			return false, err
		}
		if ckpt.BtreeID >= e.nextID {
			e.nextID = ckpt.BtreeID + 1
		}
		return true, nil
	})
}

func (e *Engine) Close() error {
	return e.engines.Close()
}

func (e *Engine) Conf() *config.Config       { return e.conf }
func (e *Engine) DB() *badger.DB             { return e.engines.Kv }
func (e *Engine) Catalog() *meta.Table       { return e.catalog }
func (e *Engine) Oracle() *tso.Oracle        { return e.oracle }
func (e *Engine) Txns() *txn.Manager         { return e.txns }
func (e *Engine) History() *history.Store    { return e.hs }
func (e *Engine) Eviction() *evict.Server    { return e.eviction }

// SetRecoverySnapshot flags the engine as running startup recovery. snapMin
// is the oldest transaction id that may have been running when the recovered
// checkpoint was taken; ids at or above it are not visible.
func (e *Engine) SetRecoverySnapshot(snapMin uint64) {
	e.mu.Lock()
	e.recovering = true
	e.recoverySnapMin = snapMin
	e.mu.Unlock()
}

func (e *Engine) FinishRecovery() {
	e.mu.Lock()
	e.recovering = false
	e.mu.Unlock()
}

func (e *Engine) Recovering() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recovering
}

func (e *Engine) RecoverySnapMin() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recoverySnapMin
}

// TxnVisible reports whether a transaction id is known committed. Outside of
// recovery every stamped id is; during recovery only ids below the snapshot
// minimum are.
func (e *Engine) TxnVisible(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.recovering {
		return true
	}
	return id < e.recoverySnapMin
}

// CreateTable registers a new table and opens its empty tree.
func (e *Engine) CreateTable(uri string, kind btree.PageKind) (*btree.Btree, error) {
	e.schemaLock.Lock()
	defer e.schemaLock.Unlock()
	if !meta.IsFileURI(uri) {
		return nil, errors.Errorf("engine: bad table uri %q", uri)
	}
	if _, err := e.catalog.Search(uri); err == nil {
		return nil, errors.Errorf("engine: table %s already exists", uri)
	} else if err != badger.ErrKeyNotFound {
		return nil, errors.Trace(err)
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.mu.Unlock()

	ckpt := meta.Checkpoint{BtreeID: id, KeyFormat: keyFormat(kind)}
	if err := e.catalog.Insert(uri, meta.FormatCheckpoint(&ckpt)); err != nil {
		return nil, err
	}
	return e.OpenTree(uri)
}

func keyFormat(kind btree.PageKind) string {
	if kind == btree.ColLeaf {
		return "r"
	}
	return "u"
}

func kindOf(format string) btree.PageKind {
	if format == "r" {
		return btree.ColLeaf
	}
	return btree.RowLeaf
}

// OpenTree returns the live tree for a table URI, reading it from disk on
// first use.
func (e *Engine) OpenTree(uri string) (*btree.Btree, error) {
	e.mu.Lock()
	if t, ok := e.trees[uri]; ok {
		e.mu.Unlock()
		return t, nil
	}
	e.mu.Unlock()

	config, err := e.catalog.Search(uri)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ckpt, err := meta.ParseCheckpoint(config)
	if err != nil {
		return nil, err
	}
	t, err := btree.Open(e.engines.Kv, ckpt.BtreeID, uri, kindOf(ckpt.KeyFormat))
	if err != nil {
		return nil, err
	}
	t.ImmediatelyDurable = ckpt.ImmediatelyDurable

	e.mu.Lock()
	defer e.mu.Unlock()
	if prior, ok := e.trees[uri]; ok {
		return prior, nil
	}
	e.trees[uri] = t
	return t, nil
}

// Tree returns an already open tree, or nil.
func (e *Engine) Tree(uri string) *btree.Btree {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trees[uri]
}

// DirtyTrees implements evict.PageSource.
func (e *Engine) DirtyTrees() []*btree.Btree {
	e.mu.Lock()
	defer e.mu.Unlock()
	var dirty []*btree.Btree
	for _, t := range e.trees {
		if t.Modified() {
			dirty = append(dirty, t)
		}
	}
	return dirty
}

// LockExclusive takes the schema and checkpoint locks together, blocking
// DDL and checkpoints for as long as the caller holds them.
func (e *Engine) LockExclusive() {
	e.schemaLock.Lock()
	e.ckptLock.Lock()
}

func (e *Engine) UnlockExclusive() {
	e.ckptLock.Unlock()
	e.schemaLock.Unlock()
}

// Checkpoint reconciles every dirty page, persists each tree's root and
// rewrites the metadata checkpoint entries. force checkpoints clean trees
// too, refreshing their metadata.
func (e *Engine) Checkpoint(force bool) error {
	e.ckptLock.Lock()
	defer e.ckptLock.Unlock()
	return e.checkpoint(force)
}

// CheckpointLocked is Checkpoint for a caller already holding the engine
// exclusively via LockExclusive.
func (e *Engine) CheckpointLocked(force bool) error {
	return e.checkpoint(force)
}

func (e *Engine) checkpoint(force bool) error {
	e.mu.Lock()
	trees := make([]*btree.Btree, 0, len(e.trees))
	for _, t := range e.trees {
		trees = append(trees, t)
	}
	e.ckptSeq++
	seq := e.ckptSeq
	e.mu.Unlock()

	for _, t := range trees {
		if !force && !t.Modified() {
			continue
		}
		if err := e.checkpointTree(t, seq); err != nil {
			return err
		}
	}
	if err := e.checkpointHistory(); err != nil {
		return err
	}
	if stable, ok := e.oracle.StableTimestamp(); ok {
		log.Infof("checkpoint %d complete, stable timestamp %s", seq, mvcc.TsString(stable))
	}
	return nil
}

// checkpointHistory rewrites the history store's catalog entry with the
// store's running time aggregate. Recovery reads it back to decide whether
// any record could postdate the stable timestamp.
func (e *Engine) checkpointHistory() error {
	agg := e.hs.Aggregate()
	ckpt := meta.Checkpoint{
		BtreeID:            1,
		KeyFormat:          "u",
		NewestStartDurable: agg.NewestStartDurableTs,
		NewestStopDurable:  agg.NewestStopDurableTs,
		NewestStop:         agg.NewestStopTs,
		NewestTxn:          agg.NewestTxn,
		Prepare:            agg.Prepare,
		DurableTsFound: agg.NewestStartDurableTs != mvcc.TsNone ||
			agg.NewestStopDurableTs != mvcc.TsNone,
	}
	return e.catalog.Insert(meta.HistoryStoreURI, meta.FormatCheckpoint(&ckpt))
}

func (e *Engine) checkpointTree(t *btree.Btree, seq uint64) error {
	for _, ref := range t.Refs() {
		if ref.State() != btree.RefInMemory {
			continue
		}
		if err := e.eviction.EvictPage(t, ref); err != nil {
			return errors.Annotatef(err, "checkpoint %s", t.URI)
		}
	}
	if err := t.FlushRoot(); err != nil {
		return err
	}

	var agg mvcc.TimeAggregate
	empty := true
	for _, ref := range t.Refs() {
		agg.MergeAggregate(ref.Addr)
		empty = false
	}
	ckpt := meta.Checkpoint{
		BtreeID:            t.ID,
		KeyFormat:          keyFormat(t.Kind),
		NewestStartDurable: agg.NewestStartDurableTs,
		NewestStopDurable:  agg.NewestStopDurableTs,
		NewestStop:         agg.NewestStopTs,
		NewestTxn:          agg.NewestTxn,
		Prepare:            agg.Prepare,
		ImmediatelyDurable: t.ImmediatelyDurable,
	}
	if !empty {
		ckpt.Addr = fmt.Sprintf("ckpt.%d.%d", t.ID, seq)
		ckpt.DurableTsFound = agg.NewestStartDurableTs != mvcc.TsNone ||
			agg.NewestStopDurableTs != mvcc.TsNone
	}
	if err := e.catalog.Insert(t.URI, meta.FormatCheckpoint(&ckpt)); err != nil {
		return err
	}
	t.ClearModified()
	return nil
}
