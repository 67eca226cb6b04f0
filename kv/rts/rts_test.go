package rts

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/larchdb/larch/config"
	"github.com/larchdb/larch/kv/btree"
	"github.com/larchdb/larch/kv/engine"
	"github.com/larchdb/larch/kv/mvcc"
	"github.com/larchdb/larch/kv/txn"
)

func newTestEngine(t *testing.T) (*engine.Engine, func()) {
	dir, err := ioutil.TempDir("", "larch_rts")
	require.Nil(t, err)
	conf := config.NewDefaultConfig()
	conf.Engine.DBPath = dir
	conf.Engine.SyncWrite = false
	eng, err := engine.Open(conf)
	require.Nil(t, err)
	return eng, func() {
		eng.Close()
		os.RemoveAll(dir)
	}
}

func put(t *testing.T, eng *engine.Engine, tree *btree.Btree, key, value string, ts mvcc.Timestamp) {
	tx := eng.Txns().Begin()
	require.Nil(t, tx.Put(tree, []byte(key), []byte(value)))
	require.Nil(t, tx.Commit(ts, ts))
}

func del(t *testing.T, eng *engine.Engine, tree *btree.Btree, key string, ts mvcc.Timestamp) {
	tx := eng.Txns().Begin()
	require.Nil(t, tx.Delete(tree, []byte(key)))
	require.Nil(t, tx.Commit(ts, ts))
}

func putRecno(t *testing.T, eng *engine.Engine, tree *btree.Btree, recno uint64, value string, ts mvcc.Timestamp) {
	tx := eng.Txns().Begin()
	require.Nil(t, tx.PutRecno(tree, recno, []byte(value)))
	require.Nil(t, tx.Commit(ts, ts))
}

func get(t *testing.T, eng *engine.Engine, tree *btree.Btree, key string, ts mvcc.Timestamp) (string, bool) {
	val, err := eng.Get(tree, []byte(key), ts)
	if errors.Cause(err) == badger.ErrKeyNotFound {
		return "", false
	}
	require.Nil(t, err)
	return string(val), true
}

// buildTwoVersions writes "a" at 10 and "b" at 20, both checkpointed, so the
// older version sits in the history store under the newer on-disk one.
func buildTwoVersions(t *testing.T, eng *engine.Engine, uri string) *btree.Btree {
	tree, err := eng.CreateTable(uri, btree.RowLeaf)
	require.Nil(t, err)
	put(t, eng, tree, "k", "a", 10)
	require.Nil(t, eng.Checkpoint(true))
	put(t, eng, tree, "k", "b", 20)
	require.Nil(t, eng.Checkpoint(true))
	return tree
}

func TestRollbackRestoresFromHistory(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()
	tree := buildTwoVersions(t, eng, "file:hist")

	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStable(eng))

	val, ok := get(t, eng, tree, "k", 25)
	require.True(t, ok)
	require.Equal(t, "a", val)

	// The rolled back value never existed before its commit.
	_, ok = get(t, eng, tree, "k", 5)
	require.False(t, ok)

	durable, has := eng.Oracle().DurableTimestamp()
	require.True(t, has)
	require.Equal(t, mvcc.Timestamp(15), durable)
}

func TestRollbackKeepsStableNewerVersion(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()
	tree := buildTwoVersions(t, eng, "file:histkeep")

	require.Nil(t, eng.Oracle().SetStable(25))
	require.Nil(t, RollbackToStable(eng))

	// Both versions are stable; nothing moves.
	val, ok := get(t, eng, tree, "k", 25)
	require.True(t, ok)
	require.Equal(t, "b", val)
	val, ok = get(t, eng, tree, "k", 15)
	require.True(t, ok)
	require.Equal(t, "a", val)
}

func TestRollbackRemovesAllUnstableVersions(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()
	tree := buildTwoVersions(t, eng, "file:histdrop")

	require.Nil(t, eng.Oracle().SetStable(5))
	require.Nil(t, RollbackToStable(eng))

	// Neither version was stable, so the key did not exist at the rollback
	// timestamp.
	_, ok := get(t, eng, tree, "k", 25)
	require.False(t, ok)
}

func TestRollbackAbortsInMemoryUpdates(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:mem", btree.RowLeaf)
	require.Nil(t, err)
	put(t, eng, tree, "k", "a", 10)
	put(t, eng, tree, "k", "b", 20)

	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStable(eng))

	val, ok := get(t, eng, tree, "k", 25)
	require.True(t, ok)
	require.Equal(t, "a", val)

	// A second pass finds nothing left to do.
	require.Nil(t, RollbackToStable(eng))
	val, ok = get(t, eng, tree, "k", 25)
	require.True(t, ok)
	require.Equal(t, "a", val)
}

func TestRollbackWithoutStableTimestamp(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:nostable", btree.RowLeaf)
	require.Nil(t, err)
	put(t, eng, tree, "k", "a", 10)

	// With no stable timestamp everything timestamped is unstable.
	require.Nil(t, RollbackToStable(eng))
	_, ok := get(t, eng, tree, "k", 25)
	require.False(t, ok)
}

func TestRollbackRestoresDeletedValueFromDisk(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:deleted", btree.RowLeaf)
	require.Nil(t, err)
	put(t, eng, tree, "k", "a", 10)
	require.Nil(t, eng.Checkpoint(true))
	del(t, eng, tree, "k", 20)
	require.Nil(t, eng.Checkpoint(true))

	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStable(eng))

	val, ok := get(t, eng, tree, "k", 25)
	require.True(t, ok)
	require.Equal(t, "a", val)
}

func TestRollbackKeepsDeletionAtStable(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:stopstable", btree.RowLeaf)
	require.Nil(t, err)
	put(t, eng, tree, "k1", "a", 10)
	put(t, eng, tree, "k2", "c", 10)
	require.Nil(t, eng.Checkpoint(true))
	del(t, eng, tree, "k1", 15)
	require.Nil(t, eng.Checkpoint(true))
	put(t, eng, tree, "k2", "d", 20)

	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStable(eng))

	// The deletion committed exactly at the stable timestamp stands.
	_, ok := get(t, eng, tree, "k1", 25)
	require.False(t, ok)
	val, ok := get(t, eng, tree, "k1", 12)
	require.True(t, ok)
	require.Equal(t, "a", val)

	// The unstable update on the same page is gone.
	val, ok = get(t, eng, tree, "k2", 25)
	require.True(t, ok)
	require.Equal(t, "c", val)
}

func TestRollbackSkipsStableTables(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:stable", btree.RowLeaf)
	require.Nil(t, err)
	put(t, eng, tree, "k", "a", 10)
	require.Nil(t, eng.Checkpoint(true))

	require.Nil(t, eng.Oracle().SetStable(20))
	require.Nil(t, RollbackToStable(eng))

	// A fully stable page never leaves the on-disk state.
	refs := tree.Refs()
	require.Len(t, refs, 1)
	require.Equal(t, btree.RefOnDisk, refs[0].State())

	val, ok := get(t, eng, tree, "k", 25)
	require.True(t, ok)
	require.Equal(t, "a", val)
}

func TestRollbackShortCircuitsEmptyTable(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:empty", btree.RowLeaf)
	require.Nil(t, err)
	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStable(eng))

	// Never written, never walked: the tree grows no pages.
	require.Len(t, tree.Refs(), 0)
}

func TestRollbackAbortsPreparedUpdates(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:prepared", btree.RowLeaf)
	require.Nil(t, err)
	put(t, eng, tree, "k", "a", 10)

	// An orphaned prepared update, as left behind by a crashed transaction.
	// Its timestamp is below stable; the prepare state alone dooms it.
	page := tree.Refs()[0].Page
	page.Lock()
	head := page.InsertChainHead([]byte("k"), false)
	require.NotNil(t, head)
	*head = page.Updates.Prepend(*head, mvcc.Update{
		Txn:          99,
		StartTs:      12,
		DurableTs:    mvcc.TsNone,
		Type:         mvcc.UpdateStandard,
		PrepareState: mvcc.PrepareInProgress,
		Value:        []byte("p"),
	})
	page.Modified = true
	page.Unlock()

	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStable(eng))

	val, ok := get(t, eng, tree, "k", 25)
	require.True(t, ok)
	require.Equal(t, "a", val)
}

func TestRollbackRejectsActiveTransactions(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:active", btree.RowLeaf)
	require.Nil(t, err)
	tx := eng.Txns().Begin()
	require.Nil(t, tx.Put(tree, []byte("k"), []byte("v")))

	err = RollbackToStable(eng)
	require.NotNil(t, err)
	require.Equal(t, txn.ErrActiveTransactions, errors.Cause(err))

	require.Nil(t, tx.Rollback())
	require.Nil(t, RollbackToStable(eng))
}

func TestRollbackSweepsNonTimestampedHistory(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:plain", btree.RowLeaf)
	require.Nil(t, err)
	tx := eng.Txns().Begin()
	require.Nil(t, tx.Put(tree, []byte("k"), []byte("v")))
	require.Nil(t, tx.Commit(mvcc.TsNone, mvcc.TsNone))
	require.Nil(t, eng.Checkpoint(true))

	// Obsolete history for a table that has no timestamped data.
	rw := mvcc.NewTimeWindow()
	rw.StartTs, rw.DurableStartTs, rw.StartTxn = 5, 5, 1
	require.Nil(t, eng.History().Insert(tree.ID, []byte("k"), rw, mvcc.UpdateStandard, []byte("old")))

	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStable(eng))

	cur := eng.History().NewCursor()
	defer cur.Close()
	found, err := cur.SeekKey(tree.ID, []byte("k"))
	require.Nil(t, err)
	require.False(t, found)

	val, ok := get(t, eng, tree, "k", 25)
	require.True(t, ok)
	require.Equal(t, "v", val)
}

func TestRollbackRevivesUnstableTruncate(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:trunc", btree.RowLeaf)
	require.Nil(t, err)
	put(t, eng, tree, "k", "a", 10)
	require.Nil(t, eng.Checkpoint(true))

	refs := tree.Refs()
	require.Nil(t, tree.Truncate(refs[0], &btree.PageDeleted{Txn: 5, Ts: 30, DurableTs: 30}))
	_, ok := get(t, eng, tree, "k", 40)
	require.False(t, ok)

	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStable(eng))

	require.Equal(t, btree.RefOnDisk, refs[0].State())
	val, ok := get(t, eng, tree, "k", 25)
	require.True(t, ok)
	require.Equal(t, "a", val)
}

func TestRollbackKeepsStableTruncate(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:truncstable", btree.RowLeaf)
	require.Nil(t, err)
	put(t, eng, tree, "k", "a", 10)
	require.Nil(t, eng.Checkpoint(true))

	refs := tree.Refs()
	require.Nil(t, tree.Truncate(refs[0], &btree.PageDeleted{Txn: 5, Ts: 12, DurableTs: 12}))

	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStable(eng))

	require.Equal(t, btree.RefDeleted, refs[0].State())
	_, ok := get(t, eng, tree, "k", 25)
	require.False(t, ok)
}

func TestRollbackHonorsRecoverySnapshot(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:recovery", btree.RowLeaf)
	require.Nil(t, err)
	put(t, eng, tree, "k1", "a", 10) // txn id 1
	put(t, eng, tree, "k2", "b", 10) // txn id 2

	// Recovery treats txn id 2 and above as uncommitted at crash time, so
	// the second write is unstable despite its timestamp.
	eng.SetRecoverySnapshot(2)
	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStable(eng))
	eng.FinishRecovery()

	val, ok := get(t, eng, tree, "k1", 25)
	require.True(t, ok)
	require.Equal(t, "a", val)
	_, ok = get(t, eng, tree, "k2", 25)
	require.False(t, ok)
}

func TestRollbackColumnStore(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:col", btree.ColLeaf)
	require.Nil(t, err)
	putRecno(t, eng, tree, 1, "x", 10)
	require.Nil(t, eng.Checkpoint(true))
	putRecno(t, eng, tree, 1, "y", 20)
	require.Nil(t, eng.Checkpoint(true))

	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStable(eng))

	val, err := eng.GetRecno(tree, 1, 25)
	require.Nil(t, err)
	require.Equal(t, "x", string(val))
}

func TestRollbackToStableOneLeavesOtherTables(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	one, err := eng.CreateTable("file:one", btree.RowLeaf)
	require.Nil(t, err)
	two, err := eng.CreateTable("file:two", btree.RowLeaf)
	require.Nil(t, err)
	put(t, eng, one, "k", "a", 10)
	put(t, eng, one, "k", "b", 20)
	put(t, eng, two, "k", "a", 10)
	put(t, eng, two, "k", "b", 20)

	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStableOne(eng, "file:one"))

	val, ok := get(t, eng, one, "k", 25)
	require.True(t, ok)
	require.Equal(t, "a", val)
	val, ok = get(t, eng, two, "k", 25)
	require.True(t, ok)
	require.Equal(t, "b", val)
}

func TestRollbackRestoresPreparedStop(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:prepstop", btree.RowLeaf)
	require.Nil(t, err)

	// A committed value deleted by a prepared transaction that never
	// resolved. The start is stable; only the stop must be undone.
	tw := mvcc.TimeWindow{
		StartTs: 10, DurableStartTs: 10, StartTxn: 1,
		StopTs: 20, DurableStopTs: 20, StopTxn: 2,
		Prepare: true,
	}
	_, err = tree.AppendLeaf([]btree.Cell{{Key: []byte("k"), Value: []byte("a"), Window: tw}})
	require.Nil(t, err)
	require.Nil(t, eng.Checkpoint(true))

	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStable(eng))

	val, ok := get(t, eng, tree, "k", 25)
	require.True(t, ok)
	require.Equal(t, "a", val)
}

func TestRollbackRemovalIsIdempotent(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	tree, err := eng.CreateTable("file:gone", btree.RowLeaf)
	require.Nil(t, err)
	put(t, eng, tree, "k", "a", 10)
	require.Nil(t, eng.Checkpoint(true))

	require.Nil(t, eng.Oracle().SetStable(5))
	require.Nil(t, RollbackToStable(eng))
	_, ok := get(t, eng, tree, "k", 25)
	require.False(t, ok)

	// The trailing checkpoint reconciled the removal for good: the written
	// image dropped the key and nothing went back into the history store.
	refs := tree.Refs()
	require.Len(t, refs, 1)
	page, err := tree.InstantiatePage(refs[0])
	require.Nil(t, err)
	require.Len(t, page.Cells, 0)

	cur := eng.History().NewCursor()
	found, err := cur.SeekKey(tree.ID, []byte("k"))
	cur.Close()
	require.Nil(t, err)
	require.False(t, found)

	// A second pass finds nothing left to undo.
	require.Nil(t, RollbackToStable(eng))
	_, ok = get(t, eng, tree, "k", 25)
	require.False(t, ok)
}

func TestRollbackRestoredUpdateKeepsTransaction(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()
	eng.Conf().Rollback.NoCheckpoint = true

	tree, err := eng.CreateTable("file:restoretxn", btree.RowLeaf)
	require.Nil(t, err)
	put(t, eng, tree, "k", "a", 10) // txn id 1
	require.Nil(t, eng.Checkpoint(true))
	del(t, eng, tree, "k", 20) // txn id 2
	require.Nil(t, eng.Checkpoint(true))

	require.Nil(t, eng.Oracle().SetStable(15))
	require.Nil(t, RollbackToStable(eng))

	// Outside of recovery the restored value keeps the transaction id of the
	// start it came from.
	page := tree.Refs()[0].Page
	require.NotNil(t, page)
	slot := page.FindSlot([]byte("k"))
	require.True(t, slot >= 0)
	u := page.Updates.At(page.SlotHead(slot))
	require.Equal(t, mvcc.UpdateStandard, u.Type)
	require.Equal(t, uint64(1), u.Txn)
	require.NotZero(t, u.Flags&mvcc.FlagRestoredFromDisk)
}

func TestRecoveryHistoryPassHonorsCheckpoint(t *testing.T) {
	eng, done := newTestEngine(t)
	defer done()

	// A stray record for a tree the catalog no longer knows about. Its stop
	// is newer than the rollback timestamp.
	rw := mvcc.NewTimeWindow()
	rw.StartTs, rw.DurableStartTs = 30, 30
	rw.StopTs, rw.DurableStopTs = 40, 40
	require.Nil(t, eng.History().Insert(9, []byte("k"), rw, mvcc.UpdateStandard, []byte("old")))

	eng.SetRecoverySnapshot(1)
	defer eng.FinishRecovery()
	require.Nil(t, eng.Oracle().SetStable(15))

	// The store's checkpoint entry predates the insert and reads as fully
	// stable, so the sweep is skipped and the record survives.
	require.Nil(t, RollbackToStable(eng))
	cur := eng.History().NewCursor()
	found, err := cur.SeekKey(9, []byte("k"))
	cur.Close()
	require.Nil(t, err)
	require.True(t, found)

	// The trailing checkpoint persisted the store's aggregate; the next pass
	// sees the unstable stop and sweeps the record out.
	require.Nil(t, RollbackToStable(eng))
	cur = eng.History().NewCursor()
	found, err = cur.SeekKey(9, []byte("k"))
	cur.Close()
	require.Nil(t, err)
	require.False(t, found)
}
