package evict

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/larchdb/larch/kv/btree"
	"github.com/larchdb/larch/kv/history"
	"github.com/larchdb/larch/kv/mvcc"
	"github.com/larchdb/larch/kv/txn"
	"github.com/larchdb/larch/kv/util/engine_util"
)

type testEnv struct {
	db   *badger.DB
	hs   *history.Store
	srv  *Server
	txns *txn.Manager
}

func newTestEnv(t *testing.T) (*testEnv, func()) {
	dir, err := ioutil.TempDir("", "larch_evict")
	require.Nil(t, err)
	db, err := engine_util.CreateDB(dir, false)
	require.Nil(t, err)
	hs := history.NewStore(db)
	txns := txn.NewManager()
	return &testEnv{db: db, hs: hs, srv: NewServer(hs, txns), txns: txns}, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

func put(t *testing.T, env *testEnv, tree *btree.Btree, key, value string, ts mvcc.Timestamp) {
	tx := env.txns.Begin()
	require.Nil(t, tx.Put(tree, []byte(key), []byte(value)))
	require.Nil(t, tx.Commit(ts, ts))
}

func del(t *testing.T, env *testEnv, tree *btree.Btree, key string, ts mvcc.Timestamp) {
	tx := env.txns.Begin()
	require.Nil(t, tx.Delete(tree, []byte(key)))
	require.Nil(t, tx.Commit(ts, ts))
}

func TestEvictMovesOldVersionsToHistory(t *testing.T) {
	env, done := newTestEnv(t)
	defer done()

	tree, err := btree.Open(env.db, 20, "file:t", btree.RowLeaf)
	require.Nil(t, err)
	put(t, env, tree, "k", "a", 10)
	put(t, env, tree, "k", "b", 20)

	refs := tree.Refs()
	require.Len(t, refs, 1)
	require.Nil(t, env.srv.EvictPage(tree, refs[0]))
	require.Equal(t, btree.RefOnDisk, refs[0].State())

	// The newest committed version is the disk cell.
	page, err := tree.InstantiatePage(refs[0])
	require.Nil(t, err)
	slot := page.FindSlot([]byte("k"))
	require.True(t, slot >= 0)
	require.Equal(t, []byte("b"), page.Cells[slot].Value)
	require.Equal(t, mvcc.Timestamp(20), page.Cells[slot].Window.StartTs)
	require.False(t, page.Cells[slot].Window.HasStop())

	// The superseded version sits in history, stopped at 20.
	cur := env.hs.NewCursor()
	defer cur.Close()
	ok, err := cur.SeekKey(20, []byte("k"))
	require.Nil(t, err)
	require.True(t, ok)
	rec := cur.Record()
	require.Equal(t, []byte("a"), rec.Payload)
	require.Equal(t, mvcc.Timestamp(10), rec.Window.StartTs)
	require.Equal(t, mvcc.Timestamp(20), rec.Window.StopTs)
}

func TestEvictTombstoneWritesStopWindow(t *testing.T) {
	env, done := newTestEnv(t)
	defer done()

	tree, err := btree.Open(env.db, 21, "file:t", btree.RowLeaf)
	require.Nil(t, err)
	put(t, env, tree, "k", "a", 10)
	del(t, env, tree, "k", 30)

	refs := tree.Refs()
	require.Nil(t, env.srv.EvictPage(tree, refs[0]))
	page, err := tree.InstantiatePage(refs[0])
	require.Nil(t, err)
	slot := page.FindSlot([]byte("k"))
	require.True(t, slot >= 0)
	w := page.Cells[slot].Window
	require.Equal(t, []byte("a"), page.Cells[slot].Value)
	require.Equal(t, mvcc.Timestamp(10), w.StartTs)
	require.True(t, w.HasStop())
	require.Equal(t, mvcc.Timestamp(30), w.StopTs)
}

func TestEvictRefusesUncommitted(t *testing.T) {
	env, done := newTestEnv(t)
	defer done()

	tree, err := btree.Open(env.db, 22, "file:t", btree.RowLeaf)
	require.Nil(t, err)
	tx := env.txns.Begin()
	require.Nil(t, tx.Put(tree, []byte("k"), []byte("v")))

	refs := tree.Refs()
	err = env.srv.EvictPage(tree, refs[0])
	require.NotNil(t, err)
	require.Equal(t, ErrPageBusy, errors.Cause(err))
	require.Equal(t, btree.RefInMemory, refs[0].State())
	require.Nil(t, tx.Rollback())
}

func TestQuiesce(t *testing.T) {
	env, done := newTestEnv(t)
	defer done()

	require.True(t, env.srv.Quiesced())
	env.srv.InterruptPasses()
	require.True(t, env.srv.interrupted())
	env.srv.ResumePasses()
	require.False(t, env.srv.interrupted())
}
