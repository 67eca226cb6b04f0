package meta

import (
	"github.com/coocood/badger"
	"github.com/google/btree"
	"github.com/pingcap/errors"

	"github.com/larchdb/larch/kv/util/engine_util"
)

// Table is the metadata table: one checkpoint config string per object URI,
// stored in the meta column family, plus an ordered in-memory index so sweeps
// see a stable URI order.
type Table struct {
	db    *badger.DB
	index *btree.BTree
}

type indexItem struct {
	uri string
}

func (a indexItem) Less(b btree.Item) bool {
	return a.uri < b.(indexItem).uri
}

func NewTable(db *badger.DB) (*Table, error) {
	t := &Table{
		db:    db,
		index: btree.New(8),
	}
	err := t.db.View(func(txn *badger.Txn) error {
		it := engine_util.NewCFIterator(engine_util.CfMeta, txn)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			t.index.ReplaceOrInsert(indexItem{uri: string(it.Item().KeyCopy(nil))})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// Search returns the config string for uri. Missing objects surface
// badger.ErrKeyNotFound.
func (t *Table) Search(uri string) (string, error) {
	val, err := engine_util.GetCF(t.db, engine_util.CfMeta, []byte(uri))
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func (t *Table) Insert(uri, config string) error {
	if err := engine_util.PutCF(t.db, engine_util.CfMeta, []byte(uri), []byte(config)); err != nil {
		return errors.Trace(err)
	}
	t.index.ReplaceOrInsert(indexItem{uri: uri})
	return nil
}

func (t *Table) Remove(uri string) error {
	if err := engine_util.DeleteCF(t.db, engine_util.CfMeta, []byte(uri)); err != nil {
		return errors.Trace(err)
	}
	t.index.Delete(indexItem{uri: uri})
	return nil
}

// Ascend walks every object URI in order, handing the config string (or the
// lookup error, when the object vanished mid-sweep) to fn. fn returning false
// stops the walk.
func (t *Table) Ascend(fn func(uri, config string, lookupErr error) (bool, error)) error {
	var walkErr error
	t.index.Ascend(func(item btree.Item) bool {
		uri := item.(indexItem).uri
		config, err := t.Search(uri)
		cont, ferr := fn(uri, config, err)
		if ferr != nil {
			walkErr = ferr
			return false
		}
		return cont
	})
	return walkErr
}
