package engine_util

import (
	"bytes"

	"github.com/coocood/badger"
)

func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

func GetCF(db *badger.DB, cf string, key []byte) (val []byte, err error) {
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(KeyWithCF(cf, key))
		if err != nil {
			return err
		}
		val, err = item.Value()
		return err
	})
	return
}

func GetCFFromTxn(txn *badger.Txn, cf string, key []byte) ([]byte, error) {
	item, err := txn.Get(KeyWithCF(cf, key))
	if err != nil {
		return nil, err
	}
	return item.Value()
}

func PutCF(db *badger.DB, cf string, key, val []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(&badger.Entry{Key: KeyWithCF(cf, key), Value: val})
	})
}

func DeleteCF(db *badger.DB, cf string, key []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.Delete(KeyWithCF(cf, key))
	})
}

// DeleteRangeCF removes every key in [startKey, endKey) of the given column family.
func DeleteRangeCF(db *badger.DB, cf string, startKey, endKey []byte) error {
	batch := new(WriteBatch)
	txn := db.NewTransaction(false)
	defer txn.Discard()
	it := NewCFIterator(cf, txn)
	defer it.Close()
	for it.Seek(startKey); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		if endKey != nil && ExceedEndKey(key, endKey) {
			break
		}
		batch.DeleteCF(cf, key)
	}
	return batch.WriteToDB(db)
}

func ExceedEndKey(current, endKey []byte) bool {
	return bytes.Compare(current, endKey) >= 0
}
