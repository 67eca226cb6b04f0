package engine_util

import (
	"os"

	"github.com/coocood/badger"
)

// Engines wraps the single badger instance backing every durable surface of
// the store: the data store (checkpointed page images), the history store and
// the metadata table, separated by column-family key prefixes.
type Engines struct {
	Kv     *badger.DB
	KvPath string
}

func NewEngines(kv *badger.DB, kvPath string) *Engines {
	return &Engines{
		Kv:     kv,
		KvPath: kvPath,
	}
}

func CreateDB(path string, syncWrite bool) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.SyncWrites = syncWrite
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return nil, err
	}
	return badger.Open(opts)
}

func (en *Engines) WriteKV(wb *WriteBatch) error {
	return wb.WriteToDB(en.Kv)
}

func (en *Engines) Close() error {
	return en.Kv.Close()
}

func (en *Engines) Destroy() error {
	if err := en.Kv.Close(); err != nil {
		return err
	}
	return os.RemoveAll(en.KvPath)
}
