package history

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"

	"github.com/larchdb/larch/kv/mvcc"
	"github.com/larchdb/larch/kv/util/codec"
	"github.com/larchdb/larch/kv/util/engine_util"
)

// Store is the history store: superseded versions keyed by
// (btree id, user key, start ts, counter). Start timestamps and counters are
// stored inverted so a forward scan within one user key runs newest to
// oldest, which is the only order rollback ever wants.
type Store struct {
	db      *badger.DB
	counter uint64

	mu  sync.Mutex
	agg mvcc.TimeAggregate
}

func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Aggregate returns the running time aggregate over every window inserted
// since the store was opened or seeded. Checkpoints persist it alongside the
// store's catalog entry so recovery can tell whether the store holds anything
// newer than the stable timestamp.
func (s *Store) Aggregate() mvcc.TimeAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg
}

// SeedAggregate primes the running aggregate from the last persisted
// checkpoint so a reopened store never under-reports its contents.
func (s *Store) SeedAggregate(ta mvcc.TimeAggregate) {
	s.mu.Lock()
	s.agg.MergeAggregate(ta)
	s.mu.Unlock()
}

// Record is one history store entry. The full time window travels with the
// payload so a restored update keeps its original transaction ids and
// durable timestamps.
type Record struct {
	BtreeID uint32
	Key     []byte
	Counter uint64
	Window  mvcc.TimeWindow
	Type    mvcc.UpdateType
	Payload []byte
}

func encodeRecordKey(btreeID uint32, key []byte, startTs mvcc.Timestamp, counter uint64) []byte {
	b := codec.AppendUint32(make([]byte, 0, 4+len(key)+24), btreeID)
	b = append(b, codec.EncodeBytes(key)...)
	b = codec.AppendTsDesc(b, startTs)
	b = codec.AppendUint64Desc(b, counter)
	return b
}

func keyPrefix(btreeID uint32, key []byte) []byte {
	b := codec.AppendUint32(make([]byte, 0, 4+len(key)+9), btreeID)
	return append(b, codec.EncodeBytes(key)...)
}

func decodeRecordKey(b []byte) (btreeID uint32, key []byte, startTs mvcc.Timestamp, counter uint64, err error) {
	if len(b) < 4 {
		return 0, nil, 0, 0, errors.New("history: short record key")
	}
	btreeID = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	left, key, err := codec.DecodeBytes(b[4:])
	if err != nil {
		return 0, nil, 0, 0, errors.Annotate(err, "history: record key")
	}
	if len(left) != 16 {
		return 0, nil, 0, 0, errors.New("history: record key suffix")
	}
	startTs = codec.DecodeTsDesc(left[:8])
	counter = codec.DecodeTsDesc(left[8:])
	return btreeID, key, startTs, counter, nil
}

func encodeRecordValue(r *Record) []byte {
	b := r.Window.AppendTo(make([]byte, 0, 64+len(r.Payload)))
	b = append(b, byte(r.Type))
	return append(b, r.Payload...)
}

func decodeRecordValue(r *Record, b []byte) error {
	tw, rest, err := mvcc.ParseTimeWindow(b)
	if err != nil {
		return err
	}
	if len(rest) < 1 {
		return errors.New("history: short record value")
	}
	r.Window = tw
	r.Type = mvcc.UpdateType(rest[0])
	r.Payload = append([]byte(nil), rest[1:]...)
	return nil
}

// Insert adds a superseded version. The per-store counter keeps records with
// identical start timestamps ordered by insertion.
func (s *Store) Insert(btreeID uint32, key []byte, tw mvcc.TimeWindow, typ mvcc.UpdateType, payload []byte) error {
	counter := atomic.AddUint64(&s.counter, 1)
	s.mu.Lock()
	s.agg.Merge(tw)
	s.mu.Unlock()
	rec := &Record{BtreeID: btreeID, Key: key, Counter: counter, Window: tw, Type: typ, Payload: payload}
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfHistory, encodeRecordKey(btreeID, key, tw.StartTs, counter), encodeRecordValue(rec))
	return wb.WriteToDB(s.db)
}

// TruncateBtree removes every history record for the btree.
func (s *Store) TruncateBtree(btreeID uint32) (int, error) {
	prefix := codec.AppendUint32(nil, btreeID)
	removed := 0
	wb := new(engine_util.WriteBatch)
	err := s.db.View(func(txn *badger.Txn) error {
		it := engine_util.NewCFIterator(engine_util.CfHistory, txn)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			wb.DeleteCF(engine_util.CfHistory, it.Item().KeyCopy(nil))
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return removed, wb.WriteToDB(s.db)
}

// Scan walks every record in the store in key order. fn returning remove
// marks the record for deletion; deletions batch up and apply once the scan
// finishes. Scan returns the number of records removed.
func (s *Store) Scan(fn func(rec *Record) (remove bool, err error)) (int, error) {
	removed := 0
	wb := new(engine_util.WriteBatch)
	err := s.db.View(func(txn *badger.Txn) error {
		it := engine_util.NewCFIterator(engine_util.CfHistory, txn)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rawKey := it.Item().KeyCopy(nil)
			var rec Record
			var err error
			rec.BtreeID, rec.Key, rec.Window.StartTs, rec.Counter, err = decodeRecordKey(rawKey)
			if err != nil {
				return err
			}
			val, err := it.Item().Value()
			if err != nil {
				return errors.Trace(err)
			}
			startTs := rec.Window.StartTs
			if err := decodeRecordValue(&rec, val); err != nil {
				return err
			}
			// The record key is authoritative for the start timestamp.
			rec.Window.StartTs = startTs
			remove, err := fn(&rec)
			if err != nil {
				return err
			}
			if remove {
				wb.DeleteCF(engine_util.CfHistory, rawKey)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return removed, wb.WriteToDB(s.db)
}

// IsEmpty reports whether the store holds any record at all.
func (s *Store) IsEmpty() (bool, error) {
	empty := true
	err := s.db.View(func(txn *badger.Txn) error {
		it := engine_util.NewCFIterator(engine_util.CfHistory, txn)
		defer it.Close()
		it.Rewind()
		empty = !it.Valid()
		return nil
	})
	return empty, err
}

// Cursor walks history records for one user key, newest first. Removals are
// applied to the store immediately; the open snapshot never revisits a
// removed position so the scan stays coherent.
type Cursor struct {
	store  *Store
	txn    *badger.Txn
	it     *engine_util.CFIterator
	prefix []byte
	rec    Record
	valid  bool
}

func (s *Store) NewCursor() *Cursor {
	txn := s.db.NewTransaction(false)
	return &Cursor{
		store: s,
		txn:   txn,
		it:    engine_util.NewCFIterator(engine_util.CfHistory, txn),
	}
}

func (c *Cursor) Close() {
	c.it.Close()
	c.txn.Discard()
}

// SeekKey positions at the newest record for (btreeID, key) and reports
// whether one exists.
func (c *Cursor) SeekKey(btreeID uint32, key []byte) (bool, error) {
	c.prefix = keyPrefix(btreeID, key)
	c.it.Seek(c.prefix)
	return c.load()
}

// PrevTime steps to the next older record of the same user key.
func (c *Cursor) PrevTime() (bool, error) {
	if !c.valid {
		return false, nil
	}
	c.it.Next()
	return c.load()
}

func (c *Cursor) load() (bool, error) {
	c.valid = false
	if !c.it.ValidForPrefix(c.prefix) {
		return false, nil
	}
	item := c.it.Item()
	rawKey := item.KeyCopy(nil)
	if !bytes.HasPrefix(rawKey, c.prefix) {
		return false, nil
	}
	btreeID, key, startTs, counter, err := decodeRecordKey(rawKey)
	if err != nil {
		return false, err
	}
	val, err := item.Value()
	if err != nil {
		return false, err
	}
	c.rec = Record{BtreeID: btreeID, Key: key, Counter: counter}
	if err := decodeRecordValue(&c.rec, val); err != nil {
		return false, err
	}
	// The record key is authoritative for the start timestamp.
	c.rec.Window.StartTs = startTs
	c.valid = true
	return true, nil
}

func (c *Cursor) Record() *Record {
	return &c.rec
}

// Remove deletes the current record from the store.
func (c *Cursor) Remove() error {
	if !c.valid {
		return errors.New("history: cursor not positioned")
	}
	key := encodeRecordKey(c.rec.BtreeID, c.rec.Key, c.rec.Window.StartTs, c.rec.Counter)
	wb := new(engine_util.WriteBatch)
	wb.DeleteCF(engine_util.CfHistory, key)
	return wb.WriteToDB(c.store.db)
}
