package btree

import (
	"encoding/binary"

	"github.com/pingcap/errors"

	"github.com/larchdb/larch/kv/mvcc"
	"github.com/larchdb/larch/kv/util/codec"
)

// PageKey addresses a page image in the data column family.
func PageKey(btreeID uint32, pageNo uint64) []byte {
	b := codec.AppendUint32(make([]byte, 0, 12), btreeID)
	return codec.AppendUint64(b, pageNo)
}

// EncodePage serializes a page image: kind, aggregate, then each cell as
// key/recno, run length, time window and value payload. The physical layout
// is private to this package; everything else goes through Cells.
func EncodePage(kind PageKind, cells []Cell) []byte {
	var ta mvcc.TimeAggregate
	for i := range cells {
		ta.Merge(cells[i].Window)
	}
	b := []byte{byte(kind)}
	b = ta.AppendTo(b)
	b = codec.AppendUint32(b, uint32(len(cells)))
	for i := range cells {
		c := &cells[i]
		if kind == RowLeaf {
			b = codec.AppendUint32(b, uint32(len(c.Key)))
			b = append(b, c.Key...)
		} else {
			b = codec.AppendUint64(b, c.Recno)
			b = codec.AppendUint64(b, c.RLE)
		}
		b = c.Window.AppendTo(b)
		b = codec.AppendUint32(b, uint32(len(c.Value)))
		b = append(b, c.Value...)
	}
	return b
}

// DecodePage unpacks a page image into its kind, stored aggregate and cells.
func DecodePage(b []byte) (PageKind, mvcc.TimeAggregate, []Cell, error) {
	if len(b) < 1 {
		return 0, mvcc.TimeAggregate{}, nil, errors.New("btree: empty page image")
	}
	kind := PageKind(b[0])
	ta, b, err := mvcc.ParseTimeAggregate(b[1:])
	if err != nil {
		return 0, mvcc.TimeAggregate{}, nil, err
	}
	if len(b) < 4 {
		return 0, mvcc.TimeAggregate{}, nil, errors.New("btree: truncated page image")
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	cells := make([]Cell, 0, n)
	for i := uint32(0); i < n; i++ {
		var c Cell
		if kind == RowLeaf {
			if len(b) < 4 {
				return 0, ta, nil, errors.New("btree: truncated cell key")
			}
			kl := binary.BigEndian.Uint32(b)
			b = b[4:]
			if len(b) < int(kl) {
				return 0, ta, nil, errors.New("btree: truncated cell key")
			}
			c.Key = append([]byte(nil), b[:kl]...)
			b = b[kl:]
		} else {
			if len(b) < 16 {
				return 0, ta, nil, errors.New("btree: truncated cell recno")
			}
			c.Recno = binary.BigEndian.Uint64(b)
			c.RLE = binary.BigEndian.Uint64(b[8:])
			b = b[16:]
		}
		c.Window, b, err = mvcc.ParseTimeWindow(b)
		if err != nil {
			return 0, ta, nil, err
		}
		if len(b) < 4 {
			return 0, ta, nil, errors.New("btree: truncated cell value")
		}
		vl := binary.BigEndian.Uint32(b)
		b = b[4:]
		if len(b) < int(vl) {
			return 0, ta, nil, errors.New("btree: truncated cell value")
		}
		c.Value = append([]byte(nil), b[:vl]...)
		b = b[vl:]
		cells = append(cells, c)
	}
	return kind, ta, cells, nil
}
