package mvcc

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// ModifyOp is one splice of a modify delta: replace Size bytes at Offset with
// Data, growing or shrinking the value as needed.
type ModifyOp struct {
	Offset int
	Size   int
	Data   []byte
}

// EncodeModify serializes a delta as a count followed by
// (offset, size, dataLen, data) tuples.
func EncodeModify(ops []ModifyOp) []byte {
	b := make([]byte, 4, 4+len(ops)*12)
	binary.BigEndian.PutUint32(b, uint32(len(ops)))
	for _, op := range ops {
		var hdr [12]byte
		binary.BigEndian.PutUint32(hdr[0:], uint32(op.Offset))
		binary.BigEndian.PutUint32(hdr[4:], uint32(op.Size))
		binary.BigEndian.PutUint32(hdr[8:], uint32(len(op.Data)))
		b = append(b, hdr[:]...)
		b = append(b, op.Data...)
	}
	return b
}

func DecodeModify(b []byte) ([]ModifyOp, error) {
	if len(b) < 4 {
		return nil, errors.New("mvcc: short modify delta")
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	ops := make([]ModifyOp, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < 12 {
			return nil, errors.New("mvcc: truncated modify op")
		}
		op := ModifyOp{
			Offset: int(binary.BigEndian.Uint32(b[0:])),
			Size:   int(binary.BigEndian.Uint32(b[4:])),
		}
		dataLen := int(binary.BigEndian.Uint32(b[8:]))
		b = b[12:]
		if len(b) < dataLen {
			return nil, errors.New("mvcc: truncated modify data")
		}
		op.Data = append([]byte(nil), b[:dataLen]...)
		b = b[dataLen:]
		ops = append(ops, op)
	}
	return ops, nil
}

// ApplyModify reconstructs a full value by applying an encoded delta to base.
// The base slice is not modified.
func ApplyModify(base, delta []byte) ([]byte, error) {
	ops, err := DecodeModify(delta)
	if err != nil {
		return nil, err
	}
	value := append([]byte(nil), base...)
	for _, op := range ops {
		if op.Offset > len(value) {
			// Pad the gap, matching how a sparse modify behaves.
			value = append(value, make([]byte, op.Offset-len(value))...)
		}
		end := op.Offset + op.Size
		if end > len(value) {
			end = len(value)
		}
		tail := append([]byte(nil), value[end:]...)
		value = append(value[:op.Offset], op.Data...)
		value = append(value, tail...)
	}
	return value, nil
}
