package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeBytesOrdering(t *testing.T) {
	keys := [][]byte{
		{},
		{0},
		{0, 0},
		{1, 2, 3},
		{1, 2, 3, 0},
		{1, 2, 3, 4, 5, 6, 7, 8},
		{1, 2, 3, 4, 5, 6, 7, 8, 0},
		{2},
	}
	for i := 1; i < len(keys); i++ {
		prev := EncodeBytes(keys[i-1])
		cur := EncodeBytes(keys[i])
		require.True(t, bytes.Compare(prev, cur) < 0,
			"%v should sort before %v", keys[i-1], keys[i])
	}
	for _, k := range keys {
		left, decoded, err := DecodeBytes(EncodeBytes(k))
		require.Nil(t, err)
		require.Len(t, left, 0)
		require.Equal(t, append([]byte{}, k...), decoded)
	}
}

func TestDecodeBytesLeftover(t *testing.T) {
	b := EncodeBytes([]byte("key"))
	b = AppendTsDesc(b, 42)
	left, decoded, err := DecodeBytes(b)
	require.Nil(t, err)
	require.Equal(t, []byte("key"), decoded)
	require.Len(t, left, 8)
	require.Equal(t, uint64(42), DecodeTsDesc(left))
}

func TestAppendTsDescOrdering(t *testing.T) {
	// Newer timestamps must sort first under forward iteration.
	newer := AppendTsDesc(nil, 20)
	older := AppendTsDesc(nil, 10)
	require.True(t, bytes.Compare(newer, older) < 0)
	require.Equal(t, uint64(20), DecodeTsDesc(newer))
}

func TestDecodeBytesBadInput(t *testing.T) {
	_, _, err := DecodeBytes([]byte{1, 2, 3})
	require.NotNil(t, err)
}
