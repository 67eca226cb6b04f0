package meta

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	in := &Checkpoint{
		BtreeID:            17,
		KeyFormat:          "r",
		Addr:               "ckpt.17.3",
		NewestStartDurable: 100,
		NewestStopDurable:  120,
		NewestStop:         130,
		NewestTxn:          42,
		Prepare:            true,
		DurableTsFound:     true,
	}
	out, err := ParseCheckpoint(FormatCheckpoint(in))
	require.Nil(t, err)
	require.Equal(t, in, out)
}

func TestCheckpointNoTimestamps(t *testing.T) {
	in := &Checkpoint{BtreeID: 5, KeyFormat: "u", Addr: "ckpt.5.1", NewestTxn: 3}
	out, err := ParseCheckpoint(FormatCheckpoint(in))
	require.Nil(t, err)
	require.False(t, out.DurableTsFound)
	require.Equal(t, uint64(3), out.NewestTxn)
	require.Equal(t, "ckpt.5.1", out.Addr)
}

func TestCheckpointEmptyTree(t *testing.T) {
	out, err := ParseCheckpoint(FormatCheckpoint(&Checkpoint{BtreeID: 9, KeyFormat: "u"}))
	require.Nil(t, err)
	require.Equal(t, "", out.Addr)
	require.False(t, out.DurableTsFound)
}

func TestCheckpointImmediatelyDurable(t *testing.T) {
	out, err := ParseCheckpoint("id=3,key_format=u,immediately_durable=1,checkpoint=(addr=\"\",newest_txn=0)")
	require.Nil(t, err)
	require.True(t, out.ImmediatelyDurable)
}

func TestParseQuotedComma(t *testing.T) {
	out, err := ParseCheckpoint(`id=1,checkpoint=(addr="a,b(c)",newest_txn=7)`)
	require.Nil(t, err)
	require.Equal(t, "a,b(c)", out.Addr)
	require.Equal(t, uint64(7), out.NewestTxn)
}

func TestParseUnbalanced(t *testing.T) {
	_, err := ParseCheckpoint(`id=1,checkpoint=(addr="x"`)
	require.NotNil(t, err)
}

func TestMaxDurable(t *testing.T) {
	c := &Checkpoint{NewestStartDurable: 50, NewestStopDurable: 30, NewestStop: 80}
	require.Equal(t, uint64(50), c.MaxDurable(false))

	// The history store folds the newest stop commit timestamp in instead of
	// the start side.
	require.Equal(t, uint64(80), c.MaxDurable(true))

	c.NewestStopDurable = 90
	require.Equal(t, uint64(90), c.MaxDurable(false))
	require.Equal(t, uint64(90), c.MaxDurable(true))
}
