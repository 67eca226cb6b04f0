package mvcc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateListChain(t *testing.T) {
	var l UpdateList
	head := NilUpdate
	head = l.Prepend(head, Update{Txn: 1, StartTs: 10, DurableTs: 10, Type: UpdateStandard, Value: []byte("a")})
	head = l.Prepend(head, Update{Txn: 2, StartTs: 20, DurableTs: 20, Type: UpdateStandard, Value: []byte("b")})
	head = l.Prepend(head, Update{Txn: 3, StartTs: 30, DurableTs: 30, Type: UpdateStandard, Value: []byte("c")})

	// Newest first.
	require.Equal(t, []byte("c"), l.At(head).Value)
	require.Equal(t, []byte("b"), l.At(l.Next(head)).Value)

	first := l.First(head)
	require.Equal(t, head, first)

	l.Abort(head)
	u := l.At(head)
	require.True(t, u.Aborted())
	require.Equal(t, TsNone, u.StartTs)
	require.Equal(t, TsNone, u.DurableTs)

	// First skips the aborted head.
	first = l.First(head)
	require.NotEqual(t, NilUpdate, first)
	require.Equal(t, []byte("b"), l.At(first).Value)

	l.Abort(first)
	l.Abort(l.Next(first))
	require.Equal(t, NilUpdate, l.First(head))
}

func TestTimeWindowStop(t *testing.T) {
	tw := NewTimeWindow()
	require.False(t, tw.HasStop())

	tw.StartTs, tw.DurableStartTs, tw.StartTxn = 10, 10, 7
	tw.StopTs, tw.DurableStopTs, tw.StopTxn = 20, 20, 9
	require.True(t, tw.HasStop())
	require.False(t, tw.SinglePoint())

	sp := NewTimeWindow()
	sp.StartTs, sp.DurableStartTs, sp.StartTxn = 15, 15, 4
	sp.StopTs, sp.DurableStopTs, sp.StopTxn = 15, 15, 4
	require.True(t, sp.SinglePoint())
}

func TestTimeAggregateMerge(t *testing.T) {
	var ta TimeAggregate

	open := NewTimeWindow()
	open.StartTs, open.DurableStartTs, open.StartTxn = 10, 12, 3
	ta.Merge(open)
	require.Equal(t, Timestamp(12), ta.NewestStartDurableTs)
	// An open stop must not pollute the stop side.
	require.Equal(t, TsNone, ta.NewestStopDurableTs)
	require.Equal(t, TsNone, ta.NewestStopTs)
	require.Equal(t, uint64(3), ta.NewestTxn)

	stopped := NewTimeWindow()
	stopped.StartTs, stopped.DurableStartTs, stopped.StartTxn = 5, 5, 2
	stopped.StopTs, stopped.DurableStopTs, stopped.StopTxn = 20, 25, 8
	stopped.Prepare = true
	ta.Merge(stopped)
	require.Equal(t, Timestamp(25), ta.NewestStopDurableTs)
	require.Equal(t, Timestamp(20), ta.NewestStopTs)
	require.Equal(t, uint64(8), ta.NewestTxn)
	require.True(t, ta.Prepare)

	var other TimeAggregate
	other.NewestStartDurableTs = 40
	ta.MergeAggregate(other)
	require.Equal(t, Timestamp(40), ta.NewestStartDurableTs)
}

func TestApplyModify(t *testing.T) {
	base := []byte("hello world")

	delta := EncodeModify([]ModifyOp{{Offset: 6, Size: 5, Data: []byte("there")}})
	got, err := ApplyModify(base, delta)
	require.Nil(t, err)
	require.Equal(t, []byte("hello there"), got)

	// Growing splice.
	delta = EncodeModify([]ModifyOp{{Offset: 5, Size: 0, Data: []byte(",")}})
	got, err = ApplyModify(base, delta)
	require.Nil(t, err)
	require.Equal(t, []byte("hello, world"), got)

	// Past-the-end offset pads with zero bytes.
	delta = EncodeModify([]ModifyOp{{Offset: 12, Size: 0, Data: []byte("x")}})
	got, err = ApplyModify(base, delta)
	require.Nil(t, err)
	require.Equal(t, append([]byte("hello world\x00"), 'x'), got)

	require.Equal(t, []byte("hello world"), base, "base must not be modified")
}
