package mvcc

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// TimeWindow describes the validity interval of one on-disk value: when it
// was created (start) and, if it has been deleted or superseded, when that
// happened (stop). Durable timestamps track when each side became safe to
// checkpoint. Prepare forces conservative treatment everywhere.
type TimeWindow struct {
	StartTs        Timestamp
	DurableStartTs Timestamp
	StartTxn       uint64
	StopTs         Timestamp
	DurableStopTs  Timestamp
	StopTxn        uint64
	Prepare        bool
}

// NewTimeWindow returns a window with an open stop.
func NewTimeWindow() TimeWindow {
	return TimeWindow{StopTs: TsMax, StopTxn: TxnNone}
}

func (tw *TimeWindow) HasStop() bool {
	return tw.StopTs != TsMax || tw.StopTxn != TxnNone
}

// SinglePoint reports whether start and stop describe the same instant, the
// shape a prepared transaction leaves behind on disk.
func (tw *TimeWindow) SinglePoint() bool {
	return tw.StartTs == tw.StopTs && tw.DurableStartTs == tw.DurableStopTs &&
		tw.StartTxn == tw.StopTxn
}

const timeWindowSize = 6*8 + 1

func (tw *TimeWindow) AppendTo(b []byte) []byte {
	var buf [timeWindowSize]byte
	binary.BigEndian.PutUint64(buf[0:], tw.StartTs)
	binary.BigEndian.PutUint64(buf[8:], tw.DurableStartTs)
	binary.BigEndian.PutUint64(buf[16:], tw.StartTxn)
	binary.BigEndian.PutUint64(buf[24:], tw.StopTs)
	binary.BigEndian.PutUint64(buf[32:], tw.DurableStopTs)
	binary.BigEndian.PutUint64(buf[40:], tw.StopTxn)
	if tw.Prepare {
		buf[48] = 1
	}
	return append(b, buf[:]...)
}

func ParseTimeWindow(b []byte) (TimeWindow, []byte, error) {
	if len(b) < timeWindowSize {
		return TimeWindow{}, nil, errors.New("mvcc: short time window")
	}
	tw := TimeWindow{
		StartTs:        binary.BigEndian.Uint64(b[0:]),
		DurableStartTs: binary.BigEndian.Uint64(b[8:]),
		StartTxn:       binary.BigEndian.Uint64(b[16:]),
		StopTs:         binary.BigEndian.Uint64(b[24:]),
		DurableStopTs:  binary.BigEndian.Uint64(b[32:]),
		StopTxn:        binary.BigEndian.Uint64(b[40:]),
		Prepare:        b[48] != 0,
	}
	return tw, b[timeWindowSize:], nil
}

// TimeAggregate is the rolled-up window carried on internal pages, page
// addresses and checkpoint metadata. It answers "could anything under here
// be newer than ts" without reading the page.
type TimeAggregate struct {
	NewestStartDurableTs Timestamp
	NewestStopDurableTs  Timestamp
	NewestStopTs         Timestamp
	NewestTxn            uint64
	Prepare              bool
}

func (ta *TimeAggregate) Merge(tw TimeWindow) {
	if tw.DurableStartTs > ta.NewestStartDurableTs {
		ta.NewestStartDurableTs = tw.DurableStartTs
	}
	if tw.HasStop() {
		if tw.DurableStopTs > ta.NewestStopDurableTs {
			ta.NewestStopDurableTs = tw.DurableStopTs
		}
		if tw.StopTs != TsMax && tw.StopTs > ta.NewestStopTs {
			ta.NewestStopTs = tw.StopTs
		}
		if tw.StopTxn != TxnNone && tw.StopTxn > ta.NewestTxn {
			ta.NewestTxn = tw.StopTxn
		}
	}
	if tw.StartTxn != TxnNone && tw.StartTxn > ta.NewestTxn {
		ta.NewestTxn = tw.StartTxn
	}
	if tw.Prepare {
		ta.Prepare = true
	}
}

func (ta *TimeAggregate) MergeAggregate(other TimeAggregate) {
	if other.NewestStartDurableTs > ta.NewestStartDurableTs {
		ta.NewestStartDurableTs = other.NewestStartDurableTs
	}
	if other.NewestStopDurableTs > ta.NewestStopDurableTs {
		ta.NewestStopDurableTs = other.NewestStopDurableTs
	}
	if other.NewestStopTs > ta.NewestStopTs {
		ta.NewestStopTs = other.NewestStopTs
	}
	if other.NewestTxn > ta.NewestTxn {
		ta.NewestTxn = other.NewestTxn
	}
	if other.Prepare {
		ta.Prepare = true
	}
}

const timeAggregateSize = 4*8 + 1

func (ta *TimeAggregate) AppendTo(b []byte) []byte {
	var buf [timeAggregateSize]byte
	binary.BigEndian.PutUint64(buf[0:], ta.NewestStartDurableTs)
	binary.BigEndian.PutUint64(buf[8:], ta.NewestStopDurableTs)
	binary.BigEndian.PutUint64(buf[16:], ta.NewestStopTs)
	binary.BigEndian.PutUint64(buf[24:], ta.NewestTxn)
	if ta.Prepare {
		buf[32] = 1
	}
	return append(b, buf[:]...)
}

func ParseTimeAggregate(b []byte) (TimeAggregate, []byte, error) {
	if len(b) < timeAggregateSize {
		return TimeAggregate{}, nil, errors.New("mvcc: short time aggregate")
	}
	ta := TimeAggregate{
		NewestStartDurableTs: binary.BigEndian.Uint64(b[0:]),
		NewestStopDurableTs:  binary.BigEndian.Uint64(b[8:]),
		NewestStopTs:         binary.BigEndian.Uint64(b[16:]),
		NewestTxn:            binary.BigEndian.Uint64(b[24:]),
		Prepare:              b[32] != 0,
	}
	return ta, b[timeAggregateSize:], nil
}
