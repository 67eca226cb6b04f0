package mvcc

import "fmt"

// Timestamp is an application-assigned commit ordering point. Zero means
// "no timestamp"; TsMax is the infinite sentinel used by open stop windows.
type Timestamp = uint64

const (
	TsNone Timestamp = 0
	TsMax  Timestamp = ^Timestamp(0)
)

// Transaction id sentinels. TxnAborted marks an update record dead; readers
// skip it without looking at its timestamps.
const (
	TxnNone    uint64 = 0
	TxnAborted uint64 = ^uint64(0)
)

// TsString formats a timestamp the way log lines expect: bare integers for
// small values, split hex for the large ones so TsMax stays readable.
func TsString(ts Timestamp) string {
	if ts == TsMax {
		return "ts-max"
	}
	if ts > 0xffffffff {
		return fmt.Sprintf("%x/%x", ts>>32, ts&0xffffffff)
	}
	return fmt.Sprintf("%d", ts)
}
