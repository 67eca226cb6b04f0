package meta

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pingcap/errors"

	"github.com/larchdb/larch/kv/mvcc"
)

// Reserved object URIs. The history store and the metadata table are never
// themselves swept by rollback; the operation log is immediately durable and
// never rolled back.
const (
	HistoryStoreURI = "file:larch.hs"
	MetadataURI     = "file:larch.meta"
	OplogURI        = "file:larch.oplog"

	FilePrefix = "file:"
)

func IsFileURI(uri string) bool {
	return strings.HasPrefix(uri, FilePrefix)
}

// Checkpoint is the parsed form of the per-object checkpoint config string the
// checkpoint writer produces. Rollback only ever reads this format.
type Checkpoint struct {
	BtreeID            uint32
	KeyFormat          string // "u" row store, "r" column store
	Addr               string
	NewestStartDurable mvcc.Timestamp
	NewestStopDurable  mvcc.Timestamp
	NewestStop         mvcc.Timestamp
	NewestTxn          uint64
	Prepare            bool
	DurableTsFound     bool
	ImmediatelyDurable bool
}

// MaxDurable is the aggregated maximum durable timestamp of the checkpoint.
// For the history store most stop timestamps already exceed their start, but
// prepared artifacts leave open stops, so the newest stop commit timestamp is
// folded in instead of the start side.
func (c *Checkpoint) MaxDurable(historyStore bool) mvcc.Timestamp {
	if historyStore {
		if c.NewestStop > c.NewestStopDurable {
			return c.NewestStop
		}
		return c.NewestStopDurable
	}
	if c.NewestStartDurable > c.NewestStopDurable {
		return c.NewestStartDurable
	}
	return c.NewestStopDurable
}

// FormatCheckpoint renders the config string. Only the checkpoint writer calls
// this; rollback is a pure consumer.
func FormatCheckpoint(c *Checkpoint) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id=%d", c.BtreeID)
	if c.KeyFormat != "" {
		fmt.Fprintf(&sb, ",key_format=%s", c.KeyFormat)
	}
	if c.ImmediatelyDurable {
		sb.WriteString(",immediately_durable=1")
	}
	fmt.Fprintf(&sb, ",checkpoint=(addr=%q", c.Addr)
	if c.DurableTsFound {
		fmt.Fprintf(&sb, ",newest_start_durable_ts=%d,newest_stop_durable_ts=%d,newest_stop_ts=%d",
			c.NewestStartDurable, c.NewestStopDurable, c.NewestStop)
	}
	fmt.Fprintf(&sb, ",newest_txn=%d", c.NewestTxn)
	if c.Prepare {
		sb.WriteString(",prepare=1")
	}
	sb.WriteString(")")
	return sb.String()
}

// ParseCheckpoint parses a config string of comma separated key=value pairs
// where a value may be a quoted string or a parenthesized nested list.
func ParseCheckpoint(config string) (*Checkpoint, error) {
	ckpt := &Checkpoint{}
	top, err := splitPairs(config)
	if err != nil {
		return nil, err
	}
	for k, v := range top {
		switch k {
		case "id":
			id, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return nil, errors.Annotatef(err, "bad btree id %q", v)
			}
			ckpt.BtreeID = uint32(id)
		case "key_format":
			ckpt.KeyFormat = v
		case "immediately_durable":
			ckpt.ImmediatelyDurable = v == "1" || v == "true"
		case "checkpoint":
			inner, err := splitPairs(strings.TrimSuffix(strings.TrimPrefix(v, "("), ")"))
			if err != nil {
				return nil, err
			}
			if err := ckpt.parseInner(inner); err != nil {
				return nil, err
			}
		}
	}
	return ckpt, nil
}

func (c *Checkpoint) parseInner(pairs map[string]string) error {
	for k, v := range pairs {
		switch k {
		case "addr":
			c.Addr = strings.Trim(v, `"`)
		case "newest_start_durable_ts":
			ts, err := parseTs(v)
			if err != nil {
				return err
			}
			c.NewestStartDurable = ts
			c.DurableTsFound = true
		case "newest_stop_durable_ts":
			ts, err := parseTs(v)
			if err != nil {
				return err
			}
			c.NewestStopDurable = ts
			c.DurableTsFound = true
		case "newest_stop_ts":
			ts, err := parseTs(v)
			if err != nil {
				return err
			}
			c.NewestStop = ts
		case "newest_txn":
			txn, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return errors.Annotatef(err, "bad newest_txn %q", v)
			}
			c.NewestTxn = txn
		case "prepare":
			c.Prepare = v == "1" || v == "true"
		}
	}
	return nil
}

func parseTs(v string) (mvcc.Timestamp, error) {
	ts, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "bad timestamp %q", v)
	}
	return ts, nil
}

// splitPairs splits "k1=v1,k2=(a=1,b=2),k3=\"x,y\"" at top level commas.
func splitPairs(s string) (map[string]string, error) {
	pairs := make(map[string]string)
	depth := 0
	quoted := false
	start := 0
	flush := func(end int) error {
		part := strings.TrimSpace(s[start:end])
		if part == "" {
			return nil
		}
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			return errors.Errorf("bad config pair %q", part)
		}
		pairs[part[:eq]] = part[eq+1:]
		return nil
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case '(':
			if !quoted {
				depth++
			}
		case ')':
			if !quoted {
				depth--
			}
		case ',':
			if depth == 0 && !quoted {
				if err := flush(i); err != nil {
					return nil, err
				}
				start = i + 1
			}
		}
	}
	if depth != 0 || quoted {
		return nil, errors.Errorf("unbalanced config string %q", s)
	}
	if err := flush(len(s)); err != nil {
		return nil, err
	}
	return pairs, nil
}
