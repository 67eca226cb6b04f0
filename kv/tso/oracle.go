package tso

import (
	"sync"

	"github.com/pingcap/errors"

	"github.com/larchdb/larch/kv/mvcc"
)

// Oracle holds the process-wide timestamp state. All access goes through the
// mutex; rollback copies the stable timestamp once per run instead of
// re-reading it.
type Oracle struct {
	mu sync.Mutex

	oldest  mvcc.Timestamp
	stable  mvcc.Timestamp
	durable mvcc.Timestamp
	pinned  mvcc.Timestamp

	hasStable  bool
	hasDurable bool
}

func NewOracle() *Oracle {
	return &Oracle{}
}

// SetOldest advances the oldest timestamp. It may never pass stable.
func (o *Oracle) SetOldest(ts mvcc.Timestamp) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hasStable && ts > o.stable {
		return errors.Errorf("oldest timestamp %s must not be later than stable timestamp %s",
			mvcc.TsString(ts), mvcc.TsString(o.stable))
	}
	if ts < o.oldest {
		return errors.Errorf("oldest timestamp %s must be monotonic", mvcc.TsString(ts))
	}
	o.oldest = ts
	return nil
}

// SetStable advances the stable timestamp. It may never regress or pass
// behind oldest.
func (o *Oracle) SetStable(ts mvcc.Timestamp) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ts < o.oldest {
		return errors.Errorf("stable timestamp %s must not be earlier than oldest timestamp %s",
			mvcc.TsString(ts), mvcc.TsString(o.oldest))
	}
	if o.hasStable && ts < o.stable {
		return errors.Errorf("stable timestamp %s must be monotonic", mvcc.TsString(ts))
	}
	o.stable = ts
	o.hasStable = true
	return nil
}

func (o *Oracle) SetDurable(ts mvcc.Timestamp) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.durable = ts
	o.hasDurable = true
}

func (o *Oracle) SetPinned(ts mvcc.Timestamp) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pinned = ts
}

func (o *Oracle) OldestTimestamp() mvcc.Timestamp {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.oldest
}

func (o *Oracle) StableTimestamp() (mvcc.Timestamp, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stable, o.hasStable
}

func (o *Oracle) DurableTimestamp() (mvcc.Timestamp, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.durable, o.hasDurable
}

func (o *Oracle) PinnedTimestamp() mvcc.Timestamp {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pinned
}

// RollbackDurableToStable resets durable to equal stable, the final step of a
// successful rollback-to-stable.
func (o *Oracle) RollbackDurableToStable() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.durable = o.stable
	o.hasDurable = o.hasStable
}
