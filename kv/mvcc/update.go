package mvcc

type UpdateType uint8

const (
	UpdateStandard UpdateType = iota
	UpdateModify
	UpdateTombstone
)

func (t UpdateType) String() string {
	switch t {
	case UpdateStandard:
		return "standard"
	case UpdateModify:
		return "modify"
	case UpdateTombstone:
		return "tombstone"
	}
	return "invalid"
}

type UpdateFlags uint8

const (
	// FlagInHistory marks an update whose older image has been copied into
	// the history store by eviction or checkpoint.
	FlagInHistory UpdateFlags = 1 << iota
	// FlagRestoredFromHistory marks an update synthesized from a history
	// store record during rollback.
	FlagRestoredFromHistory
	// FlagRestoredFromDisk marks an update synthesized from the on-disk
	// value to undo an unstable deletion.
	FlagRestoredFromDisk
)

type PrepareState uint8

const (
	PrepareNone PrepareState = iota
	PrepareInProgress
	PrepareResolved
)

// NilUpdate terminates an update chain.
const NilUpdate int32 = -1

// Update is one record in a per-key chain, newest first. Records live in the
// owning page's arena and link by index, so aborting never unlinks memory a
// concurrent reader could be walking.
type Update struct {
	Txn          uint64
	StartTs      Timestamp
	DurableTs    Timestamp
	Type         UpdateType
	Flags        UpdateFlags
	PrepareState PrepareState
	Value        []byte

	next int32
}

func (u *Update) Aborted() bool {
	return u.Txn == TxnAborted
}

// UpdateList is the append-only arena owning every update record on a page.
// Chain heads are held by the page's key slots; "removing" a record means
// marking it aborted in place.
type UpdateList struct {
	arena []Update
}

func (l *UpdateList) Len() int {
	return len(l.arena)
}

func (l *UpdateList) At(idx int32) *Update {
	return &l.arena[idx]
}

func (l *UpdateList) Next(idx int32) int32 {
	return l.arena[idx].next
}

// Prepend allocates u at the head of the chain rooted at head and returns the
// new head index.
func (l *UpdateList) Prepend(head int32, u Update) int32 {
	u.next = head
	l.arena = append(l.arena, u)
	return int32(len(l.arena) - 1)
}

// Abort marks the record dead. Timestamps are zeroed so a later walk cannot
// mistake the record for a stable version.
func (l *UpdateList) Abort(idx int32) {
	u := &l.arena[idx]
	u.Txn = TxnAborted
	u.StartTs = TsNone
	u.DurableTs = TsNone
}

// First returns the newest non-aborted record of the chain rooted at head,
// or NilUpdate.
func (l *UpdateList) First(head int32) int32 {
	for idx := head; idx != NilUpdate; idx = l.arena[idx].next {
		if !l.arena[idx].Aborted() {
			return idx
		}
	}
	return NilUpdate
}
