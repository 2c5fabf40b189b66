package chantab

import (
	"fmt"
	"sort"
	"sync"
)

// stateKind tags which arm of the ChannelState union an entry holds.
type stateKind int

const (
	stateOpening stateKind = iota
	stateRunning
	stateClosing
)

// OpenResult is what the peer's reply to a locally-initiated
// ChannelOpen resolves to: either a ChannelOpenConfirmation's fields
// or a ChannelOpenFailure's.
type OpenResult struct {
	Confirmed bool

	// Set when Confirmed.
	RemoteID      ChannelId
	InitialWindow uint32
	MaxPacketSize uint32

	// Set when !Confirmed.
	ReasonCode  uint32
	Description string
}

// OpenCallback is the continuation an Opening entry carries; it is
// invoked exactly once, right after the entry leaves Opening (after
// the table lock is released). ch is nil when result reports a failure, and the now-
// Running Channel when it reports a confirmation — the callback is
// expected to call ch.SetSupervisor on the confirmed path.
type OpenCallback func(result OpenResult, ch *Channel)

type entry struct {
	kind stateKind
	cb   OpenCallback // set only while kind == stateOpening
	app  AppKind      // set only while kind == stateOpening
	ch   *Channel     // set for stateRunning and stateClosing
}

// Table is a connection's channel table: a map from ChannelId to
// ChannelState, guarded by one mutex. Every transition — open,
// confirm, fail, close — happens while holding that lock, so a
// concurrent lookup never observes a half-updated entry.
type Table struct {
	mu       sync.Mutex
	entries  map[ChannelId]*entry
	maxCount int

	localWindow        uint32
	localMaxPacketSize uint32
}

// NewTable returns an empty table bounded to maxCount concurrently
// open/opening channels, with the local flow-control parameters every
// locally-initiated or remotely-accepted channel is created with.
func NewTable(maxCount int, localWindow, localMaxPacketSize uint32) *Table {
	return &Table{
		entries:            make(map[ChannelId]*entry),
		maxCount:           maxCount,
		localWindow:        localWindow,
		localMaxPacketSize: localMaxPacketSize,
	}
}

// selectFreeLocalChannelId returns the smallest non-negative id below
// maxCount not already present in entries. Callers must hold t.mu.
func (t *Table) selectFreeLocalChannelId() (ChannelId, bool) {
	used := make([]ChannelId, 0, len(t.entries))
	for id := range t.entries {
		used = append(used, id)
	}
	sort.Slice(used, func(i, j int) bool { return used[i] < used[j] })

	var want ChannelId
	i := 0
	for {
		if want >= ChannelId(t.maxCount) {
			return 0, false
		}
		if i < len(used) && used[i] == want {
			want++
			i++
			continue
		}
		return want, true
	}
}

// OpenLocal allocates a local id, installs an Opening(cb) entry for
// it, and returns the id. The caller is responsible for sending the
// ChannelOpen message after this returns; nothing here performs I/O.
func (t *Table) OpenLocal(app AppKind, cb OpenCallback) (ChannelId, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.selectFreeLocalChannelId()
	if !ok {
		return 0, fmt.Errorf("chantab: channel table full (max %d)", t.maxCount)
	}
	t.entries[id] = &entry{kind: stateOpening, cb: cb, app: app}
	return id, nil
}

// CompleteLocalOpen resolves an Opening entry with the peer's reply.
// On confirmation it builds the Channel, installs it as Running, and
// invokes cb with the confirmation and the new Channel. On failure it
// removes the entry and invokes cb with the failure and a nil
// Channel. It is an error if id does not name an Opening entry.
func (t *Table) CompleteLocalOpen(id ChannelId, result OpenResult) error {
	t.mu.Lock()
	e, found := t.entries[id]
	if !found || e.kind != stateOpening {
		t.mu.Unlock()
		return fmt.Errorf("chantab: channel %d is not in Opening state", id)
	}
	cb := e.cb
	var ch *Channel
	if result.Confirmed {
		ch = newChannel(id, result.RemoteID, t.localWindow, result.InitialWindow, result.MaxPacketSize, e.app, nil)
		t.entries[id] = &entry{kind: stateRunning, ch: ch}
	} else {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	cb(result, ch)
	return nil
}

// OpenRemote handles a peer-initiated ChannelOpen: it allocates a
// local id and installs a Running entry directly, with no Opening
// phase, since there is no local continuation to invoke — the
// confirmation/failure decision was already made by the caller before
// calling OpenRemote (or not calling it at all, for a rejection).
func (t *Table) OpenRemote(remoteID ChannelId, initialRemoteWindow, remoteMaxPacketSize uint32, app AppKind, supervisor Canceler) (*Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.selectFreeLocalChannelId()
	if !ok {
		return nil, fmt.Errorf("chantab: channel table full (max %d)", t.maxCount)
	}
	ch := newChannel(id, remoteID, t.localWindow, initialRemoteWindow, remoteMaxPacketSize, app, supervisor)
	t.entries[id] = &entry{kind: stateRunning, ch: ch}
	return ch, nil
}

// Get returns the Running Channel for id, if any. It returns
// (nil, false) for ids that are Opening, Closing, or unknown.
func (t *Table) Get(id ChannelId) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.entries[id]
	if !found || e.kind != stateRunning {
		return nil, false
	}
	return e.ch, true
}

// BeginClose transitions a Running channel to Closing and reports
// whether this side had already sent its own ChannelClose before now
// (alreadySent). The two-sided close is idempotent: the caller should
// send ChannelClose(ch.RemoteID) iff alreadySent is false. It is an
// error if id does not name a Running or Closing channel.
func (t *Table) BeginClose(id ChannelId) (ch *Channel, alreadySent bool, err error) {
	t.mu.Lock()
	e, found := t.entries[id]
	if !found || (e.kind != stateRunning && e.kind != stateClosing) {
		t.mu.Unlock()
		return nil, false, fmt.Errorf("chantab: channel %d is not open", id)
	}
	ch = e.ch
	e.kind = stateClosing
	t.mu.Unlock()

	alreadySent = ch.markClosedLocally()
	return ch, alreadySent, nil
}

// Remove deletes a Closing (or Running) channel's entry from the
// table and tears down its window counters and supervisor handle.
// Safe to call only after both sides' ChannelClose have been
// accounted for.
func (t *Table) Remove(id ChannelId) {
	t.mu.Lock()
	e, found := t.entries[id]
	if found {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if found && e.ch != nil {
		e.ch.teardown()
	}
}

// RemoveAll tears down and removes every channel in the table,
// cancelling their supervisors. Used on connection teardown.
func (t *Table) RemoveAll() {
	t.mu.Lock()
	chans := make([]*Channel, 0, len(t.entries))
	for id, e := range t.entries {
		if e.ch != nil {
			chans = append(chans, e.ch)
		}
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, ch := range chans {
		ch.teardown()
	}
}

// Count returns the number of entries currently in the table,
// regardless of state.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
