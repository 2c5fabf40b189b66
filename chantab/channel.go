// Package chantab implements the per-connection channel table: id
// allocation, the Opening/Running/Closing state machine, and the
// per-channel window counters RFC 4254 flow control depends on. It
// knows nothing about wire encoding (sshwire) or buffered application
// I/O (flowbuf); connproto wires those in through this table.
package chantab

import (
	"fmt"
	"sync"
)

// ChannelId is the local or remote identifier for a channel, assigned
// independently by each side when it opens its end.
type ChannelId uint32

// ErrWindowOverflow is returned when a ChannelWindowAdjust would push
// a remote window counter past 2^32-1, a fatal protocol error.
var ErrWindowOverflow = fmt.Errorf("chantab: window adjust overflow")

// ErrWindowUnderrun is returned when more bytes are reported received
// than the local window had advertised, a fatal protocol error.
var ErrWindowUnderrun = fmt.Errorf("chantab: window underrun")

// Canceler is the handle a channel keeps on its supervising task so
// connection or channel teardown can stop it. connproto's supervisor
// type implements this.
type Canceler interface {
	Cancel()
}

// AppKind tags which application variant a Channel's Running state
// carries, mirroring the SessionState / DirectTcpIpState /
// ForwardedTcpIpState union from the data model.
type AppKind int

const (
	AppSession AppKind = iota
	AppDirectTcpIp
	AppForwardedTcpIp
)

func (k AppKind) String() string {
	switch k {
	case AppSession:
		return "session"
	case AppDirectTcpIp:
		return "direct-tcpip"
	case AppForwardedTcpIp:
		return "forwarded-tcpip"
	default:
		return "unknown"
	}
}

// windowCounter is a blocking remote-window accounting primitive,
// used to gate outbound ChannelData/ChannelExtendedData until the
// peer has advertised enough room. Modeled directly on the teacher's
// reserve/add window pairing: a mutex-backed counter with a condition
// variable so a sender can block until more window arrives.
type windowCounter struct {
	cond   *sync.Cond
	win    uint32
	closed bool
}

func newWindowCounter(initial uint32) *windowCounter {
	return &windowCounter{cond: sync.NewCond(new(sync.Mutex)), win: initial}
}

// add folds a ChannelWindowAdjust into the counter. It fails if doing
// so would overflow past 2^32-1.
func (w *windowCounter) add(n uint32) error {
	if n == 0 {
		return nil
	}
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	if w.win+n < w.win {
		return ErrWindowOverflow
	}
	w.win += n
	w.cond.Broadcast()
	return nil
}

// reserve blocks until some window is available or the counter is
// shut down, then returns up to want bytes' worth of reservation. A
// false ok means the counter was shut down with nothing to give.
func (w *windowCounter) reserve(want uint32) (n uint32, ok bool) {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	for w.win == 0 && !w.closed {
		w.cond.Wait()
	}
	if w.win == 0 {
		return 0, false
	}
	if want > w.win {
		want = w.win
	}
	w.win -= want
	return want, true
}

// shutdown permanently wakes any blocked reserve call, used when the
// channel is closing and no further data will ever be sent.
func (w *windowCounter) shutdown() {
	w.cond.L.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.cond.L.Unlock()
}

// Channel is the Running-state record for an open channel: both ids,
// both window counters, the peer's fixed max packet size, and the
// handle needed to cancel its supervisor on teardown.
type Channel struct {
	LocalID  ChannelId
	RemoteID ChannelId

	// RemoteMaxPacketSize is fixed for the lifetime of the channel,
	// set from the peer's ChannelOpen/ChannelOpenConfirmation.
	RemoteMaxPacketSize uint32

	App AppKind

	remoteWindow *windowCounter

	mu            sync.Mutex
	localWindow   uint32
	closedLocally bool     // we have already sent our own ChannelClose
	supervisor    Canceler // set once, after the entry is already visible in the table
}

func newChannel(localID, remoteID ChannelId, initialLocalWindow, initialRemoteWindow, remoteMaxPacketSize uint32, app AppKind, supervisor Canceler) *Channel {
	return &Channel{
		LocalID:             localID,
		RemoteID:            remoteID,
		RemoteMaxPacketSize: remoteMaxPacketSize,
		App:                 app,
		remoteWindow:        newWindowCounter(initialRemoteWindow),
		localWindow:         initialLocalWindow,
		supervisor:          supervisor,
	}
}

// SetSupervisor attaches the supervisor handle after the channel is
// already Running and visible in the table, per the task-registration
// discipline in the concurrency model: connproto calls it before it
// starts the supervisor goroutine, so any teardown from then on
// cancels that supervisor. A teardown that runs before SetSupervisor
// finds no handle to cancel.
func (c *Channel) SetSupervisor(s Canceler) {
	c.mu.Lock()
	c.supervisor = s
	c.mu.Unlock()
}

// ReserveRemoteWindow blocks until up to want bytes of remote window
// are available to send as ChannelData/ChannelExtendedData, or the
// channel has been torn down (ok=false).
func (c *Channel) ReserveRemoteWindow(want uint32) (n uint32, ok bool) {
	return c.remoteWindow.reserve(want)
}

// AddRemoteWindow folds an inbound ChannelWindowAdjust into the
// remote window counter.
func (c *Channel) AddRemoteWindow(n uint32) error {
	return c.remoteWindow.add(n)
}

// ConsumeLocalWindow accounts for n bytes of inbound ChannelData or
// ChannelExtendedData payload against the local window this side
// advertised. It fails if n exceeds the remaining local window.
func (c *Channel) ConsumeLocalWindow(n uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.localWindow {
		return ErrWindowUnderrun
	}
	c.localWindow -= n
	return nil
}

// GrowLocalWindow folds an outbound ChannelWindowAdjust increment
// back into the local window counter.
func (c *Channel) GrowLocalWindow(n uint32) {
	c.mu.Lock()
	c.localWindow += n
	c.mu.Unlock()
}

// LocalWindow reports the current advertised-but-unused local window.
func (c *Channel) LocalWindow() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localWindow
}

// markClosedLocally records that this side has sent its own
// ChannelClose, and reports whether it had already done so.
func (c *Channel) markClosedLocally() (already bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	already = c.closedLocally
	c.closedLocally = true
	return already
}

// teardown releases anything that could otherwise block forever once
// the channel is being removed from the table.
func (c *Channel) teardown() {
	c.remoteWindow.shutdown()
	c.mu.Lock()
	sup := c.supervisor
	c.mu.Unlock()
	if sup != nil {
		sup.Cancel()
	}
}
