package connproto

import (
	"context"

	"sshcore/chantab"
	"sshcore/flowbuf"
)

// appState holds the per-channel application-side state the data
// model calls SessionState / DirectTcpIpState / ForwardedTcpIpState:
// the TWindowBuffers data flows through plus whatever bookkeeping the
// supervisor needs before it can hand off to a worker.
type appState struct {
	kind chantab.AppKind

	// session
	stdin, stdout, stderr *flowbuf.TWindowBuffer
	env                   map[string]string
	pty                   *PtyRequest
	command               chan string // each exec/shell request sends here; the supervisor receives only the first

	// direct-tcpip / forwarded-tcpip
	in, out *flowbuf.TWindowBuffer
}

func newSessionAppState(queueSize uint32) *appState {
	return &appState{
		kind:    chantab.AppSession,
		stdin:   flowbuf.NewTWindowBuffer(queueSize),
		stdout:  flowbuf.NewTWindowBuffer(queueSize),
		stderr:  flowbuf.NewTWindowBuffer(queueSize),
		env:     make(map[string]string),
		command: make(chan string, 1),
	}
}

func newDuplexAppState(kind chantab.AppKind, queueSize uint32) *appState {
	return &appState{
		kind: kind,
		in:   flowbuf.NewTWindowBuffer(queueSize),
		out:  flowbuf.NewTWindowBuffer(queueSize),
	}
}

// supervisorHandle adapts a context.CancelFunc to chantab.Canceler.
type supervisorHandle struct {
	cancel context.CancelFunc
}

func (h *supervisorHandle) Cancel() { h.cancel() }

func (c *Connection) putAppState(id chantab.ChannelId, st *appState) {
	c.appsMu.Lock()
	c.apps[id] = st
	c.appsMu.Unlock()
}

func (c *Connection) getAppState(id chantab.ChannelId) (*appState, bool) {
	c.appsMu.Lock()
	defer c.appsMu.Unlock()
	st, ok := c.apps[id]
	return st, ok
}

func (c *Connection) removeAppState(id chantab.ChannelId) {
	c.appsMu.Lock()
	delete(c.apps, id)
	c.appsMu.Unlock()
}
