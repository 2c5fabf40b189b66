package connproto

import (
	"context"
	"fmt"
	"io"

	"sshcore/chantab"
	"sshcore/sshwire"
)

// openChannel drives a locally-initiated ChannelOpen through to
// completion: allocate an Opening entry, send ChannelOpen, and block
// until the peer's ChannelOpenConfirmation/ChannelOpenFailure arrives.
func (c *Connection) openChannel(ctx context.Context, chanType sshwire.Name, body []byte, app chantab.AppKind) (*chantab.Channel, error) {
	resultCh := make(chan struct {
		result chantab.OpenResult
		ch     *chantab.Channel
	}, 1)

	id, err := c.table.OpenLocal(app, func(result chantab.OpenResult, ch *chantab.Channel) {
		resultCh <- struct {
			result chantab.OpenResult
			ch     *chantab.Channel
		}{result, ch}
	})
	if err != nil {
		return nil, err
	}

	open := &sshwire.ChannelOpen{
		ChannelType:   chanType,
		SenderID:      uint32(id),
		InitialWindow: c.config.ChannelMaxQueueSize,
		MaxPacketSize: c.config.ChannelMaxPacketSize,
		Body:          body,
	}
	if err := c.send(open); err != nil {
		return nil, err
	}

	select {
	case r := <-resultCh:
		if !r.result.Confirmed {
			return nil, fmt.Errorf("connproto: channel open %q rejected: code %d: %s", chanType, r.result.ReasonCode, r.result.Description)
		}
		return r.ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, fmt.Errorf("connproto: connection closed while opening channel")
	}
}

// OpenDirectTcpIp opens a "direct-tcpip" channel: a request that the
// peer proxy a TCP connection to destHost:destPort, identifying
// ourselves with originHost:originPort. It blocks until the channel
// is confirmed or rejected and returns a DuplexStream wired to it.
func (c *Connection) OpenDirectTcpIp(ctx context.Context, destHost string, destPort uint32, originHost string, originPort uint32) (DuplexStream, error) {
	body := encodeDirectTcpIpBody(directTcpIpBody{
		ConnectedHost:  destHost,
		ConnectedPort:  destPort,
		OriginatorHost: originHost,
		OriginatorPort: originPort,
	})
	ch, err := c.openChannel(ctx, "direct-tcpip", body, chantab.AppDirectTcpIp)
	if err != nil {
		return nil, err
	}
	st := newDuplexAppState(chantab.AppDirectTcpIp, c.config.ChannelMaxQueueSize)
	c.putAppState(ch.LocalID, st)
	c.spawnDuplexSupervisor(ch, st, nil)
	return &duplexChannelStream{conn: c, ch: ch, st: st}, nil
}

// duplexChannelStream exposes a direct-tcpip/forwarded-tcpip
// channel's in/out buffers as an io.ReadWriteCloser, satisfying both
// DuplexStream and switchboard.ReadWriteCloser.
type duplexChannelStream struct {
	conn *Connection
	ch   *chantab.Channel
	st   *appState
}

func (s *duplexChannelStream) Read(p []byte) (int, error) {
	chunk := s.st.in.DequeueShort(len(p))
	if chunk == nil {
		return 0, io.EOF
	}
	return copy(p, chunk), nil
}

func (s *duplexChannelStream) Write(p []byte) (int, error) {
	return s.st.out.EnqueueBlock(p)
}

func (s *duplexChannelStream) Close() error {
	s.st.out.SendEof()
	return nil
}

// spawnDuplexSupervisor starts the supervisor for a direct-tcpip or
// forwarded-tcpip channel: a drain loop for the outbound buffer plus
// the window-adjust loop for the inbound one, per §4.5's pattern
// reduced to a single duplex stream with no stderr and no exit
// signalling. If handler is non-nil it also runs as the channel's
// worker, given the duplex stream; its return value is discarded and
// a panic is recovered and discarded, so the channel closes the same
// way whether the handler succeeds or fails (direct-tcpip/forwarded-
// tcpip have no exit-status channel request to report it through).
func (c *Connection) spawnDuplexSupervisor(ch *chantab.Channel, st *appState, handler DuplexHandler) {
	ctx, cancel := context.WithCancel(c.ctx)
	ch.SetSupervisor(&supervisorHandle{cancel: cancel})

	go func() {
		<-ctx.Done()
		st.in.SendEof()
		st.out.SendEof()
	}()

	go func() {
		for inc := st.in.GetRecommendedWindowAdjust(); inc > 0; inc = st.in.GetRecommendedWindowAdjust() {
			ch.GrowLocalWindow(inc)
			c.send(&sshwire.ChannelWindowAdjust{RecipientID: uint32(ch.RemoteID), BytesToAdd: inc})
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.closeChannel(ch)

		var workerDone chan struct{}
		if handler != nil {
			workerDone = make(chan struct{})
			stream := &duplexChannelStream{conn: c, ch: ch, st: st}
			go func() {
				defer close(workerDone)
				defer recoverIntoNothing()
				handler(ctx, stream)
			}()
		}

		done := ctx.Done()
		for {
			select {
			case <-done:
				return
			case <-workerDone:
				workerDone = nil // already consumed; don't select it again
				return
			default:
			}

			chunk := st.out.DequeueShort(int(ch.RemoteMaxPacketSize))
			if chunk == nil {
				if st.out.AskEof() {
					return
				}
				continue
			}
			n, ok := ch.ReserveRemoteWindow(uint32(len(chunk)))
			if !ok {
				return
			}
			if err := c.send(&sshwire.ChannelData{RecipientID: uint32(ch.RemoteID), Data: chunk[:n]}); err != nil {
				return
			}
			c.metrics.bytesOut.Add(float64(n))
		}
	}()
}

// DuplexHandler is the worker signature for a duplex channel accepted
// from the peer: it runs the configured OnDirectTcpIpRequest or the
// registered ForwardedTcpIpHandler. Locally opened channels
// (OpenDirectTcpIp, openForwardedTcpIpChannel) pass no handler; their
// caller drives the returned stream directly instead.
type DuplexHandler func(ctx context.Context, stream DuplexStream) error

func recoverIntoNothing() {
	recover()
}

// closeChannel runs the two-sided ChannelClose sequence for ch: send
// ChannelClose if we have not already, then remove it from the table.
// Whichever side's ChannelClose is processed second finds the entry
// already gone; handleChannelClose and this function both treat that
// as absorbing rather than an error, so the ordering here is safe
// regardless of whether our own close or the peer's echo comes first.
func (c *Connection) closeChannel(ch *chantab.Channel) {
	_, alreadySent, err := c.table.BeginClose(ch.LocalID)
	if err != nil {
		return // already fully closed by the peer's ChannelClose
	}
	if !alreadySent {
		c.send(&sshwire.ChannelClose{RecipientID: uint32(ch.RemoteID)})
	}
	c.table.Remove(ch.LocalID)
	c.removeAppState(ch.LocalID)
	c.metrics.channelsActive.Dec()
}
