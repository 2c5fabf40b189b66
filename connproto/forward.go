package connproto

import (
	"context"
	"fmt"

	"sshcore/chantab"
	"sshcore/sshwire"
	"sshcore/switchboard"
)

// tcpipForwardBody is the GlobalRequest("tcpip-forward") payload:
// RFC 4254 7.1.
type tcpipForwardBody struct {
	BindHost string
	BindPort uint32
}

func encodeTcpipForwardBody(host string, port uint32) []byte {
	w := sshwire.NewBuffer(32)
	w.PutText(host)
	w.PutUint32(port)
	return w.Bytes()
}

func decodeTcpipForwardBody(body []byte) (tcpipForwardBody, error) {
	r := sshwire.NewReader(body)
	host := r.GetText()
	port := r.GetUint32()
	if r.Err() != nil {
		return tcpipForwardBody{}, r.Err()
	}
	return tcpipForwardBody{BindHost: host, BindPort: port}, nil
}

// directTcpIpBody is the ChannelOpen body for both "direct-tcpip" and
// "forwarded-tcpip": RFC 4254 7.2.
type directTcpIpBody struct {
	ConnectedHost  string
	ConnectedPort  uint32
	OriginatorHost string
	OriginatorPort uint32
}

func decodeDirectTcpIpBody(body []byte) (directTcpIpBody, error) {
	r := sshwire.NewReader(body)
	d := directTcpIpBody{
		ConnectedHost: r.GetText(),
	}
	d.ConnectedPort = r.GetUint32()
	d.OriginatorHost = r.GetText()
	d.OriginatorPort = r.GetUint32()
	if r.Err() != nil {
		return directTcpIpBody{}, r.Err()
	}
	return d, nil
}

func encodeDirectTcpIpBody(d directTcpIpBody) []byte {
	w := sshwire.NewBuffer(64)
	w.PutText(d.ConnectedHost)
	w.PutUint32(d.ConnectedPort)
	w.PutText(d.OriginatorHost)
	w.PutUint32(d.OriginatorPort)
	return w.Bytes()
}

// handleGlobalRequest implements the server-side tcpip-forward /
// cancel-tcpip-forward handling; anything else is failed outright.
func (c *Connection) handleGlobalRequest(m *sshwire.GlobalRequest) error {
	switch m.Name {
	case "tcpip-forward":
		return c.handleTcpipForward(m)
	case "cancel-tcpip-forward":
		return c.handleCancelTcpipForward(m)
	default:
		if m.WantReply {
			return c.send(&sshwire.RequestFailure{})
		}
		return nil
	}
}

func (c *Connection) handleTcpipForward(m *sshwire.GlobalRequest) error {
	body, err := decodeTcpipForwardBody(m.Body)
	if err != nil {
		return protoErrf("malformed tcpip-forward body: %v", err)
	}
	ok := false
	if c.config.Switchboard != nil {
		bind := switchboard.HostAddress{Host: body.BindHost, Port: uint16(body.BindPort)}
		ok = c.config.Switchboard.RequestForwarding(c, bind, func(ctx context.Context, bind, originator switchboard.HostAddress) (switchboard.ReadWriteCloser, error) {
			return c.openForwardedTcpIpChannel(ctx, bind, originator)
		})
	}
	if !m.WantReply {
		return nil
	}
	if ok {
		return c.send(&sshwire.RequestSuccess{})
	}
	return c.send(&sshwire.RequestFailure{})
}

func (c *Connection) handleCancelTcpipForward(m *sshwire.GlobalRequest) error {
	body, err := decodeTcpipForwardBody(m.Body)
	if err != nil {
		return protoErrf("malformed cancel-tcpip-forward body: %v", err)
	}
	if c.config.Switchboard != nil {
		bind := switchboard.HostAddress{Host: body.BindHost, Port: uint16(body.BindPort)}
		c.config.Switchboard.CancelForwarding(c, bind)
	}
	if m.WantReply {
		return c.send(&sshwire.RequestSuccess{})
	}
	return nil
}

// openForwardedTcpIpChannel is the opener a server-side Connection
// registers with the switchboard: it sends ChannelOpen("forwarded-
// tcpip") to the peer and returns a duplex stream wired to the
// resulting channel once confirmed.
func (c *Connection) openForwardedTcpIpChannel(ctx context.Context, bind, originator switchboard.HostAddress) (switchboard.ReadWriteCloser, error) {
	body := encodeDirectTcpIpBody(directTcpIpBody{
		ConnectedHost:  bind.Host,
		ConnectedPort:  uint32(bind.Port),
		OriginatorHost: originator.Host,
		OriginatorPort: uint32(originator.Port),
	})
	ch, err := c.openChannel(ctx, "forwarded-tcpip", body, chantab.AppForwardedTcpIp)
	if err != nil {
		return nil, err
	}
	st := newDuplexAppState(chantab.AppForwardedTcpIp, c.config.ChannelMaxQueueSize)
	c.putAppState(ch.LocalID, st)
	// No internal worker: the embedder splices the raw accepted
	// connection with the stream this function returns, so the only
	// job left for the supervisor is draining the buffers.
	c.spawnDuplexSupervisor(ch, st, nil)
	return &duplexChannelStream{conn: c, ch: ch, st: st}, nil
}

// RequestForwarding asks the peer to start forwarding connections
// bound to host:port back to us, and registers handler to receive
// each one as it arrives via a "forwarded-tcpip" channel open.
func (c *Connection) RequestForwarding(ctx context.Context, host string, port uint32, handler ForwardedTcpIpHandler) error {
	reply, err := c.sendGlobalRequest(ctx, "tcpip-forward", encodeTcpipForwardBody(host, port))
	if err != nil {
		return err
	}
	if !reply.success {
		return fmt.Errorf("connproto: peer refused tcpip-forward for %s:%d", host, port)
	}
	c.fwMu.Lock()
	c.fwDialers[switchboard.HostAddress{Host: host, Port: uint16(port)}] = handler
	c.fwMu.Unlock()
	return nil
}

// CancelForwarding asks the peer to stop forwarding host:port and
// removes the local handler registration regardless of the peer's
// reply, since from our side we must stop accepting new channels for
// it either way.
func (c *Connection) CancelForwarding(ctx context.Context, host string, port uint32) error {
	c.fwMu.Lock()
	delete(c.fwDialers, switchboard.HostAddress{Host: host, Port: uint16(port)})
	c.fwMu.Unlock()
	_, err := c.sendGlobalRequest(ctx, "cancel-tcpip-forward", encodeTcpipForwardBody(host, port))
	return err
}

// sendGlobalRequest sends a GlobalRequest with wantReply=true and
// waits for the correlated reply. Global request/reply pairs are
// strictly FIFO per RFC 4254 4, so the reply is correlated by a
// first-in-first-out queue rather than an id.
func (c *Connection) sendGlobalRequest(ctx context.Context, name sshwire.Name, body []byte) (globalReply, error) {
	replyCh := make(chan globalReply, 1)
	c.globalMu.Lock()
	c.globalPending = append(c.globalPending, replyCh)
	c.globalMu.Unlock()

	if err := c.send(&sshwire.GlobalRequest{Name: name, WantReply: true, Body: body}); err != nil {
		return globalReply{}, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return globalReply{}, ctx.Err()
	case <-c.ctx.Done():
		return globalReply{}, fmt.Errorf("connproto: connection closed while awaiting global reply")
	}
}

func (c *Connection) handleGlobalReply(reply globalReply) error {
	c.globalMu.Lock()
	if len(c.globalPending) == 0 {
		c.globalMu.Unlock()
		return protoErrf("unexpected global request reply with no pending request")
	}
	replyCh := c.globalPending[0]
	c.globalPending = c.globalPending[1:]
	c.globalMu.Unlock()

	replyCh <- reply
	return nil
}
