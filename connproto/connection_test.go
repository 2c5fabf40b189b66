package connproto

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"sshcore/chantab"
	"sshcore/sshwire"
)

// pipeConnections wires a Connection to a raw PacketStream over an
// in-memory net.Pipe. The Connection runs a full Run loop in a
// goroutine; the driver is the test's own hand against the wire, so
// assertions can observe exactly what the Connection sends.
func pipeConnections(t *testing.T, cfg ConnectionConfig) (conn *Connection, driver *PacketStream) {
	t.Helper()
	connEnd, driverEnd := net.Pipe()
	conn = NewConnection(NewPacketStream(connEnd, 1<<20), cfg, nil)
	driver = NewPacketStream(driverEnd, 1<<20)
	go conn.Run()
	t.Cleanup(func() {
		// Run's reader loop blocks in Receive until the transport
		// itself errors out; Connection.Close only cancels supervisors;
		// the caller (here, the test) owns closing the underlying conns,
		// same as cmd/sshcored's handle does for its net.Conn.
		connEnd.Close()
		driverEnd.Close()
		conn.Close()
		<-conn.Done()
	})
	return conn, driver
}

func execBody(command string) []byte {
	w := sshwire.NewBuffer(len(command) + 4)
	w.PutText(command)
	return w.Bytes()
}

func recvWithTimeout(t *testing.T, driver *PacketStream, timeout time.Duration) sshwire.Message {
	t.Helper()
	type result struct {
		msg sshwire.Message
		err error
	}
	out := make(chan result, 1)
	go func() {
		msg, err := driver.Receive()
		out <- result{msg, err}
	}()
	select {
	case r := <-out:
		if r.err != nil {
			t.Fatalf("driver.Receive: %v", r.err)
		}
		return r.msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

// TestSessionExecDeliversOutputExitStatusThenClose covers the S1
// scenario (spec property #5: Data strictly precedes Eof precedes
// Close): a driver opens a session channel, requests "exec", and must
// observe the handler's stdout bytes, then ChannelEof, then the
// exit-status ChannelRequest, then ChannelClose, in that order.
func TestSessionExecDeliversOutputExitStatusThenClose(t *testing.T) {
	cfg := DefaultConnectionConfig()
	cfg.OnSessionRequest = func(ctx context.Context, sess *Session) ExitResult {
		io.WriteString(sess.Stdout, "hello from session\n")
		return Exited(0)
	}
	_, driver := pipeConnections(t, cfg)

	const localID = 0
	if err := driver.Send(&sshwire.ChannelOpen{
		ChannelType:   "session",
		SenderID:      localID,
		InitialWindow: 32768,
		MaxPacketSize: 32768,
	}); err != nil {
		t.Fatalf("sending ChannelOpen: %v", err)
	}

	confirm, ok := recvWithTimeout(t, driver, 2*time.Second).(*sshwire.ChannelOpenConfirmation)
	if !ok {
		t.Fatalf("expected ChannelOpenConfirmation, got %T", confirm)
	}
	remoteID := confirm.SenderID

	if err := driver.Send(&sshwire.ChannelRequest{
		RecipientID: remoteID,
		RequestType: "exec",
		WantReply:   false,
		Body:        execBody("echo hi"),
	}); err != nil {
		t.Fatalf("sending exec request: %v", err)
	}

	data, ok := recvWithTimeout(t, driver, 2*time.Second).(*sshwire.ChannelData)
	if !ok {
		t.Fatalf("expected ChannelData first, got %T", data)
	}
	if string(data.Data) != "hello from session\n" {
		t.Fatalf("unexpected stdout bytes %q", data.Data)
	}

	if _, ok := recvWithTimeout(t, driver, 2*time.Second).(*sshwire.ChannelEof); !ok {
		t.Fatal("expected ChannelEof to follow the data")
	}

	req, ok := recvWithTimeout(t, driver, 2*time.Second).(*sshwire.ChannelRequest)
	if !ok || req.RequestType != "exit-status" {
		t.Fatalf("expected exit-status request after Eof, got %+v", req)
	}

	if _, ok := recvWithTimeout(t, driver, 2*time.Second).(*sshwire.ChannelClose); !ok {
		t.Fatal("expected ChannelClose to follow exit-status")
	}
}

// TestSessionHandlerPanicReportsExitSignal covers S2: a handler panic
// is recovered and reported as exit-signal("ILL") rather than
// propagating out of the supervisor.
func TestSessionHandlerPanicReportsExitSignal(t *testing.T) {
	cfg := DefaultConnectionConfig()
	cfg.OnSessionRequest = func(ctx context.Context, sess *Session) ExitResult {
		panic("boom")
	}
	_, driver := pipeConnections(t, cfg)

	if err := driver.Send(&sshwire.ChannelOpen{ChannelType: "session", SenderID: 0, InitialWindow: 32768, MaxPacketSize: 32768}); err != nil {
		t.Fatalf("sending ChannelOpen: %v", err)
	}
	confirm := recvWithTimeout(t, driver, 2*time.Second).(*sshwire.ChannelOpenConfirmation)

	if err := driver.Send(&sshwire.ChannelRequest{
		RecipientID: confirm.SenderID,
		RequestType: "shell",
		WantReply:   false,
	}); err != nil {
		t.Fatalf("sending shell request: %v", err)
	}

	if _, ok := recvWithTimeout(t, driver, 2*time.Second).(*sshwire.ChannelEof); !ok {
		t.Fatal("expected ChannelEof even after a handler panic")
	}
	req, ok := recvWithTimeout(t, driver, 2*time.Second).(*sshwire.ChannelRequest)
	if !ok || req.RequestType != "exit-signal" {
		t.Fatalf("expected exit-signal after a panic, got %+v", req)
	}
	r := sshwire.NewReader(req.Body)
	name := r.GetText()
	if r.Err() != nil || name != "ILL" {
		t.Fatalf("expected signal name ILL, got %q (err %v)", name, r.Err())
	}
}

// TestDirectTcpIpProxiesBothDirections covers a full direct-tcpip
// round trip between two real Connections: the client opens a
// direct-tcpip channel, the server's OnDirectTcpIpRequest dials a
// local echo listener, and bytes written by the client come back
// unchanged.
func TestDirectTcpIpProxiesBothDirections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(c, c)
		}
	}()

	serverCfg := DefaultConnectionConfig()
	serverCfg.OnDirectTcpIpRequest = func(ctx context.Context, destHost string, destPort uint32, stream DuplexStream) error {
		target, err := net.Dial("tcp", fmt.Sprintf("%s:%d", destHost, destPort))
		if err != nil {
			return err
		}
		defer target.Close()
		done := make(chan struct{}, 2)
		go func() { io.Copy(target, stream); done <- struct{}{} }()
		go func() { io.Copy(stream, target); done <- struct{}{} }()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil
	}

	serverEnd, clientEnd := net.Pipe()
	server := NewConnection(NewPacketStream(serverEnd, 1<<20), serverCfg, nil)
	client := NewConnection(NewPacketStream(clientEnd, 1<<20), DefaultConnectionConfig(), nil)
	go server.Run()
	go client.Run()
	t.Cleanup(func() {
		serverEnd.Close()
		clientEnd.Close()
		client.Close()
		server.Close()
		<-client.Done()
		<-server.Done()
	})

	addr := ln.Addr().(*net.TCPAddr)
	stream, err := client.OpenDirectTcpIp(context.Background(), "127.0.0.1", uint32(addr.Port), "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("OpenDirectTcpIp: %v", err)
	}

	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("expected echoed %q, got %q", "ping", buf)
	}
}

// TestCloseChannelIgnoresAlreadyRemovedChannel covers property #6
// (closing is absorbing) at the Connection level: once the inbound
// ChannelClose path has already removed a channel and decremented its
// active-channel metric, the outbound closeChannel path racing behind
// it (the channel's own supervisor exiting) must be a no-op rather
// than double-decrementing or sending a second ChannelClose.
func TestCloseChannelIgnoresAlreadyRemovedChannel(t *testing.T) {
	cfg := DefaultConnectionConfig()
	conn, driver := pipeConnections(t, cfg)

	ch, err := conn.table.OpenRemote(1, 32768, 32768, chantab.AppDirectTcpIp, nil)
	if err != nil {
		t.Fatalf("OpenRemote: %v", err)
	}
	conn.metrics.channelsActive.Inc()

	// Simulate the peer's ChannelClose winning the race: this removes
	// the channel from the table and decrements the gauge. The message
	// addresses our local channel by its RecipientID field.
	if err := conn.handleChannelClose(&sshwire.ChannelClose{RecipientID: uint32(ch.LocalID)}); err != nil {
		t.Fatalf("handleChannelClose: %v", err)
	}
	if _, ok := conn.table.Get(ch.LocalID); ok {
		t.Fatal("expected the channel to be removed after handleChannelClose")
	}

	// The channel's own supervisor now runs its deferred closeChannel;
	// this must not panic, resend ChannelClose, or decrement again.
	conn.closeChannel(ch)

	_ = driver // the driver is only needed to keep the pipe readable by Connection.Run
}

// TestHandleChannelCloseIgnoresChannelClosedBySupervisorFirst covers
// the other half of property #6: the common ordering where our own
// supervisor exits and calls closeChannel before the peer's echoing
// ChannelClose arrives. That must not be treated as a protocol error
// for an unknown channel -- it is the confirming half of a mutual
// close the supervisor already initiated.
func TestHandleChannelCloseIgnoresChannelClosedBySupervisorFirst(t *testing.T) {
	cfg := DefaultConnectionConfig()
	conn, driver := pipeConnections(t, cfg)

	ch, err := conn.table.OpenRemote(1, 32768, 32768, chantab.AppDirectTcpIp, nil)
	if err != nil {
		t.Fatalf("OpenRemote: %v", err)
	}
	conn.metrics.channelsActive.Inc()

	// The channel's supervisor exits first and runs its deferred
	// closeChannel: this sends our ChannelClose and removes the entry.
	conn.closeChannel(ch)
	if _, ok := conn.table.Get(ch.LocalID); ok {
		t.Fatal("expected the channel to be removed after closeChannel")
	}

	// The peer's own ChannelClose, sent in reply to ours, now arrives.
	// It must be absorbed, not raise a fatal ProtocolError.
	if err := conn.handleChannelClose(&sshwire.ChannelClose{RecipientID: uint32(ch.LocalID)}); err != nil {
		t.Fatalf("handleChannelClose after supervisor-initiated close: %v", err)
	}

	_ = driver // the driver is only needed to keep the pipe readable by Connection.Run
}
