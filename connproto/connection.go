package connproto

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"sshcore/chantab"
	"sshcore/sshwire"
	"sshcore/switchboard"
)

// MessageStream is the upstream transport the connection-protocol
// core consumes: something that has already peeled off the key
// exchange and user-authentication layers and hands over a sequence
// of connection-protocol messages. Receive returns io.EOF to signal
// the distinguished end-of-stream message.
type MessageStream interface {
	Send(msg sshwire.Message) error
	Receive() (sshwire.Message, error)
}

// Connection is one SSH connection-protocol session: the channel
// table, the single reader task, the single writer task fed by a
// mailbox, and (server side) the accept callbacks and switchboard
// registration this connection owns.
type Connection struct {
	stream MessageStream
	config ConnectionConfig
	table  *chantab.Table
	out    *mailbox
	metrics *metricsSet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // every channel supervisor

	globalMu      sync.Mutex
	globalPending []chan globalReply

	fwMu      sync.Mutex
	fwDialers map[switchboard.HostAddress]ForwardedTcpIpHandler

	appsMu sync.Mutex
	apps   map[chantab.ChannelId]*appState

	runErr   error
	runErrMu sync.Mutex
	runOnce  sync.Once
	stopped  chan struct{}
}

type globalReply struct {
	success bool
	body    []byte
}

// NewConnection wraps stream with the connection-protocol core. reg
// may be nil to skip Prometheus registration (e.g. in tests).
func NewConnection(stream MessageStream, cfg ConnectionConfig, reg prometheus.Registerer) *Connection {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		stream:    stream,
		config:    cfg,
		table:     chantab.NewTable(int(cfg.ChannelMaxCount), cfg.ChannelMaxQueueSize, cfg.ChannelMaxPacketSize),
		out:       newMailbox(),
		metrics:   newMetricsSet(reg),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
		fwDialers: make(map[switchboard.HostAddress]ForwardedTcpIpHandler),
		apps:      make(map[chantab.ChannelId]*appState),
	}
}

// Run starts the reader and writer tasks and blocks until the
// connection tears down, either because the peer's stream ended, a
// ProtocolError occurred, or Close was called. It returns the reason,
// or nil for a clean peer-initiated shutdown.
func (c *Connection) Run() error {
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		c.writerLoop()
	}()

	c.readerLoop()

	c.cancel()
	c.table.RemoveAll()
	if c.config.Switchboard != nil {
		c.config.Switchboard.CancelAll(c)
	}
	c.wg.Wait() // every supervisor has observed cancellation and exited
	writerWG.Wait()

	c.runOnce.Do(func() { close(c.stopped) })
	return c.runError()
}

// Close tears the connection down from the outside: it cancels every
// supervisor and stops the writer loop. The reader loop returns only
// once the stream's Receive returns, so the caller closes the
// underlying transport to let Run finish. Run's return value reports
// whatever error, if any, caused the teardown.
func (c *Connection) Close() {
	c.cancel()
}

// Done returns a channel closed once Run has fully returned.
func (c *Connection) Done() <-chan struct{} { return c.stopped }

func (c *Connection) fail(err error) {
	c.runErrMu.Lock()
	if c.runErr == nil {
		c.runErr = err
	}
	c.runErrMu.Unlock()
	c.cancel()
}

func (c *Connection) runError() error {
	c.runErrMu.Lock()
	defer c.runErrMu.Unlock()
	return c.runErr
}

func (c *Connection) writerLoop() {
	for {
		select {
		case msg := <-c.out.ch:
			if err := c.stream.Send(msg); err != nil {
				c.fail(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) send(msg sshwire.Message) error {
	return c.out.Put(c.ctx, msg)
}

func (c *Connection) readerLoop() {
	for {
		msg, err := c.stream.Receive()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			c.fail(err)
			return
		}
		if err := c.dispatch(msg); err != nil {
			c.metrics.protocolErrors.Inc()
			c.fail(err)
			return
		}
		select {
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

// dispatch performs one inbound message's state mutation and queues
// whatever reply it implies. Per the dispatcher contract, the state
// mutation (chantab/flowbuf calls) happens first; the resulting
// message, if any, is only sent afterward.
func (c *Connection) dispatch(msg sshwire.Message) error {
	switch m := msg.(type) {
	case *sshwire.GlobalRequest:
		return c.handleGlobalRequest(m)
	case *sshwire.RequestSuccess:
		return c.handleGlobalReply(globalReply{success: true, body: m.Body})
	case *sshwire.RequestFailure:
		return c.handleGlobalReply(globalReply{success: false})
	case *sshwire.ChannelOpen:
		return c.handleChannelOpen(m)
	case *sshwire.ChannelOpenConfirmation:
		return c.handleChannelOpenConfirmation(m)
	case *sshwire.ChannelOpenFailure:
		return c.handleChannelOpenFailure(m)
	case *sshwire.ChannelWindowAdjust:
		return c.handleWindowAdjust(m)
	case *sshwire.ChannelData:
		return c.handleChannelData(m)
	case *sshwire.ChannelExtendedData:
		return c.handleChannelExtendedData(m)
	case *sshwire.ChannelEof:
		return c.handleChannelEof(m)
	case *sshwire.ChannelClose:
		return c.handleChannelClose(m)
	case *sshwire.ChannelRequest:
		return c.handleChannelRequest(m)
	case *sshwire.ChannelSuccess:
		return c.handleChannelRequestReply(m.RecipientID, true)
	case *sshwire.ChannelFailure:
		return c.handleChannelRequestReply(m.RecipientID, false)
	default:
		return protoErrf("unrecognized message type %T", msg)
	}
}

func (c *Connection) channelOrProtoErr(id chantab.ChannelId) (*chantab.Channel, error) {
	ch, ok := c.table.Get(id)
	if !ok {
		return nil, protoErrf("no running channel %d", id)
	}
	return ch, nil
}

func (c *Connection) handleWindowAdjust(m *sshwire.ChannelWindowAdjust) error {
	ch, err := c.channelOrProtoErr(chantab.ChannelId(m.RecipientID))
	if err != nil {
		return err
	}
	if err := ch.AddRemoteWindow(m.BytesToAdd); err != nil {
		return protoErrf("channel %d: %v", ch.LocalID, err)
	}
	return nil
}

func (c *Connection) handleChannelOpenFailure(m *sshwire.ChannelOpenFailure) error {
	return c.table.CompleteLocalOpen(chantab.ChannelId(m.RecipientID), chantab.OpenResult{
		Confirmed:   false,
		ReasonCode:  m.ReasonCode,
		Description: m.Description,
	})
}

func (c *Connection) handleChannelOpenConfirmation(m *sshwire.ChannelOpenConfirmation) error {
	return c.table.CompleteLocalOpen(chantab.ChannelId(m.RecipientID), chantab.OpenResult{
		Confirmed:     true,
		RemoteID:      chantab.ChannelId(m.SenderID),
		InitialWindow: m.InitialWindow,
		MaxPacketSize: m.MaxPacketSize,
	})
}
