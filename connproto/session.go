package connproto

import (
	"context"
	"io"

	"sshcore/chantab"
	"sshcore/flowbuf"
	"sshcore/sshwire"
)

func (c *Connection) spawnSessionSupervisor(ch *chantab.Channel, st *appState) {
	ctx, cancel := context.WithCancel(c.ctx)
	ch.SetSupervisor(&supervisorHandle{cancel: cancel})

	go func() {
		<-ctx.Done()
		st.stdin.SendEof()
		st.stdout.SendEof()
		st.stderr.SendEof()
	}()

	c.wg.Add(1)
	go c.runSessionSupervisor(ctx, ch, st)
}

// runSessionSupervisor implements §4.5's composed four-way choice.
// Each alternative is fed by its own goroutine that performs the
// (potentially blocking) flowbuf/window wait and forwards the result
// over a channel; the supervisor itself never blocks inside one
// alternative, so it can always re-check priority 1 before consuming
// anything from priority 2-4, exactly as the ordering requires.
func (c *Connection) runSessionSupervisor(ctx context.Context, ch *chantab.Channel, st *appState) {
	defer c.wg.Done()
	defer c.closeChannel(ch)

	var command string
	select {
	case command = <-st.command:
	case <-ctx.Done():
		return // torn down before any command ever arrived; nothing to report
	}

	workerDone := make(chan ExitResult, 1)
	go c.runSessionWorker(ctx, st, command, workerDone)

	stdoutCh := feedChunks(ctx, st.stdout, int(ch.RemoteMaxPacketSize))
	stderrCh := feedChunks(ctx, st.stderr, int(ch.RemoteMaxPacketSize))
	windowAdjustCh := feedWindowAdjusts(ctx, st.stdin)

	for {
		select {
		case chunk := <-stdoutCh:
			if !c.emitChannelData(ch, chunk, false) {
				return
			}
			continue
		default:
		}
		select {
		case chunk := <-stderrCh:
			if !c.emitChannelData(ch, chunk, true) {
				return
			}
			continue
		default:
		}
		select {
		case result := <-workerDone:
			c.finishSession(ch, result)
			return
		default:
		}
		select {
		case inc := <-windowAdjustCh:
			ch.GrowLocalWindow(inc)
			if err := c.send(&sshwire.ChannelWindowAdjust{RecipientID: uint32(ch.RemoteID), BytesToAdd: inc}); err != nil {
				return
			}
			continue
		default:
		}

		select {
		case chunk := <-stdoutCh:
			if !c.emitChannelData(ch, chunk, false) {
				return
			}
		case chunk := <-stderrCh:
			if !c.emitChannelData(ch, chunk, true) {
				return
			}
		case result := <-workerDone:
			c.finishSession(ch, result)
			return
		case inc := <-windowAdjustCh:
			ch.GrowLocalWindow(inc)
			if err := c.send(&sshwire.ChannelWindowAdjust{RecipientID: uint32(ch.RemoteID), BytesToAdd: inc}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// feedChunks starts a goroutine draining b and forwarding each
// non-empty chunk; it stops once b reaches EOF with nothing left.
func feedChunks(ctx context.Context, b *flowbuf.TWindowBuffer, maxBytes int) <-chan []byte {
	out := make(chan []byte)
	go func() {
		for {
			chunk := b.DequeueShort(maxBytes)
			if chunk == nil {
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// feedWindowAdjusts starts a goroutine that repeatedly blocks on
// GetRecommendedWindowAdjust and forwards each non-zero increment.
func feedWindowAdjusts(ctx context.Context, b *flowbuf.TWindowBuffer) <-chan uint32 {
	out := make(chan uint32)
	go func() {
		for {
			inc := b.GetRecommendedWindowAdjust()
			if inc == 0 {
				if b.AskEof() {
					return
				}
				continue
			}
			select {
			case out <- inc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (c *Connection) emitChannelData(ch *chantab.Channel, chunk []byte, stderr bool) bool {
	n, ok := ch.ReserveRemoteWindow(uint32(len(chunk)))
	if !ok {
		return false
	}
	chunk = chunk[:n]
	var msg sshwire.Message
	if stderr {
		msg = &sshwire.ChannelExtendedData{RecipientID: uint32(ch.RemoteID), DataType: sshwire.ExtendedDataStderr, Data: chunk}
	} else {
		msg = &sshwire.ChannelData{RecipientID: uint32(ch.RemoteID), Data: chunk}
	}
	if err := c.send(msg); err != nil {
		return false
	}
	c.metrics.bytesOut.Add(float64(n))
	return true
}

func (c *Connection) runSessionWorker(ctx context.Context, st *appState, command string, done chan<- ExitResult) {
	defer func() {
		if r := recover(); r != nil {
			st.stdout.SendEof()
			st.stderr.SendEof()
			done <- ExitResult{Signal: &ExitSignal{Name: "ILL"}}
		}
	}()
	sess := &Session{
		Command: command,
		Env:     st.env,
		Pty:     st.pty,
		Stdin:   stdinReader{buf: st.stdin},
		Stdout:  stdoutWriter{buf: st.stdout},
		Stderr:  stdoutWriter{buf: st.stderr},
	}
	result := c.config.OnSessionRequest(ctx, sess)
	st.stdout.SendEof()
	st.stderr.SendEof()
	done <- result
}

// finishSession emits the exit sequence mandated by §4.5, in order:
// ChannelEof, then the exit-status/exit-signal ChannelRequest.
// ChannelClose follows via the caller's deferred closeChannel.
func (c *Connection) finishSession(ch *chantab.Channel, result ExitResult) {
	c.send(&sshwire.ChannelEof{RecipientID: uint32(ch.RemoteID)})

	var body []byte
	var name sshwire.Name
	if result.Status != nil {
		w := sshwire.NewBuffer(4)
		w.PutUint32(result.Status.Code)
		name, body = "exit-status", w.Bytes()
	} else {
		sig := result.Signal
		if sig == nil {
			sig = &ExitSignal{Name: "ILL"}
		}
		w := sshwire.NewBuffer(16)
		w.PutText(sig.Name)
		w.PutBool(sig.CoreDumped)
		w.PutText(sig.Message)
		w.PutText(sig.Lang)
		name, body = "exit-signal", w.Bytes()
	}
	c.send(&sshwire.ChannelRequest{RecipientID: uint32(ch.RemoteID), RequestType: name, WantReply: false, Body: body})
}

// handleChannelRequest processes an inbound ChannelRequest for a
// session channel: env/pty-req accumulate state, exec/shell trigger
// the worker, and everything else this implementation doesn't support
// (window-change, signal, x11-req, agent forwarding, ...) is failed
// cleanly rather than silently dropped.
func (c *Connection) handleChannelRequest(m *sshwire.ChannelRequest) error {
	ch, err := c.channelOrProtoErr(chantab.ChannelId(m.RecipientID))
	if err != nil {
		return err
	}
	st, ok := c.getAppState(ch.LocalID)
	if !ok || st.kind != chantab.AppSession {
		return c.replyChannelRequest(ch, m.WantReply, false)
	}

	switch m.RequestType {
	case "env":
		r := sshwire.NewReader(m.Body)
		key := r.GetText()
		value := r.GetText()
		if r.Err() != nil {
			return c.replyChannelRequest(ch, m.WantReply, false)
		}
		st.env[key] = value
		return c.replyChannelRequest(ch, m.WantReply, true)
	case "pty-req":
		pty, err := decodePtyRequest(m.Body)
		if err != nil {
			return c.replyChannelRequest(ch, m.WantReply, false)
		}
		st.pty = pty
		return c.replyChannelRequest(ch, m.WantReply, true)
	case "exec":
		r := sshwire.NewReader(m.Body)
		command := r.GetText()
		if r.Err() != nil {
			return c.replyChannelRequest(ch, m.WantReply, false)
		}
		if err := c.replyChannelRequest(ch, m.WantReply, true); err != nil {
			return err
		}
		st.command <- command
		return nil
	case "shell":
		if err := c.replyChannelRequest(ch, m.WantReply, true); err != nil {
			return err
		}
		st.command <- ""
		return nil
	default:
		return c.replyChannelRequest(ch, m.WantReply, false)
	}
}

func (c *Connection) replyChannelRequest(ch *chantab.Channel, wantReply, ok bool) error {
	if !wantReply {
		return nil
	}
	if ok {
		return c.send(&sshwire.ChannelSuccess{RecipientID: uint32(ch.RemoteID)})
	}
	return c.send(&sshwire.ChannelFailure{RecipientID: uint32(ch.RemoteID)})
}

// handleChannelRequestReply handles ChannelSuccess/ChannelFailure for
// a channel request we sent ourselves. This implementation never
// blocks waiting on one today (forwarding and direct-tcpip correlate
// via global requests, not channel requests), so they are validated
// against the channel table and otherwise discarded.
func (c *Connection) handleChannelRequestReply(recipientID uint32, success bool) error {
	_, err := c.channelOrProtoErr(chantab.ChannelId(recipientID))
	return err
}

func decodePtyRequest(body []byte) (*PtyRequest, error) {
	r := sshwire.NewReader(body)
	p := &PtyRequest{
		Term: r.GetText(),
	}
	p.WidthChars = r.GetUint32()
	p.HeightChars = r.GetUint32()
	p.WidthPixels = r.GetUint32()
	p.HeightPixels = r.GetUint32()
	p.Modes = r.GetString()
	if r.Err() != nil {
		return nil, r.Err()
	}
	return p, nil
}

type stdinReader struct{ buf *flowbuf.TWindowBuffer }

func (s stdinReader) Read(p []byte) (int, error) {
	chunk := s.buf.DequeueShort(len(p))
	if chunk == nil {
		return 0, io.EOF
	}
	return copy(p, chunk), nil
}

type stdoutWriter struct{ buf *flowbuf.TWindowBuffer }

func (s stdoutWriter) Write(p []byte) (int, error) {
	return s.buf.EnqueueBlock(p)
}
