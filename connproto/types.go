// Package connproto implements the connection-protocol core: the
// single-reader/single-writer dispatcher (C4) and the session /
// direct-tcpip supervisors (C5) that sit on top of the chantab
// channel table, flowbuf buffers, and sshwire codec.
package connproto

import (
	"context"
	"fmt"

	"sshcore/internal/config"
	"sshcore/switchboard"
)

// ReadOnlyStream, WriteOnlyStream and DuplexStream expose a channel's
// application-facing I/O as capability-scoped interfaces rather than a
// single object a handler could misuse in both directions at once.
type ReadOnlyStream interface {
	Read(p []byte) (int, error)
}

type WriteOnlyStream interface {
	Write(p []byte) (int, error)
}

type DuplexStream interface {
	ReadOnlyStream
	WriteOnlyStream
}

// PtyRequest holds the fields of a "pty-req" channel request that
// arrived before the command that runs in that pty.
type PtyRequest struct {
	Term                       string
	WidthChars, HeightChars    uint32
	WidthPixels, HeightPixels  uint32
	Modes                      []byte
}

// Session is handed to a SessionRequestFunc once a command has
// actually been requested ("exec" or "shell"); everything the
// terminal/environment channel requests accumulated before that point
// is already populated.
type Session struct {
	Command string // empty for "shell"
	Env     map[string]string
	Pty     *PtyRequest // nil if no "pty-req" arrived

	Stdin  ReadOnlyStream
	Stdout WriteOnlyStream
	Stderr WriteOnlyStream
}

// ExitStatus is the normal-completion exit report for a session,
// encoded as a ChannelRequest("exit-status").
type ExitStatus struct {
	Code uint32
}

// ExitSignal is the abnormal-completion exit report, encoded as a
// ChannelRequest("exit-signal").
type ExitSignal struct {
	Name       string
	CoreDumped bool
	Message    string
	Lang       string
}

// ExitResult is the tagged union a SessionRequestFunc returns: exactly
// one of Status or Signal is set. A handler that panics, or returns an
// ExitResult with neither field set, is reported by the supervisor as
// exit-signal("ILL").
type ExitResult struct {
	Status *ExitStatus
	Signal *ExitSignal
}

// Exited constructs a normal-completion ExitResult.
func Exited(code uint32) ExitResult { return ExitResult{Status: &ExitStatus{Code: code}} }

// SessionRequestFunc is the server-side callback invoked once a
// session channel has received its command ("exec" or "shell"). It
// runs as the channel's worker task, under the supervisor's scoped
// lifetime: a context cancellation means the channel or connection is
// tearing down and the handler should return promptly.
type SessionRequestFunc func(ctx context.Context, sess *Session) ExitResult

// DirectTcpIpRequestFunc is the server-side callback invoked when the
// peer opens a "direct-tcpip" channel, i.e. asks this side to proxy a
// TCP connection to destHost:destPort on its behalf.
type DirectTcpIpRequestFunc func(ctx context.Context, destHost string, destPort uint32, stream DuplexStream) error

// ForwardedTcpIpHandler is supplied by a caller that previously called
// Connection.RequestForwarding; it is invoked when the peer opens the
// matching "forwarded-tcpip" channel, delivering one externally
// accepted connection to splice with stream.
type ForwardedTcpIpHandler func(ctx context.Context, bindHost string, bindPort uint32, stream DuplexStream) error

// ConnectionConfig bounds a single Connection, per the Configuration
// section: resource limits plus the server-side accept callbacks.
type ConnectionConfig struct {
	ChannelMaxCount      uint16
	ChannelMaxQueueSize  uint32
	ChannelMaxPacketSize uint32

	OnSessionRequest      SessionRequestFunc
	OnDirectTcpIpRequest  DirectTcpIpRequestFunc
	Switchboard           *switchboard.Switchboard
}

// DefaultConnectionConfig returns the spec-mandated defaults with no
// accept callbacks configured (a pure client configuration).
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ChannelMaxCount:      config.DefaultChannelMaxCount,
		ChannelMaxQueueSize:  config.DefaultChannelMaxQueueSize,
		ChannelMaxPacketSize: config.DefaultChannelMaxPacketSize,
	}
}

// normalize clamps out-of-range configuration values to the spec's
// valid bounds rather than rejecting them outright.
func (c ConnectionConfig) normalize() ConnectionConfig {
	if c.ChannelMaxCount == 0 {
		c.ChannelMaxCount = config.DefaultChannelMaxCount
	}
	if c.ChannelMaxQueueSize == 0 || c.ChannelMaxQueueSize > config.MaxChannelQueueSize {
		c.ChannelMaxQueueSize = config.DefaultChannelMaxQueueSize
	}
	if c.ChannelMaxPacketSize == 0 || c.ChannelMaxPacketSize > config.HardMaxPacketSize {
		c.ChannelMaxPacketSize = config.DefaultChannelMaxPacketSize
	}
	if c.ChannelMaxPacketSize > c.ChannelMaxQueueSize {
		c.ChannelMaxPacketSize = c.ChannelMaxQueueSize
	}
	return c
}

// ProtocolError is fatal to the whole Connection: malformed message,
// disallowed state transition, oversized packet, or window
// overflow/underflow. Receiving one tears the connection down.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("connproto: protocol error: %s", e.Reason) }

func protoErrf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
