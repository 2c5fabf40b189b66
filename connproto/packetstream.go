package connproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"sshcore/sshwire"
)

// PacketStream implements MessageStream over any io.ReadWriteCloser
// using the connection-protocol's own framing: a 4-byte big-endian
// length prefix around an sshwire-encoded message. It intentionally
// carries no key exchange, encryption, or authentication of its own —
// those transport-layer concerns sit below the connection protocol and
// are out of this package's scope; a production deployment runs
// PacketStream over an already-authenticated, already-encrypted
// net.Conn (e.g. one produced by a TLS listener or an external SSH
// transport implementation).
type PacketStream struct {
	rwc       io.ReadWriteCloser
	maxPacket uint32
}

// NewPacketStream wraps rwc, rejecting any inbound frame whose length
// exceeds maxPacket (a generous ceiling above channelMaxPacketSize,
// since global-request and channel-open bodies ride in the same
// framing).
func NewPacketStream(rwc io.ReadWriteCloser, maxPacket uint32) *PacketStream {
	return &PacketStream{rwc: rwc, maxPacket: maxPacket}
}

func (s *PacketStream) Send(msg sshwire.Message) error {
	payload := sshwire.Encode(msg)
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
	if _, err := s.rwc.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := s.rwc.Write(payload)
	return err
}

func (s *PacketStream) Receive() (sshwire.Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(s.rwc, lenPrefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > s.maxPacket {
		return nil, fmt.Errorf("connproto: inbound frame of %d bytes exceeds limit %d", n, s.maxPacket)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(s.rwc, payload); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return sshwire.Decode(payload)
}

// Close releases the underlying transport.
func (s *PacketStream) Close() error { return s.rwc.Close() }
