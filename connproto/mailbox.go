package connproto

import (
	"context"

	"sshcore/sshwire"
)

// mailbox is the single-slot transactional handoff point between every
// task that produces outbound messages (the dispatcher's own request
// handlers, every channel supervisor) and the one writer task that
// owns the transport. An unbuffered channel already gives exactly
// this: a Put blocks until the writer is ready to take it, so there is
// never more than one message in flight between "decided to send" and
// "actually wrote to the wire".
type mailbox struct {
	ch chan sshwire.Message
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan sshwire.Message)}
}

// Put hands msg to the writer task, blocking until it is accepted or
// ctx is cancelled first.
func (m *mailbox) Put(ctx context.Context, msg sshwire.Message) error {
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
