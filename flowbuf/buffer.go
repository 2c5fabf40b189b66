// Package flowbuf implements the bounded byte queue that couples a
// channel's local receive window to the application reader/writer pair.
// A TWindowBuffer is the C2 component: it has no notion of channel ids
// or wire messages, only bytes, a capacity, and an EOF flag.
package flowbuf

import (
	"fmt"
	"sync"
)

// newCond mirrors the idiom of pairing a fresh mutex with its condition
// variable; there's no usable zero value for sync.Cond.
func newCond() *sync.Cond { return sync.NewCond(new(sync.Mutex)) }

// ErrWindowUnderrun is returned by EnqueueShort when the caller asked
// to write more than the buffer's remaining advertised capacity; per
// RFC 4254 the peer must never do this, so it is a fatal protocol
// error for whoever owns the buffer's channel.
var ErrWindowUnderrun = fmt.Errorf("flowbuf: window underrun")

// TWindowBuffer is a bounded FIFO of bytes, used on both the inbound
// and outbound side of a channel but with a different enqueue method
// for each. On the inbound side (a session's stdin, a duplex stream's
// in) capacity tracks a channel's advertised local window: EnqueueShort
// debits windowSizeLocal as ChannelData arrives and
// GetRecommendedWindowAdjust periodically folds drained bytes back so
// the owner can advertise a ChannelWindowAdjust. At every quiescent
// point on that side, windowSizeLocal + len(queue) + pendingCredit ==
// capacity.
//
// On the outbound side (a session's stdout/stderr, a duplex stream's
// out) there is no peer-advertised window to track here — that
// accounting lives in chantab's remote window counter instead, applied
// when the drain loop sends ChannelData. Outbound writers use
// EnqueueBlock, which treats capacity as a plain FIFO bound and blocks
// the writer until the drain loop (DequeueShort) frees room, rather
// than debiting windowSizeLocal; windowSizeLocal and pendingCredit are
// unused on that side.
type TWindowBuffer struct {
	cond *sync.Cond // guards every field below

	capacity uint32
	queue    []byte

	windowSizeLocal uint32 // advertised-but-unused capacity
	pendingCredit   uint32 // dequeued bytes not yet advertised

	eof bool
}

// NewTWindowBuffer returns an empty buffer with the given capacity,
// fully advertised as window from the start.
func NewTWindowBuffer(capacity uint32) *TWindowBuffer {
	return &TWindowBuffer{
		cond:            newCond(),
		capacity:        capacity,
		windowSizeLocal: capacity,
	}
}

// Capacity returns the buffer's fixed maximum size.
func (b *TWindowBuffer) Capacity() uint32 { return b.capacity }

// EnqueueShort writes as much of payload as fits within the buffer's
// remaining advertised capacity (windowSizeLocal) and returns the
// number of bytes actually written. It never blocks: SSH flow control
// guarantees a well-behaved peer never sends more than it was told it
// could, so any shortfall is reported to the caller as a short write
// together with ErrWindowUnderrun.
func (b *TWindowBuffer) EnqueueShort(payload []byte) (int, error) {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()

	n := len(payload)
	if uint32(n) > b.windowSizeLocal {
		n = int(b.windowSizeLocal)
	}
	if n > 0 {
		b.queue = append(b.queue, payload[:n]...)
		b.windowSizeLocal -= uint32(n)
		b.cond.Broadcast()
	}
	if n < len(payload) {
		return n, ErrWindowUnderrun
	}
	return n, nil
}

// EnqueueBlock writes payload to the queue in full, blocking while the
// queue is at capacity instead of reporting a short write. It is the
// outbound counterpart to EnqueueShort: a session or direct-tcpip
// handler writing to its output buffer should stall under backpressure
// like any blocking Writer, not see ErrWindowUnderrun once cumulative
// output crosses the buffer's capacity. It returns early with an error
// only if the buffer reaches EOF while blocked, which happens when the
// channel is torn down out from under a writer that would otherwise
// never be drained again.
func (b *TWindowBuffer) EnqueueBlock(payload []byte) (int, error) {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()

	written := 0
	for written < len(payload) {
		for uint32(len(b.queue)) >= b.capacity && !b.eof {
			b.cond.Wait()
		}
		if b.eof {
			return written, fmt.Errorf("flowbuf: write after channel close")
		}
		free := b.capacity - uint32(len(b.queue))
		n := len(payload) - written
		if uint32(n) > free {
			n = int(free)
		}
		b.queue = append(b.queue, payload[written:written+n]...)
		written += n
		b.cond.Broadcast()
	}
	return written, nil
}

// DequeueShort blocks until at least one byte is available, or until
// EOF has been signalled and the queue is empty (in which case it
// returns a nil chunk). It returns at most maxBytes.
func (b *TWindowBuffer) DequeueShort(maxBytes int) []byte {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()

	for len(b.queue) == 0 && !b.eof {
		b.cond.Wait()
	}
	if len(b.queue) == 0 {
		return nil
	}
	n := len(b.queue)
	if n > maxBytes {
		n = maxBytes
	}
	chunk := make([]byte, n)
	copy(chunk, b.queue[:n])
	b.queue = b.queue[n:]
	b.pendingCredit += uint32(n)
	b.cond.Broadcast() // wake any EnqueueBlock waiting for queue room
	return chunk
}

// SendEof sets the one-shot EOF flag. Idempotent: a second call is a
// no-op. Any DequeueShort blocked on an empty queue wakes and observes
// EOF once this returns.
func (b *TWindowBuffer) SendEof() {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	if b.eof {
		return
	}
	b.eof = true
	b.cond.Broadcast()
}

// AskEof reports whether SendEof has been called.
func (b *TWindowBuffer) AskEof() bool {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	return b.eof
}

// GetRecommendedWindowAdjust blocks until the free space folded into
// pendingCredit reaches at least half the buffer's capacity, then
// moves that credit back into windowSizeLocal and returns the
// increment for the caller to advertise as a ChannelWindowAdjust. Once
// the buffer has reached EOF it stops waiting for the threshold: it
// returns whatever credit is pending, or 0 if there is none.
func (b *TWindowBuffer) GetRecommendedWindowAdjust() uint32 {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()

	threshold := b.capacity / 2
	for b.pendingCredit < threshold && !b.eof {
		b.cond.Wait()
	}
	if b.pendingCredit == 0 {
		return 0
	}
	increment := b.pendingCredit
	b.windowSizeLocal += increment
	b.pendingCredit = 0
	return increment
}

// Close wakes any goroutine blocked in DequeueShort or
// GetRecommendedWindowAdjust without altering queue contents; it is
// used when the owning channel is torn down out from under a reader
// that would otherwise block forever (e.g. a fatal protocol error
// elsewhere on the connection).
func (b *TWindowBuffer) Close() {
	b.SendEof()
}

// Len reports the number of bytes currently queued (the len(queue)
// term of the window-conservation invariant), for diagnostics and
// tests.
func (b *TWindowBuffer) Len() int {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	return len(b.queue)
}
