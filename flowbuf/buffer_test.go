package flowbuf

import (
	"sync"
	"testing"
	"time"
)

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	b := NewTWindowBuffer(16)
	n, err := b.EnqueueShort([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("EnqueueShort = %d, %v, want 5, nil", n, err)
	}
	chunk := b.DequeueShort(16)
	if string(chunk) != "hello" {
		t.Fatalf("DequeueShort = %q, want %q", chunk, "hello")
	}
}

func TestEnqueueShortOnSaturation(t *testing.T) {
	b := NewTWindowBuffer(4)
	n, err := b.EnqueueShort([]byte("abcdef"))
	if n != 4 || err != ErrWindowUnderrun {
		t.Fatalf("EnqueueShort = %d, %v, want 4, ErrWindowUnderrun", n, err)
	}
}

func TestDequeueBlocksUntilData(t *testing.T) {
	b := NewTWindowBuffer(16)
	done := make(chan []byte, 1)
	go func() {
		done <- b.DequeueShort(16)
	}()

	select {
	case <-done:
		t.Fatal("DequeueShort returned before any data was enqueued")
	case <-time.After(20 * time.Millisecond):
	}

	b.EnqueueShort([]byte("x"))
	select {
	case chunk := <-done:
		if string(chunk) != "x" {
			t.Fatalf("got %q, want %q", chunk, "x")
		}
	case <-time.After(time.Second):
		t.Fatal("DequeueShort never woke after enqueue")
	}
}

func TestDequeueReturnsNilOnEofWhenEmpty(t *testing.T) {
	b := NewTWindowBuffer(16)
	b.SendEof()
	if chunk := b.DequeueShort(16); chunk != nil {
		t.Fatalf("DequeueShort = %v, want nil", chunk)
	}
}

func TestSendEofIdempotent(t *testing.T) {
	b := NewTWindowBuffer(16)
	b.SendEof()
	b.SendEof()
	if !b.AskEof() {
		t.Fatal("AskEof = false after SendEof")
	}
}

func TestWindowConservationInvariant(t *testing.T) {
	const capacity = 64
	b := NewTWindowBuffer(capacity)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 8; i++ {
			b.EnqueueShort([]byte("abcdefgh"))
		}
	}()
	wg.Wait()

	for b.Len() > 0 {
		b.DequeueShort(8)
	}

	b.cond.L.Lock()
	sum := b.windowSizeLocal + uint32(len(b.queue)) + b.pendingCredit
	b.cond.L.Unlock()
	if sum != capacity {
		t.Fatalf("windowSizeLocal+queue+pendingCredit = %d, want %d", sum, capacity)
	}
}

func TestGetRecommendedWindowAdjustWaitsForThreshold(t *testing.T) {
	b := NewTWindowBuffer(10)
	b.EnqueueShort([]byte("abc"))
	b.DequeueShort(3) // pendingCredit = 3, threshold = 5

	done := make(chan uint32, 1)
	go func() { done <- b.GetRecommendedWindowAdjust() }()

	select {
	case <-done:
		t.Fatal("GetRecommendedWindowAdjust returned before threshold reached")
	case <-time.After(20 * time.Millisecond):
	}

	b.EnqueueShort([]byte("defgh"))
	b.DequeueShort(5) // pendingCredit = 8 >= threshold 5

	select {
	case inc := <-done:
		if inc != 8 {
			t.Fatalf("increment = %d, want 8", inc)
		}
	case <-time.After(time.Second):
		t.Fatal("GetRecommendedWindowAdjust never woke after threshold reached")
	}
}

func TestGetRecommendedWindowAdjustReturnsZeroOnEofNoCredit(t *testing.T) {
	b := NewTWindowBuffer(10)
	b.SendEof()
	if inc := b.GetRecommendedWindowAdjust(); inc != 0 {
		t.Fatalf("increment = %d, want 0", inc)
	}
}
