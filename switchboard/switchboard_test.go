package switchboard

import (
	"context"
	"testing"
)

func dummyOpener(ctx context.Context, bind, originator HostAddress) (ReadWriteCloser, error) {
	return nil, nil
}

func TestRequestForwardingRejectsDuplicate(t *testing.T) {
	s := New()
	bind := HostAddress{Host: "0.0.0.0", Port: 2222}
	owner1, owner2 := new(int), new(int)

	if !s.RequestForwarding(owner1, bind, dummyOpener) {
		t.Fatal("first RequestForwarding should succeed")
	}
	if s.RequestForwarding(owner2, bind, dummyOpener) {
		t.Fatal("duplicate RequestForwarding should be rejected")
	}
}

func TestCancelForwardingRequiresOwnership(t *testing.T) {
	s := New()
	bind := HostAddress{Host: "0.0.0.0", Port: 2222}
	owner1, owner2 := new(int), new(int)

	s.RequestForwarding(owner1, bind, dummyOpener)
	s.CancelForwarding(owner2, bind) // not the owner: no-op

	if _, ok := s.GetForwarding(bind); !ok {
		t.Fatal("CancelForwarding by a non-owner removed the registration")
	}

	s.CancelForwarding(owner1, bind)
	if _, ok := s.GetForwarding(bind); ok {
		t.Fatal("registration survived CancelForwarding by its owner")
	}
}

func TestCancelAllRemovesOnlyOwnersEntries(t *testing.T) {
	s := New()
	owner1, owner2 := new(int), new(int)
	bindA := HostAddress{Host: "a", Port: 1}
	bindB := HostAddress{Host: "b", Port: 2}

	s.RequestForwarding(owner1, bindA, dummyOpener)
	s.RequestForwarding(owner2, bindB, dummyOpener)

	s.CancelAll(owner1)

	if _, ok := s.GetForwarding(bindA); ok {
		t.Fatal("owner1's registration survived CancelAll(owner1)")
	}
	if _, ok := s.GetForwarding(bindB); !ok {
		t.Fatal("owner2's registration was removed by CancelAll(owner1)")
	}
}
