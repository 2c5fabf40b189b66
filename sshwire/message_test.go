package sshwire

import (
	"bytes"
	"reflect"
	"testing"
)

// roundtrip covers property #1: Decode(Encode(m)) == m for every
// message type the connection protocol exchanges.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		&GlobalRequest{Name: "tcpip-forward", WantReply: true, Body: []byte{0, 0, 0, 1, 'x'}},
		&RequestSuccess{Body: []byte{0, 0, 0x1F, 0x90}},
		&RequestFailure{},
		&ChannelOpen{ChannelType: "session", SenderID: 7, InitialWindow: 1 << 20, MaxPacketSize: 32768, Body: nil},
		&ChannelOpenConfirmation{RecipientID: 1, SenderID: 2, InitialWindow: 1 << 20, MaxPacketSize: 32768},
		&ChannelOpenFailure{RecipientID: 3, ReasonCode: OpenAdministrativelyProhibited, Description: "nope", Language: "en"},
		&ChannelWindowAdjust{RecipientID: 4, BytesToAdd: 65536},
		&ChannelData{RecipientID: 5, Data: []byte("hello world")},
		&ChannelExtendedData{RecipientID: 6, DataType: ExtendedDataStderr, Data: []byte("oops")},
		&ChannelEof{RecipientID: 8},
		&ChannelClose{RecipientID: 9},
		&ChannelRequest{RecipientID: 10, RequestType: "exec", WantReply: true, Body: []byte{0, 0, 0, 2, 'l', 's'}},
		&ChannelSuccess{RecipientID: 11},
		&ChannelFailure{RecipientID: 12},
	}

	for _, want := range cases {
		encoded := Encode(want)
		got, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(Encode(%T)): %v", want, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("roundtrip mismatch for %T: got %+v, want %+v", want, got, want)
		}
	}
}

func TestDecodeEmptyPacketFails(t *testing.T) {
	if _, err := Decode(nil); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated for empty packet, got %v", err)
	}
}

func TestDecodeUnknownMessageNumberFails(t *testing.T) {
	if _, err := Decode([]byte{255}); err == nil {
		t.Fatal("expected an error for an unrecognized message number")
	}
}

func TestDecodeTruncatedChannelDataFails(t *testing.T) {
	full := Encode(&ChannelData{RecipientID: 1, Data: []byte("hello")})
	// Drop the last byte of the payload so the length-prefixed string
	// under-reads.
	truncated := full[:len(full)-1]
	if _, err := Decode(truncated); err == nil {
		t.Fatal("expected a truncation error")
	}
}

func TestUnknownChannelOpenTypePreservesBody(t *testing.T) {
	body := []byte{0, 0, 0, 3, 'f', 'o', 'o'}
	msg := &ChannelOpen{ChannelType: "x11", SenderID: 1, InitialWindow: 100, MaxPacketSize: 200, Body: body}
	got, err := Decode(Encode(msg))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	co, ok := got.(*ChannelOpen)
	if !ok {
		t.Fatalf("expected *ChannelOpen, got %T", got)
	}
	if co.ChannelType != "x11" {
		t.Fatalf("expected channel type to survive decode, got %q", co.ChannelType)
	}
	if !bytes.Equal(co.Body, body) {
		t.Fatalf("expected body to survive decode, got %v", co.Body)
	}
}
