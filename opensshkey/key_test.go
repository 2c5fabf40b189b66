package opensshkey

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func TestDecodeBase64LenientRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("a"),
		[]byte("ab"),
		[]byte("abc"),
		[]byte("hello, openssh-key-v1"),
		bytes.Repeat([]byte{0xFF, 0x00, 0x10}, 40),
	}
	for _, want := range cases {
		encoded := base64.StdEncoding.EncodeToString(want)
		got, err := decodeBase64Lenient([]byte(encoded))
		if err != nil {
			t.Fatalf("decode(%q): %v", encoded, err)
		}
		if !bytes.Equal(got, want) && !(len(got) == 0 && len(want) == 0) {
			t.Fatalf("roundtrip mismatch: got %x want %x", got, want)
		}
	}
}

func TestDecodeBase64LenientToleratesWhitespace(t *testing.T) {
	want := []byte("the quick brown fox jumps over the lazy dog 0123456789")
	encoded := base64.StdEncoding.EncodeToString(want)

	var wrapped strings.Builder
	for i, c := range encoded {
		wrapped.WriteRune(c)
		if i%16 == 15 {
			wrapped.WriteString("\r\n")
		}
	}

	got, err := decodeBase64Lenient([]byte(wrapped.String()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("whitespace-wrapped roundtrip mismatch: got %q want %q", got, want)
	}
}

func TestDecodeBase64LenientRejectsBadPadding(t *testing.T) {
	if _, err := decodeBase64Lenient([]byte("QQ=")); err == nil {
		t.Fatal("expected an error for mismatched padding")
	}
	if _, err := decodeBase64Lenient([]byte("QQ!=")); err == nil {
		t.Fatal("expected an error for an invalid character")
	}
}

func TestStripArmorRequiresBothMarkers(t *testing.T) {
	if _, err := stripArmor([]byte("not a key file")); err == nil {
		t.Fatal("expected missing-marker error")
	}
	body, err := stripArmor([]byte(beginMarker + "\nQUJD\n" + endMarker + "\n"))
	if err != nil {
		t.Fatalf("stripArmor: %v", err)
	}
	if strings.TrimSpace(string(body)) != "QUJD" {
		t.Fatalf("unexpected armor body %q", body)
	}
}

func TestParseUnencryptedEd25519(t *testing.T) {
	pub := bytes.Repeat([]byte{0x01}, 32)
	seed := bytes.Repeat([]byte{0x02}, 32)
	priv := append(append([]byte(nil), seed...), pub...)

	var body fieldWriter
	body.putUint32(0xdeadbeef)
	body.putUint32(0xdeadbeef)
	body.putString([]byte("ssh-ed25519"))
	body.putString(pub)
	body.putString(priv)
	body.putString([]byte("me@host"))

	var container bytes.Buffer
	container.WriteString(magic)
	var header fieldWriter
	header.putString([]byte("none"))
	header.putString([]byte("none"))
	header.putString(nil)
	header.putUint32(1)
	header.putString(pub) // public-keys blob, ignored by the parser
	header.putString(body.bytes())
	container.Write(header.bytes())

	armored := beginMarker + "\n" + base64.StdEncoding.EncodeToString(container.Bytes()) + "\n" + endMarker + "\n"

	pairs, err := Parse([]byte(armored), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("expected 1 key pair, got %d", len(pairs))
	}
	kp := pairs[0]
	if !bytes.Equal(kp.Public, pub) {
		t.Fatalf("public key mismatch: got %x want %x", kp.Public, pub)
	}
	if kp.Comment != "me@host" {
		t.Fatalf("comment mismatch: got %q", kp.Comment)
	}
}

// fieldWriter is the test-only mirror of fieldReader, used to build
// synthetic containers without depending on sshwire.
type fieldWriter struct{ b []byte }

func (w *fieldWriter) putUint32(v uint32) {
	w.b = append(w.b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (w *fieldWriter) putString(s []byte) {
	w.putUint32(uint32(len(s)))
	w.b = append(w.b, s...)
}

func (w *fieldWriter) bytes() []byte { return w.b }
