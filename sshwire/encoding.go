package sshwire

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// ErrTruncated is returned by any decoder that runs out of input before
// the field it was decoding is complete.
var ErrTruncated = fmt.Errorf("sshwire: truncated message")

// Buffer is an append-only byte-string builder used by Encode and
// PublicKey.Marshal. It mirrors the style of bytes.Buffer but only
// grows, which is all encoding ever needs.
type Buffer struct {
	b []byte
}

// NewBuffer returns a Buffer with capacity hinted by size.
func NewBuffer(size int) *Buffer {
	return &Buffer{b: make([]byte, 0, size)}
}

func (w *Buffer) Bytes() []byte { return w.b }

func (w *Buffer) PutByte(b byte) { w.b = append(w.b, b) }

func (w *Buffer) PutBool(v bool) {
	if v {
		w.b = append(w.b, 1)
	} else {
		w.b = append(w.b, 0)
	}
}

func (w *Buffer) PutUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *Buffer) PutUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

// PutString writes a 32-bit length followed by raw bytes: the SSH
// "string" wire type used for both binary blobs and UTF-8 text.
func (w *Buffer) PutString(s []byte) {
	w.PutUint32(uint32(len(s)))
	w.b = append(w.b, s...)
}

func (w *Buffer) PutText(s string) { w.PutString([]byte(s)) }

func (w *Buffer) PutName(n Name) { w.PutText(string(n)) }

func (w *Buffer) PutNameList(l NameList) { w.PutText(l.String()) }

// Reader walks a decoded packet payload field by field. Every Get*
// method records ErrTruncated (reported by Err) the instant the
// remaining bytes can't satisfy the field being read, and returns a
// zero value from then on, so a caller only needs to check Err once
// at the end of a message's decode function.
type Reader struct {
	b   []byte
	err error
}

func NewReader(b []byte) *Reader { return &Reader{b: b} }

// Err returns the first error encountered by any Get* call, or nil.
func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) GetByte() byte {
	if r.err != nil || len(r.b) < 1 {
		r.fail(ErrTruncated)
		return 0
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v
}

func (r *Reader) GetBool() bool {
	return r.GetByte() != 0
}

func (r *Reader) GetUint32() uint32 {
	if r.err != nil || len(r.b) < 4 {
		r.fail(ErrTruncated)
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[:4])
	r.b = r.b[4:]
	return v
}

func (r *Reader) GetUint64() uint64 {
	if r.err != nil || len(r.b) < 8 {
		r.fail(ErrTruncated)
		return 0
	}
	v := binary.BigEndian.Uint64(r.b[:8])
	r.b = r.b[8:]
	return v
}

// GetString reads a 32-bit-length-prefixed byte string. The returned
// slice aliases the Reader's backing array; callers that retain it past
// the decode call must copy it.
func (r *Reader) GetString() []byte {
	if r.err != nil {
		return nil
	}
	n := r.GetUint32()
	if r.err != nil {
		return nil
	}
	if uint64(n) > uint64(len(r.b)) {
		r.fail(ErrTruncated)
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

// GetText reads a length-prefixed string and validates it as UTF-8.
func (r *Reader) GetText() string {
	s := r.GetString()
	if r.err != nil {
		return ""
	}
	if !utf8.Valid(s) {
		r.fail(fmt.Errorf("sshwire: field is not valid UTF-8"))
		return ""
	}
	return string(s)
}

func (r *Reader) GetName() Name { return Name(r.GetText()) }

func (r *Reader) GetNameList() NameList { return ParseNameList(r.GetText()) }

// Remaining returns whatever bytes have not yet been consumed.
func (r *Reader) Remaining() []byte { return r.b }
