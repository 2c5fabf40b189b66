// Package sshwire implements the wire codec for the SSH connection-protocol
// layer: big-endian integers, length-framed byte strings, Name-list values,
// PublicKey wire forms, and the numbered connection-protocol messages
// (80-100) themselves. It has no notion of channels, windows, or state —
// callers decode a Message from a packet and dispatch on its Go type.
package sshwire

import "strings"

// Name is a short ASCII identifier used as an algorithm, service, or
// channel-type tag (e.g. "ssh-ed25519", "session", "direct-tcpip").
type Name string

// NameList is the SSH wire representation of a comma-separated list of
// Names, as used for algorithm negotiation lists. The connection protocol
// layer does not negotiate algorithms itself, but PublicKey and channel
// type fields are both single Names drawn from the same wire primitive,
// so the list form is kept alongside it.
type NameList []Name

func (l NameList) String() string {
	parts := make([]string, len(l))
	for i, n := range l {
		parts[i] = string(n)
	}
	return strings.Join(parts, ",")
}

// ParseNameList splits a comma-joined name-list string into a NameList.
// An empty string yields an empty (non-nil) list.
func ParseNameList(s string) NameList {
	if s == "" {
		return NameList{}
	}
	parts := strings.Split(s, ",")
	out := make(NameList, len(parts))
	for i, p := range parts {
		out[i] = Name(p)
	}
	return out
}
