// Package knownhosts parses an OpenSSH known_hosts database and
// verifies a remote host's public key against it: plain name-list
// entries and salted-HMAC hashed entries, per the grammar documented
// in the OpenSSH sshd(8) manual.
package knownhosts

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"sshcore/sshwire"
)

// Entry is one parsed line: either a plain list of host-name patterns
// or a single hashed (salt, hash) pair, plus the public key it vouches
// for. Lines whose key algorithm this implementation doesn't
// recognize are skipped during parsing, never turned into an Entry.
type Entry struct {
	Plain  []string // nil for a hashed entry
	Salt   []byte   // nil for a plain entry
	Hash   []byte   // nil for a plain entry
	PubKey sshwire.PublicKey
}

func (e Entry) matchesName(name string) bool {
	if e.Salt != nil {
		mac := hmac.New(sha1.New, e.Salt)
		mac.Write([]byte(name))
		return hmac.Equal(mac.Sum(nil), e.Hash)
	}
	for _, pattern := range e.Plain {
		if pattern == name {
			return true
		}
	}
	return false
}

// Database is a parsed known_hosts file: an ordered list of entries,
// kept alongside the path it was read from so a Failed result can name
// it.
type Database struct {
	Path    string
	Entries []Entry
}

// Result is the outcome of Verify: Passed is a bool, and Reason is
// populated (naming Path) only when Passed is false.
type Result struct {
	Passed bool
	Reason string
}

// Load reads and parses the known_hosts file at path, expanding a
// leading "~/" to the caller's home directory first. Lines that do not
// match either entry grammar, or that name an unrecognized key
// algorithm, are silently skipped rather than treated as a parse
// error.
func Load(path string) (*Database, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("knownhosts: %w", err)
	}
	return Parse(expanded, data), nil
}

func expandHome(path string) (string, error) {
	if len(path) < 2 || path[:2] != "~/" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("knownhosts: expanding %q: %w", path, err)
	}
	return filepath.Join(home, path[2:]), nil
}

// Parse builds a Database from already-read file contents, tagging it
// with path for use in a later Failed Result. It tolerates both LF and
// CRLF line endings.
func Parse(path string, data []byte) *Database {
	db := &Database{Path: path}
	for _, line := range splitLines(data) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if e, ok := parseLine(line); ok {
			db.Entries = append(db.Entries, e)
		}
	}
	return db
}

func splitLines(data []byte) []string {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return strings.Split(text, "\n")
}

func parseLine(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Entry{}, false
	}
	marker, keyType, keyB64 := fields[0], fields[1], fields[2]

	key, err := decodePublicKey(keyType, keyB64)
	if err != nil {
		return Entry{}, false
	}

	if strings.HasPrefix(marker, "|1|") {
		parts := strings.Split(marker, "|")
		if len(parts) != 4 {
			return Entry{}, false
		}
		salt, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			return Entry{}, false
		}
		hash, err := base64.StdEncoding.DecodeString(parts[3])
		if err != nil {
			return Entry{}, false
		}
		return Entry{Salt: salt, Hash: hash, PubKey: key}, true
	}

	return Entry{Plain: strings.Split(marker, ","), PubKey: key}, true
}

func decodePublicKey(keyType, keyB64 string) (sshwire.PublicKey, error) {
	blob, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return sshwire.PublicKey{}, fmt.Errorf("knownhosts: bad base64 key: %w", err)
	}
	key, err := sshwire.ParsePublicKey(blob)
	if err != nil {
		return sshwire.PublicKey{}, err
	}
	if string(key.Algorithm) != keyType {
		return sshwire.PublicKey{}, fmt.Errorf("knownhosts: key type %q does not match blob algorithm %q", keyType, key.Algorithm)
	}
	switch key.Algorithm {
	case sshwire.AlgoEd25519, sshwire.AlgoRSA:
		return key, nil
	default:
		return sshwire.PublicKey{}, fmt.Errorf("knownhosts: unrecognized key algorithm %q", key.Algorithm)
	}
}

// CanonicalName is host if port is the default SSH port (22), else
// "[host]:port".
func CanonicalName(host string, port uint16) string {
	if port == 22 {
		return host
	}
	return "[" + host + "]:" + strconv.Itoa(int(port))
}

// Verify checks whether some entry in db matches both name and key.
// It returns Passed iff so; otherwise Failed, with Reason naming db's
// path.
func (db *Database) Verify(host string, port uint16, key sshwire.PublicKey) Result {
	name := CanonicalName(host, port)
	for _, e := range db.Entries {
		if e.matchesName(name) && e.PubKey.Equal(key) {
			return Result{Passed: true}
		}
	}
	return Result{
		Passed: false,
		Reason: fmt.Sprintf("no matching entry for %s in %s", name, db.Path),
	}
}
