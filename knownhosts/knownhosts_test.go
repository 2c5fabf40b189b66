package knownhosts

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"

	"sshcore/sshwire"
)

func genKey(t *testing.T, seed byte) (sshwire.PublicKey, string) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	_ = seed
	key := sshwire.NewEd25519PublicKey(pub)
	return key, base64.StdEncoding.EncodeToString(key.Marshal())
}

func TestVerifyPlainEntry(t *testing.T) {
	key, keyB64 := genKey(t, 1)
	otherKey, _ := genKey(t, 2)

	line := "example.com ssh-ed25519 " + keyB64 + "\n"
	db := Parse("known_hosts", []byte(line))

	if r := db.Verify("example.com", 22, key); !r.Passed {
		t.Fatalf("expected Passed, got Failed: %s", r.Reason)
	}
	if r := db.Verify("example.com", 22, otherKey); r.Passed {
		t.Fatal("expected Failed for a different key, got Passed")
	}
}

func TestVerifyHashedEntry(t *testing.T) {
	key, keyB64 := genKey(t, 3)
	salt := []byte("0123456789abcdef0123")
	name := "example.net"

	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(name))
	hash := mac.Sum(nil)

	line := "|1|" + base64.StdEncoding.EncodeToString(salt) + "|" + base64.StdEncoding.EncodeToString(hash) + " ssh-ed25519 " + keyB64 + "\n"
	db := Parse("known_hosts", []byte(line))

	if r := db.Verify(name, 22, key); !r.Passed {
		t.Fatalf("expected Passed, got Failed: %s", r.Reason)
	}
	if r := db.Verify("not-"+name, 22, key); r.Passed {
		t.Fatal("expected Failed for a non-matching hashed name")
	}
}

func TestCanonicalName(t *testing.T) {
	if got := CanonicalName("example.com", 22); got != "example.com" {
		t.Fatalf("got %q", got)
	}
	if got := CanonicalName("example.com", 2222); got != "[example.com]:2222" {
		t.Fatalf("got %q", got)
	}
}

func TestParseSkipsMalformedAndUnknownLines(t *testing.T) {
	_, keyB64 := genKey(t, 4)
	data := "# comment\n\nnotenough fields\nexample.org ssh-unknown-type " + keyB64 + "\nexample.org ssh-ed25519 " + keyB64 + "\n"
	db := Parse("known_hosts", []byte(data))
	if len(db.Entries) != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", len(db.Entries))
	}
}

func TestFailedReasonNamesPath(t *testing.T) {
	key, _ := genKey(t, 5)
	db := Parse("/home/user/.ssh/known_hosts", nil)
	r := db.Verify("example.com", 22, key)
	if r.Passed {
		t.Fatal("expected Failed against an empty database")
	}
	if !containsSubstring(r.Reason, "/home/user/.ssh/known_hosts") {
		t.Fatalf("reason %q does not name the database path", r.Reason)
	}
}

func containsSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
