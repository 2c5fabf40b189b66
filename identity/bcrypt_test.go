package identity

import (
	"context"
	"path/filepath"
	"testing"
)

func TestBcryptProviderAddAndAuthenticate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "users.json")
	p, err := NewBcryptProvider(dbPath)
	if err != nil {
		t.Fatalf("NewBcryptProvider: %v", err)
	}

	if err := p.AddAccount("alice", "hunter22"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	if _, err := p.Authenticate(context.Background(), "alice", "hunter22"); err != nil {
		t.Fatalf("expected successful authentication, got %v", err)
	}
	if _, err := p.Authenticate(context.Background(), "alice", "wrongpass"); err == nil {
		t.Fatal("expected authentication failure for wrong password")
	}
	if _, err := p.Authenticate(context.Background(), "nobody", "anything"); err == nil {
		t.Fatal("expected authentication failure for unknown user")
	}
}

func TestBcryptProviderDisabledAccountRejected(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "users.json")
	p, err := NewBcryptProvider(dbPath)
	if err != nil {
		t.Fatalf("NewBcryptProvider: %v", err)
	}
	if err := p.AddAccount("bob", "correcthorse"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if err := p.SetEnabled("bob", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if _, err := p.Authenticate(context.Background(), "bob", "correcthorse"); err == nil {
		t.Fatal("expected authentication failure for a disabled account")
	}
}

func TestBcryptProviderPersistsAcrossReload(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "users.json")
	p1, err := NewBcryptProvider(dbPath)
	if err != nil {
		t.Fatalf("NewBcryptProvider: %v", err)
	}
	if err := p1.AddAccount("carol", "swordfish1"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	p2, err := NewBcryptProvider(dbPath)
	if err != nil {
		t.Fatalf("reloading NewBcryptProvider: %v", err)
	}
	if _, err := p2.Authenticate(context.Background(), "carol", "swordfish1"); err != nil {
		t.Fatalf("expected reloaded provider to authenticate carol, got %v", err)
	}
}
