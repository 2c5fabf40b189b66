package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// account is one entry in a BcryptProvider's on-disk database.
type account struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	Enabled      bool       `json:"enabled"`
}

// BcryptProvider authenticates against a local, bcrypt-hashed account
// database, loaded from and persisted to a JSON file. It is the
// self-contained Provider: no external auth service required.
type BcryptProvider struct {
	accounts map[string]*account
	filePath string
	mutex    sync.RWMutex
}

// NewBcryptProvider loads (or initializes) the account database at
// dbPath. An empty dbPath defaults to "users.json" in the working
// directory.
func NewBcryptProvider(dbPath string) (*BcryptProvider, error) {
	if dbPath == "" {
		dbPath = "users.json"
	}
	p := &BcryptProvider{
		accounts: make(map[string]*account),
		filePath: dbPath,
	}
	if err := p.loadFromFile(); err != nil {
		return nil, fmt.Errorf("identity: loading %s: %w", dbPath, err)
	}
	return p, nil
}

// Authenticate satisfies Provider: it looks up user, rejects disabled
// accounts, and compares password against the stored bcrypt hash.
func (p *BcryptProvider) Authenticate(_ context.Context, user, password string) (Identity, error) {
	p.mutex.RLock()
	acct, exists := p.accounts[user]
	p.mutex.RUnlock()
	if !exists || !acct.Enabled {
		return Identity{}, fmt.Errorf("identity: no such account %q", user)
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		return Identity{}, fmt.Errorf("identity: wrong password for %q", user)
	}
	return Identity{user: user}, nil
}

// AddAccount creates a new account with a bcrypt-hashed password and
// persists the database.
func (p *BcryptProvider) AddAccount(username, password string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if username == "" {
		return fmt.Errorf("identity: username cannot be empty")
	}
	if len(password) < 4 {
		return fmt.Errorf("identity: password must be at least 4 characters long")
	}
	if _, exists := p.accounts[username]; exists {
		return fmt.Errorf("identity: account %q already exists", username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("identity: hashing password: %w", err)
	}

	p.accounts[username] = &account{
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
		Enabled:      true,
	}
	if err := p.saveToFile(); err != nil {
		delete(p.accounts, username)
		return fmt.Errorf("identity: saving database: %w", err)
	}
	return nil
}

// RemoveAccount deletes an account and persists the database.
func (p *BcryptProvider) RemoveAccount(username string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, exists := p.accounts[username]; !exists {
		return fmt.Errorf("identity: account %q does not exist", username)
	}
	delete(p.accounts, username)
	if err := p.saveToFile(); err != nil {
		return fmt.Errorf("identity: saving database: %w", err)
	}
	return nil
}

// SetEnabled enables or disables an account without removing it.
func (p *BcryptProvider) SetEnabled(username string, enabled bool) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	acct, exists := p.accounts[username]
	if !exists {
		return fmt.Errorf("identity: account %q does not exist", username)
	}
	acct.Enabled = enabled
	if err := p.saveToFile(); err != nil {
		return fmt.Errorf("identity: saving database: %w", err)
	}
	return nil
}

// ListAccounts returns every known username, enabled or not.
func (p *BcryptProvider) ListAccounts() []string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	out := make([]string, 0, len(p.accounts))
	for username := range p.accounts {
		out = append(out, username)
	}
	return out
}

// saveToFile writes the database atomically: temp file plus rename.
func (p *BcryptProvider) saveToFile() error {
	data, err := json.MarshalIndent(p.accounts, "", "  ")
	if err != nil {
		return err
	}
	tempFile := p.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tempFile, p.filePath); err != nil {
		os.Remove(tempFile)
		return err
	}
	return nil
}

func (p *BcryptProvider) loadFromFile() error {
	file, err := os.Open(p.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &p.accounts)
}
