package identity

import (
	"context"
	"fmt"

	pam "github.com/msteinert/pam/v2"
)

// PAMProvider authenticates against the host's PAM stack under a
// named service (conventionally "sshd"), delegating the actual
// credential check to whatever modules that service configures.
type PAMProvider struct {
	Service string
}

// NewPAMProvider returns a PAMProvider for the given PAM service name.
func NewPAMProvider(service string) *PAMProvider {
	return &PAMProvider{Service: service}
}

// Authenticate starts a PAM transaction for user, supplies password to
// every echo-off prompt the module conversation raises, and reports
// success only if PAM's own Authenticate step accepts it.
func (p *PAMProvider) Authenticate(_ context.Context, user, password string) (Identity, error) {
	tx, err := pam.StartFunc(p.Service, user, func(s pam.Style, msg string) (string, error) {
		switch s {
		case pam.PromptEchoOff:
			return password, nil
		default:
			return "", nil
		}
	})
	if err != nil {
		return Identity{}, fmt.Errorf("identity: starting PAM session for %q: %w", user, err)
	}
	if err := tx.Authenticate(0); err != nil {
		return Identity{}, fmt.Errorf("identity: PAM rejected %q: %w", user, err)
	}
	return Identity{user: user}, nil
}
