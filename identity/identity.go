// Package identity provides the opaque-identity provider the
// connection-protocol core treats as an external collaborator: it
// authenticates a username/password (or PAM conversation) and hands
// back an Identity value, never exposing how that decision was made to
// the caller.
package identity

import "context"

// Identity is the opaque result of a successful authentication. The
// connection-protocol core and switchboard only ever compare or store
// it; nothing outside this package inspects its fields.
type Identity struct {
	user string
}

// User returns the authenticated username, the one piece of an
// Identity every caller is entitled to know.
func (id Identity) User() string { return id.user }

// Provider authenticates a username/password pair and returns the
// resulting Identity, or an error if authentication fails or the
// provider itself can't run (e.g. PAM service unavailable).
type Provider interface {
	Authenticate(ctx context.Context, user, password string) (Identity, error)
}
