package masterauth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Errors returned by UserStore implementations. Implementations may wrap them.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrEmailExists      = errors.New("email already registered")
	ErrNoStateChange    = errors.New("record already in requested state")
	ErrCredentialExists = errors.New("credential already bound to another user")
)

// UserStore persists identity records. It is the only shared mutable state
// of the server, so every mutation below is a single atomic update of one
// record in the backing store.
type UserStore interface {
	// CreateUser inserts u. Fails with ErrEmailExists when the email is taken.
	CreateUser(ctx context.Context, u *User) error

	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByProvider(ctx context.Context, provider, providerID string) (*User, error)
	GetUserByCredentialID(ctx context.Context, credentialID []byte) (*User, error)

	// MarkVerified sets the verification time if the user is not yet verified.
	// Returns ErrNoStateChange when the user was already verified.
	MarkVerified(ctx context.Context, id string, at time.Time) error

	// SetPassword replaces the password hash and records the reset time.
	SetPassword(ctx context.Context, id, hash string, at time.Time) error

	// EnsureTwoFactorSecret stores candidate only if no secret exists yet and
	// returns whichever secret is stored afterwards.
	EnsureTwoFactorSecret(ctx context.Context, id, candidate string) (string, error)

	// SetTwoFactorEnabled flips the 2FA flag to enabled. Returns
	// ErrNoStateChange when the flag already has that value.
	SetTwoFactorEnabled(ctx context.Context, id string, enabled bool) error

	// SetChallenge overwrites the outstanding WebAuthn ceremony state. An
	// empty challenge clears it.
	SetChallenge(ctx context.Context, id, challenge string) error

	// AddCredential appends cred unless a credential with the same id is
	// already bound to the user, reporting whether it was added. Fails with
	// ErrCredentialExists if another user owns the id.
	AddCredential(ctx context.Context, id string, cred WebAuthnCredential) (bool, error)

	UpdateCredentialCounter(ctx context.Context, id string, credentialID []byte, counter uint32) error
}

// NormalizeEmail is the canonical form emails are stored and looked up in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
