// Package storetest holds the behavioral tests every UserStore backend must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	ma "github.com/panyam/masterauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewUser returns an unsaved password account with a unique email.
func NewUser(name string) *ma.User {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &ma.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        name + "-" + uuid.NewString()[:8] + "@example.com",
		Role:         ma.RoleUser,
		PasswordHash: "$2a$10$hash",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// RunUserStoreTests exercises s. Each subtest creates its own users, so s
// may be shared across them.
func RunUserStoreTests(t *testing.T, s ma.UserStore) {
	ctx := context.Background()

	t.Run("create and lookup", func(t *testing.T) {
		u := NewUser("alice")
		require.NoError(t, s.CreateUser(ctx, u))

		byID, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.Email, byID.Email)
		assert.Equal(t, u.Name, byID.Name)
		assert.Equal(t, ma.RoleUser, byID.Role)
		assert.Equal(t, u.PasswordHash, byID.PasswordHash)
		assert.False(t, byID.IsVerified())

		byEmail, err := s.GetUserByEmail(ctx, u.Email)
		require.NoError(t, err)
		assert.Equal(t, u.ID, byEmail.ID)
	})

	t.Run("missing users", func(t *testing.T) {
		_, err := s.GetUserByID(ctx, uuid.NewString())
		assert.True(t, errors.Is(err, ma.ErrUserNotFound), "got %v", err)
		_, err = s.GetUserByEmail(ctx, "nobody-"+uuid.NewString()+"@example.com")
		assert.True(t, errors.Is(err, ma.ErrUserNotFound), "got %v", err)
		_, err = s.GetUserByProvider(ctx, "github", uuid.NewString())
		assert.True(t, errors.Is(err, ma.ErrUserNotFound), "got %v", err)
		_, err = s.GetUserByCredentialID(ctx, []byte(uuid.NewString()))
		assert.True(t, errors.Is(err, ma.ErrUserNotFound), "got %v", err)
		assert.True(t, errors.Is(s.MarkVerified(ctx, uuid.NewString(), time.Now()), ma.ErrUserNotFound))
	})

	t.Run("duplicate email", func(t *testing.T) {
		u := NewUser("bob")
		require.NoError(t, s.CreateUser(ctx, u))
		dup := NewUser("bob2")
		dup.Email = u.Email
		err := s.CreateUser(ctx, dup)
		assert.True(t, errors.Is(err, ma.ErrEmailExists), "got %v", err)
	})

	t.Run("provider lookup", func(t *testing.T) {
		u := NewUser("carol")
		u.PasswordHash = ""
		u.Provider = "google"
		u.ProviderID = uuid.NewString()
		require.NoError(t, s.CreateUser(ctx, u))

		got, err := s.GetUserByProvider(ctx, "google", u.ProviderID)
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)

		_, err = s.GetUserByProvider(ctx, "github", u.ProviderID)
		assert.True(t, errors.Is(err, ma.ErrUserNotFound))
	})

	t.Run("verification is set once", func(t *testing.T) {
		u := NewUser("dave")
		require.NoError(t, s.CreateUser(ctx, u))
		at := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, s.MarkVerified(ctx, u.ID, at))
		assert.True(t, errors.Is(s.MarkVerified(ctx, u.ID, at.Add(time.Hour)), ma.ErrNoStateChange))

		got, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.NotNil(t, got.VerifiedAt)
		assert.True(t, got.VerifiedAt.Equal(at))
	})

	t.Run("password reset", func(t *testing.T) {
		u := NewUser("erin")
		require.NoError(t, s.CreateUser(ctx, u))
		at := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, s.SetPassword(ctx, u.ID, "$2a$10$new", at))

		got, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "$2a$10$new", got.PasswordHash)
		require.NotNil(t, got.ResetAt)
		assert.True(t, got.ResetAt.Equal(at))
	})

	t.Run("two factor secret is set once", func(t *testing.T) {
		u := NewUser("frank")
		require.NoError(t, s.CreateUser(ctx, u))
		first, err := s.EnsureTwoFactorSecret(ctx, u.ID, "SECRETONE")
		require.NoError(t, err)
		assert.Equal(t, "SECRETONE", first)
		second, err := s.EnsureTwoFactorSecret(ctx, u.ID, "SECRETTWO")
		require.NoError(t, err)
		assert.Equal(t, "SECRETONE", second)
	})

	t.Run("two factor flag flips conditionally", func(t *testing.T) {
		u := NewUser("grace")
		require.NoError(t, s.CreateUser(ctx, u))
		assert.True(t, errors.Is(s.SetTwoFactorEnabled(ctx, u.ID, false), ma.ErrNoStateChange))
		require.NoError(t, s.SetTwoFactorEnabled(ctx, u.ID, true))
		assert.True(t, errors.Is(s.SetTwoFactorEnabled(ctx, u.ID, true), ma.ErrNoStateChange))

		got, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.True(t, got.TwoFactorEnabled)
		require.NoError(t, s.SetTwoFactorEnabled(ctx, u.ID, false))
	})

	t.Run("concurrent enable succeeds once", func(t *testing.T) {
		u := NewUser("heidi")
		require.NoError(t, s.CreateUser(ctx, u))

		var wg sync.WaitGroup
		var mu sync.Mutex
		successes := 0
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.SetTwoFactorEnabled(ctx, u.ID, true); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, successes)
	})

	t.Run("challenge overwrite and clear", func(t *testing.T) {
		u := NewUser("ivan")
		require.NoError(t, s.CreateUser(ctx, u))
		require.NoError(t, s.SetChallenge(ctx, u.ID, "first"))
		require.NoError(t, s.SetChallenge(ctx, u.ID, "second"))
		got, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "second", got.Challenge)

		require.NoError(t, s.SetChallenge(ctx, u.ID, ""))
		got, err = s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Challenge)
	})

	t.Run("credentials append once", func(t *testing.T) {
		u := NewUser("judy")
		require.NoError(t, s.CreateUser(ctx, u))
		cred := ma.WebAuthnCredential{
			ID:         []byte("cred-" + uuid.NewString()),
			PublicKey:  []byte{1, 2, 3},
			Counter:    1,
			Transports: []string{"internal"},
			CreatedAt:  time.Now().UTC().Truncate(time.Second),
		}
		added, err := s.AddCredential(ctx, u.ID, cred)
		require.NoError(t, err)
		assert.True(t, added)
		added, err = s.AddCredential(ctx, u.ID, cred)
		require.NoError(t, err)
		assert.False(t, added)

		got, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, got.Credentials, 1)
		assert.Equal(t, cred.ID, got.Credentials[0].ID)
		assert.Equal(t, cred.PublicKey, got.Credentials[0].PublicKey)
		assert.Equal(t, []string{"internal"}, got.Credentials[0].Transports)

		owner, err := s.GetUserByCredentialID(ctx, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, u.ID, owner.ID)

		other := NewUser("mallory")
		require.NoError(t, s.CreateUser(ctx, other))
		_, err = s.AddCredential(ctx, other.ID, cred)
		assert.True(t, errors.Is(err, ma.ErrCredentialExists), "got %v", err)

		require.NoError(t, s.UpdateCredentialCounter(ctx, u.ID, cred.ID, 7))
		got, err = s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(7), got.Credentials[0].Counter)
	})
}
