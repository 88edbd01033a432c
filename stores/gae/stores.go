//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	ma "github.com/panyam/masterauth"
)

// Kind constants for Datastore entities
const (
	KindUser       = "User"
	KindEmail      = "Email"
	KindCredential = "Credential"
)

// UserStore implements ma.UserStore using Google Cloud Datastore. Every
// mutation runs in a transaction over the user entity and, where uniqueness
// matters, its index entity.
type UserStore struct {
	client    *datastore.Client
	namespace string
}

// NewUserStore creates a new Datastore-backed UserStore
func NewUserStore(client *datastore.Client, namespace string) *UserStore {
	return &UserStore{client: client, namespace: namespace}
}

func (s *UserStore) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func credentialName(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

func (s *UserStore) CreateUser(ctx context.Context, u *ma.User) error {
	u.Email = ma.NormalizeEmail(u.Email)
	userKey := s.namespacedKey(KindUser, u.ID)
	emailKey := s.namespacedKey(KindEmail, u.Email)

	entity, err := UserToEntity(u, userKey)
	if err != nil {
		return err
	}
	entity.Version = 1

	_, err = s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing EmailEntity
		err := tx.Get(emailKey, &existing)
		if err == nil {
			return ma.ErrEmailExists
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		if _, err := tx.Put(emailKey, &EmailEntity{UserID: u.ID}); err != nil {
			return err
		}
		for _, c := range u.Credentials {
			if _, err := tx.Put(s.namespacedKey(KindCredential, credentialName(c.ID)), &CredentialEntity{UserID: u.ID}); err != nil {
				return err
			}
		}
		_, err = tx.Put(userKey, entity)
		return err
	})
	if errors.Is(err, ma.ErrEmailExists) {
		return fmt.Errorf("create %s: %w", u.Email, ma.ErrEmailExists)
	}
	return err
}

func (s *UserStore) GetUserByID(ctx context.Context, id string) (*ma.User, error) {
	var entity UserEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindUser, id), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, ma.ErrUserNotFound
		}
		return nil, err
	}
	return entity.ToUser()
}

func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*ma.User, error) {
	var idx EmailEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindEmail, ma.NormalizeEmail(email)), &idx); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, ma.ErrUserNotFound
		}
		return nil, err
	}
	return s.GetUserByID(ctx, idx.UserID)
}

func (s *UserStore) GetUserByProvider(ctx context.Context, provider, providerID string) (*ma.User, error) {
	q := datastore.NewQuery(KindUser).
		Namespace(s.namespace).
		FilterField("provider", "=", provider).
		FilterField("provider_id", "=", providerID).
		Limit(1)
	it := s.client.Run(ctx, q)
	var entity UserEntity
	_, err := it.Next(&entity)
	if errors.Is(err, iterator.Done) {
		return nil, ma.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return entity.ToUser()
}

func (s *UserStore) GetUserByCredentialID(ctx context.Context, credentialID []byte) (*ma.User, error) {
	var idx CredentialEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindCredential, credentialName(credentialID)), &idx); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, ma.ErrUserNotFound
		}
		return nil, err
	}
	return s.GetUserByID(ctx, idx.UserID)
}

// mutate loads the user in a transaction, applies fn and writes it back
// unless fn fails.
func (s *UserStore) mutate(ctx context.Context, id string, fn func(tx *datastore.Transaction, u *ma.User) error) error {
	key := s.namespacedKey(KindUser, id)
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var entity UserEntity
		if err := tx.Get(key, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return ma.ErrUserNotFound
			}
			return err
		}
		u, err := entity.ToUser()
		if err != nil {
			return err
		}
		if err := fn(tx, u); err != nil {
			return err
		}
		u.UpdatedAt = time.Now()
		updated, err := UserToEntity(u, key)
		if err != nil {
			return err
		}
		updated.Version = entity.Version + 1
		_, err = tx.Put(key, updated)
		return err
	})
	return err
}

func (s *UserStore) MarkVerified(ctx context.Context, id string, at time.Time) error {
	return s.mutate(ctx, id, func(_ *datastore.Transaction, u *ma.User) error {
		if u.VerifiedAt != nil {
			return ma.ErrNoStateChange
		}
		u.VerifiedAt = &at
		return nil
	})
}

func (s *UserStore) SetPassword(ctx context.Context, id, hash string, at time.Time) error {
	return s.mutate(ctx, id, func(_ *datastore.Transaction, u *ma.User) error {
		u.PasswordHash = hash
		u.ResetAt = &at
		return nil
	})
}

func (s *UserStore) EnsureTwoFactorSecret(ctx context.Context, id, candidate string) (string, error) {
	var secret string
	err := s.mutate(ctx, id, func(_ *datastore.Transaction, u *ma.User) error {
		if u.TwoFactorSecret == "" {
			u.TwoFactorSecret = candidate
		}
		secret = u.TwoFactorSecret
		return nil
	})
	return secret, err
}

func (s *UserStore) SetTwoFactorEnabled(ctx context.Context, id string, enabled bool) error {
	return s.mutate(ctx, id, func(_ *datastore.Transaction, u *ma.User) error {
		if u.TwoFactorEnabled == enabled {
			return ma.ErrNoStateChange
		}
		u.TwoFactorEnabled = enabled
		return nil
	})
}

func (s *UserStore) SetChallenge(ctx context.Context, id, challenge string) error {
	return s.mutate(ctx, id, func(_ *datastore.Transaction, u *ma.User) error {
		u.Challenge = challenge
		return nil
	})
}

func (s *UserStore) AddCredential(ctx context.Context, id string, cred ma.WebAuthnCredential) (bool, error) {
	var added bool
	credKey := s.namespacedKey(KindCredential, credentialName(cred.ID))
	err := s.mutate(ctx, id, func(tx *datastore.Transaction, u *ma.User) error {
		added = false
		var owner CredentialEntity
		err := tx.Get(credKey, &owner)
		switch {
		case err == nil && owner.UserID != id:
			return ma.ErrCredentialExists
		case err == nil:
			return nil
		case !errors.Is(err, datastore.ErrNoSuchEntity):
			return err
		}
		if _, err := tx.Put(credKey, &CredentialEntity{UserID: id}); err != nil {
			return err
		}
		u.Credentials = append(u.Credentials, cred)
		added = true
		return nil
	})
	return added, err
}

func (s *UserStore) UpdateCredentialCounter(ctx context.Context, id string, credentialID []byte, counter uint32) error {
	return s.mutate(ctx, id, func(_ *datastore.Transaction, u *ma.User) error {
		c := u.Credential(credentialID)
		if c == nil {
			return fmt.Errorf("credential not bound to user %s", id)
		}
		c.Counter = counter
		return nil
	})
}
