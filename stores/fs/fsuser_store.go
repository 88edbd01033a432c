package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	ma "github.com/panyam/masterauth"
)

// FSUserStore keeps one JSON file per user plus small index files mapping
// emails, provider ids and credential ids to user ids. A single mutex
// serializes writers, so it suits one process (development and tests).
type FSUserStore struct {
	StoragePath string

	mu sync.RWMutex
}

func NewFSUserStore(storagePath string) *FSUserStore {
	return &FSUserStore{StoragePath: storagePath}
}

type indexEntry struct {
	UserID string `json:"user_id"`
}

func (s *FSUserStore) userPath(id string) string {
	return filepath.Join(s.StoragePath, "users", safeName(id)+".json")
}

func (s *FSUserStore) indexPath(kind, key string) string {
	return filepath.Join(s.StoragePath, kind, safeName(key)+".json")
}

func providerKey(provider, providerID string) string { return provider + ":" + providerID }

func (s *FSUserStore) CreateUser(ctx context.Context, u *ma.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := ma.NormalizeEmail(u.Email)
	if _, err := s.lookup("emails", email); err == nil {
		return fmt.Errorf("create %s: %w", email, ma.ErrEmailExists)
	}
	u.Email = email
	if err := s.save(u); err != nil {
		return err
	}
	if err := s.index("emails", email, u.ID); err != nil {
		return err
	}
	if u.ProviderID != "" {
		if err := s.index("providers", providerKey(u.Provider, u.ProviderID), u.ID); err != nil {
			return err
		}
	}
	for _, c := range u.Credentials {
		if err := s.index("credentials", string(c.ID), u.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *FSUserStore) GetUserByID(ctx context.Context, id string) (*ma.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(id)
}

func (s *FSUserStore) GetUserByEmail(ctx context.Context, email string) (*ma.User, error) {
	return s.getIndexed("emails", ma.NormalizeEmail(email))
}

func (s *FSUserStore) GetUserByProvider(ctx context.Context, provider, providerID string) (*ma.User, error) {
	return s.getIndexed("providers", providerKey(provider, providerID))
}

func (s *FSUserStore) GetUserByCredentialID(ctx context.Context, credentialID []byte) (*ma.User, error) {
	return s.getIndexed("credentials", string(credentialID))
}

func (s *FSUserStore) getIndexed(kind, key string) (*ma.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.lookup(kind, key)
	if err != nil {
		return nil, err
	}
	return s.load(id)
}

func (s *FSUserStore) MarkVerified(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(u *ma.User) error {
		if u.VerifiedAt != nil {
			return ma.ErrNoStateChange
		}
		u.VerifiedAt = &at
		return nil
	})
}

func (s *FSUserStore) SetPassword(ctx context.Context, id, hash string, at time.Time) error {
	return s.update(id, func(u *ma.User) error {
		u.PasswordHash = hash
		u.ResetAt = &at
		return nil
	})
}

func (s *FSUserStore) EnsureTwoFactorSecret(ctx context.Context, id, candidate string) (string, error) {
	var secret string
	err := s.update(id, func(u *ma.User) error {
		if u.TwoFactorSecret == "" {
			u.TwoFactorSecret = candidate
		}
		secret = u.TwoFactorSecret
		return nil
	})
	return secret, err
}

func (s *FSUserStore) SetTwoFactorEnabled(ctx context.Context, id string, enabled bool) error {
	return s.update(id, func(u *ma.User) error {
		if u.TwoFactorEnabled == enabled {
			return ma.ErrNoStateChange
		}
		u.TwoFactorEnabled = enabled
		return nil
	})
}

func (s *FSUserStore) SetChallenge(ctx context.Context, id, challenge string) error {
	return s.update(id, func(u *ma.User) error {
		u.Challenge = challenge
		return nil
	})
}

func (s *FSUserStore) AddCredential(ctx context.Context, id string, cred ma.WebAuthnCredential) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, err := s.lookup("credentials", string(cred.ID))
	switch {
	case err == nil && owner != id:
		return false, ma.ErrCredentialExists
	case err == nil:
		return false, nil
	case !errors.Is(err, ma.ErrUserNotFound):
		return false, err
	}

	u, err := s.load(id)
	if err != nil {
		return false, err
	}
	u.Credentials = append(u.Credentials, cred)
	u.UpdatedAt = time.Now()
	if err := s.save(u); err != nil {
		return false, err
	}
	return true, s.index("credentials", string(cred.ID), id)
}

func (s *FSUserStore) UpdateCredentialCounter(ctx context.Context, id string, credentialID []byte, counter uint32) error {
	return s.update(id, func(u *ma.User) error {
		c := u.Credential(credentialID)
		if c == nil {
			return fmt.Errorf("credential not bound to user %s", id)
		}
		c.Counter = counter
		return nil
	})
}

// update applies fn to the stored user under the write lock. The user is
// only written back when fn succeeds.
func (s *FSUserStore) update(id string, fn func(u *ma.User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.load(id)
	if err != nil {
		return err
	}
	if err := fn(u); err != nil {
		return err
	}
	u.UpdatedAt = time.Now()
	return s.save(u)
}

func (s *FSUserStore) load(id string) (*ma.User, error) {
	data, err := os.ReadFile(s.userPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("user %s: %w", id, ma.ErrUserNotFound)
		}
		return nil, err
	}
	var u ma.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *FSUserStore) save(u *ma.User) error {
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomicFile(s.userPath(u.ID), data)
}

func (s *FSUserStore) lookup(kind, key string) (string, error) {
	data, err := os.ReadFile(s.indexPath(kind, key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s index: %w", kind, ma.ErrUserNotFound)
		}
		return "", err
	}
	var e indexEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return "", err
	}
	return e.UserID, nil
}

func (s *FSUserStore) index(kind, key, userID string) error {
	data, err := json.Marshal(indexEntry{UserID: userID})
	if err != nil {
		return err
	}
	return writeAtomicFile(s.indexPath(kind, key), data)
}
