//go:build !wasm
// +build !wasm

package gae

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/datastore"
	ma "github.com/panyam/masterauth"
)

// UserEntity is the Datastore entity for identity records
type UserEntity struct {
	Key              *datastore.Key `datastore:"__key__"`
	Name             string         `datastore:"name,noindex"`
	Email            string         `datastore:"email"`
	Role             string         `datastore:"role"`
	PasswordHash     string         `datastore:"password_hash,noindex"`
	Provider         string         `datastore:"provider"`
	ProviderID       string         `datastore:"provider_id"`
	ProfilePicture   string         `datastore:"profile_picture,noindex"`
	VerifiedAt       time.Time      `datastore:"verified_at,noindex"` // zero = unverified
	TwoFactorEnabled bool           `datastore:"two_factor_enabled,noindex"`
	TwoFactorSecret  string         `datastore:"two_factor_secret,noindex"`
	Challenge        string         `datastore:"challenge,noindex"`
	Credentials      []byte         `datastore:"credentials,noindex"` // JSON encoded
	ResetAt          time.Time      `datastore:"reset_at,noindex"`
	CreatedAt        time.Time      `datastore:"created_at"`
	UpdatedAt        time.Time      `datastore:"updated_at"`
	Version          int            `datastore:"version"`
}

// EmailEntity reserves an email for one user. Key name: normalized email.
type EmailEntity struct {
	UserID string `datastore:"user_id"`
}

// CredentialEntity maps a credential id to its owner. Key name: base64url id.
type CredentialEntity struct {
	UserID string `datastore:"user_id"`
}

func (e *UserEntity) ToUser() (*ma.User, error) {
	u := &ma.User{
		ID:               e.Key.Name,
		Name:             e.Name,
		Email:            e.Email,
		Role:             ma.Role(e.Role),
		PasswordHash:     e.PasswordHash,
		Provider:         e.Provider,
		ProviderID:       e.ProviderID,
		ProfilePicture:   e.ProfilePicture,
		TwoFactorEnabled: e.TwoFactorEnabled,
		TwoFactorSecret:  e.TwoFactorSecret,
		Challenge:        e.Challenge,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
	if !e.VerifiedAt.IsZero() {
		t := e.VerifiedAt
		u.VerifiedAt = &t
	}
	if !e.ResetAt.IsZero() {
		t := e.ResetAt
		u.ResetAt = &t
	}
	if len(e.Credentials) > 0 {
		if err := json.Unmarshal(e.Credentials, &u.Credentials); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func UserToEntity(u *ma.User, key *datastore.Key) (*UserEntity, error) {
	e := &UserEntity{
		Key:              key,
		Name:             u.Name,
		Email:            u.Email,
		Role:             string(u.Role),
		PasswordHash:     u.PasswordHash,
		Provider:         u.Provider,
		ProviderID:       u.ProviderID,
		ProfilePicture:   u.ProfilePicture,
		TwoFactorEnabled: u.TwoFactorEnabled,
		TwoFactorSecret:  u.TwoFactorSecret,
		Challenge:        u.Challenge,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
	if u.VerifiedAt != nil {
		e.VerifiedAt = *u.VerifiedAt
	}
	if u.ResetAt != nil {
		e.ResetAt = *u.ResetAt
	}
	if len(u.Credentials) > 0 {
		data, err := json.Marshal(u.Credentials)
		if err != nil {
			return nil, err
		}
		e.Credentials = data
	}
	return e, nil
}
