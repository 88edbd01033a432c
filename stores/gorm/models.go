//go:build !wasm
// +build !wasm

package gorm

import (
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"time"

	ma "github.com/panyam/masterauth"
)

// StringSlice is a helper type for storing string slices in GORM
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func (s *StringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return nil
	}
	return json.Unmarshal(data, s)
}

// UserModel is the GORM model for identity records
type UserModel struct {
	ID               string `gorm:"primaryKey;size:64"`
	Name             string `gorm:"size:255"`
	Email            string `gorm:"size:320;uniqueIndex"`
	Role             string `gorm:"size:16;default:user"`
	PasswordHash     string `gorm:"size:255"`
	Provider         string `gorm:"size:32;index:idx_users_provider"`
	ProviderID       string `gorm:"size:255;index:idx_users_provider"`
	ProfilePicture   string
	VerifiedAt       *time.Time
	TwoFactorEnabled bool   `gorm:"default:false"`
	TwoFactorSecret  string `gorm:"size:128"`
	Challenge        string `gorm:"type:text"`
	ResetAt          *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Credentials []CredentialModel `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

func (UserModel) TableName() string {
	return "users"
}

// CredentialModel is a bound WebAuthn authenticator. The primary key makes
// credential ids unique across all users.
type CredentialModel struct {
	ID              string      `gorm:"primaryKey;size:1024"` // base64url of the raw id
	UserID          string      `gorm:"size:64;index"`
	PublicKey       []byte      `gorm:"not null"`
	Counter         int64       `gorm:"default:0"`
	Transports      StringSlice `gorm:"type:jsonb"`
	AttestationType string      `gorm:"size:32"`
	AAGUID          []byte
	BackupEligible  bool
	BackupState     bool
	CreatedAt       time.Time
}

func (CredentialModel) TableName() string {
	return "webauthn_credentials"
}

func credentialKey(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

func (m *UserModel) ToUser() *ma.User {
	u := &ma.User{
		ID:               m.ID,
		Name:             m.Name,
		Email:            m.Email,
		Role:             ma.Role(m.Role),
		PasswordHash:     m.PasswordHash,
		Provider:         m.Provider,
		ProviderID:       m.ProviderID,
		ProfilePicture:   m.ProfilePicture,
		VerifiedAt:       m.VerifiedAt,
		TwoFactorEnabled: m.TwoFactorEnabled,
		TwoFactorSecret:  m.TwoFactorSecret,
		Challenge:        m.Challenge,
		ResetAt:          m.ResetAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	for _, c := range m.Credentials {
		u.Credentials = append(u.Credentials, c.ToCredential())
	}
	return u
}

func UserToModel(u *ma.User) *UserModel {
	m := &UserModel{
		ID:               u.ID,
		Name:             u.Name,
		Email:            u.Email,
		Role:             string(u.Role),
		PasswordHash:     u.PasswordHash,
		Provider:         u.Provider,
		ProviderID:       u.ProviderID,
		ProfilePicture:   u.ProfilePicture,
		VerifiedAt:       u.VerifiedAt,
		TwoFactorEnabled: u.TwoFactorEnabled,
		TwoFactorSecret:  u.TwoFactorSecret,
		Challenge:        u.Challenge,
		ResetAt:          u.ResetAt,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
	for _, c := range u.Credentials {
		m.Credentials = append(m.Credentials, *CredentialToModel(u.ID, c))
	}
	return m
}

func (m *CredentialModel) ToCredential() ma.WebAuthnCredential {
	id, _ := base64.RawURLEncoding.DecodeString(m.ID)
	return ma.WebAuthnCredential{
		ID:              id,
		PublicKey:       m.PublicKey,
		Counter:         uint32(m.Counter),
		Transports:      m.Transports,
		AttestationType: m.AttestationType,
		AAGUID:          m.AAGUID,
		BackupEligible:  m.BackupEligible,
		BackupState:     m.BackupState,
		CreatedAt:       m.CreatedAt,
	}
}

func CredentialToModel(userID string, c ma.WebAuthnCredential) *CredentialModel {
	return &CredentialModel{
		ID:              credentialKey(c.ID),
		UserID:          userID,
		PublicKey:       c.PublicKey,
		Counter:         int64(c.Counter),
		Transports:      StringSlice(c.Transports),
		AttestationType: c.AttestationType,
		AAGUID:          c.AAGUID,
		BackupEligible:  c.BackupEligible,
		BackupState:     c.BackupState,
		CreatedAt:       c.CreatedAt,
	}
}
