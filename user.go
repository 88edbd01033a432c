package masterauth

import (
	"bytes"
	"time"
)

// Role is the coarse permission level of an account.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleUser:
		return true
	}
	return false
}

// WebAuthnCredential is an authenticator bound to an account.
type WebAuthnCredential struct {
	ID              []byte    `json:"id"`
	PublicKey       []byte    `json:"publicKey"`
	Counter         uint32    `json:"counter"`
	Transports      []string  `json:"transports,omitempty"`
	AttestationType string    `json:"attestationType,omitempty"`
	AAGUID          []byte    `json:"aaguid,omitempty"`
	BackupEligible  bool      `json:"backupEligible,omitempty"`
	BackupState     bool      `json:"backupState,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// User is the identity record. It is plain data: hashing, token issuance and
// ceremony logic live in the services that operate on it.
type User struct {
	ID               string               `json:"id"`
	Name             string               `json:"name"`
	Email            string               `json:"email"`
	Role             Role                 `json:"role"`
	PasswordHash     string               `json:"passwordHash,omitempty"`
	Provider         string               `json:"provider,omitempty"`
	ProviderID       string               `json:"providerId,omitempty"`
	ProfilePicture   string               `json:"profilePicture,omitempty"`
	VerifiedAt       *time.Time           `json:"verifiedAt,omitempty"`
	TwoFactorEnabled bool                 `json:"twoFactorEnabled"`
	TwoFactorSecret  string               `json:"twoFactorSecret,omitempty"`
	Challenge        string               `json:"challenge,omitempty"`
	Credentials      []WebAuthnCredential `json:"credentials,omitempty"`
	ResetAt          *time.Time           `json:"resetAt,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

func (u *User) IsVerified() bool { return u.VerifiedAt != nil }

// HasRole reports whether the user's role is among roles. An empty list matches any role.
func (u *User) HasRole(roles ...Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if u.Role == r {
			return true
		}
	}
	return false
}

// Credential returns the bound credential with the given id, or nil.
func (u *User) Credential(id []byte) *WebAuthnCredential {
	for i := range u.Credentials {
		if bytes.Equal(u.Credentials[i].ID, id) {
			return &u.Credentials[i]
		}
	}
	return nil
}

// PublicUser is the projection of a User that is safe to hand to clients.
type PublicUser struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Email            string `json:"email"`
	Role             Role   `json:"role"`
	IsVerified       bool   `json:"isVerified"`
	ProfilePicture   string `json:"profilePicture"`
	TwoFactorEnabled bool   `json:"twoFactorEnabled"`
}

func (u *User) Public() PublicUser {
	return PublicUser{
		ID:               u.ID,
		Name:             u.Name,
		Email:            u.Email,
		Role:             u.Role,
		IsVerified:       u.IsVerified(),
		ProfilePicture:   u.ProfilePicture,
		TwoFactorEnabled: u.TwoFactorEnabled,
	}
}
