package mongo

import (
	"time"

	ma "github.com/panyam/masterauth"
)

// userDoc is the users collection document.
type userDoc struct {
	ID               string          `bson:"_id"`
	Name             string          `bson:"name"`
	Email            string          `bson:"email"`
	Role             string          `bson:"role"`
	PasswordHash     string          `bson:"password,omitempty"`
	Provider         string          `bson:"provider,omitempty"`
	ProviderID       string          `bson:"providerId,omitempty"`
	ProfilePicture   string          `bson:"profilePicture,omitempty"`
	VerifiedAt       *time.Time      `bson:"verifiedAt,omitempty"`
	TwoFactorEnabled bool            `bson:"twoFactorEnabled"`
	TwoFactorSecret  string          `bson:"twoFactorSecret,omitempty"`
	Challenge        string          `bson:"challenge,omitempty"`
	Devices          []credentialDoc `bson:"webauthnDevices,omitempty"`
	ResetAt          *time.Time      `bson:"resetAt,omitempty"`
	CreatedAt        time.Time       `bson:"createdAt"`
	UpdatedAt        time.Time       `bson:"updatedAt"`
}

type credentialDoc struct {
	ID              []byte    `bson:"id"`
	PublicKey       []byte    `bson:"publicKey"`
	Counter         int64     `bson:"counter"`
	Transports      []string  `bson:"transports,omitempty"`
	AttestationType string    `bson:"attestationType,omitempty"`
	AAGUID          []byte    `bson:"aaguid,omitempty"`
	BackupEligible  bool      `bson:"backupEligible"`
	BackupState     bool      `bson:"backupState"`
	CreatedAt       time.Time `bson:"createdAt"`
}

func toDoc(u *ma.User) *userDoc {
	d := &userDoc{
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
		d.Devices = append(d.Devices, toCredentialDoc(c))
	}
	return d
}

func toCredentialDoc(c ma.WebAuthnCredential) credentialDoc {
	return credentialDoc{
		ID:              c.ID,
		PublicKey:       c.PublicKey,
		Counter:         int64(c.Counter),
		Transports:      c.Transports,
		AttestationType: c.AttestationType,
		AAGUID:          c.AAGUID,
		BackupEligible:  c.BackupEligible,
		BackupState:     c.BackupState,
		CreatedAt:       c.CreatedAt,
	}
}

func (d *userDoc) toUser() *ma.User {
	u := &ma.User{
		ID:               d.ID,
		Name:             d.Name,
		Email:            d.Email,
		Role:             ma.Role(d.Role),
		PasswordHash:     d.PasswordHash,
		Provider:         d.Provider,
		ProviderID:       d.ProviderID,
		ProfilePicture:   d.ProfilePicture,
		VerifiedAt:       d.VerifiedAt,
		TwoFactorEnabled: d.TwoFactorEnabled,
		TwoFactorSecret:  d.TwoFactorSecret,
		Challenge:        d.Challenge,
		ResetAt:          d.ResetAt,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	for _, c := range d.Devices {
		u.Credentials = append(u.Credentials, ma.WebAuthnCredential{
			ID:              c.ID,
			PublicKey:       c.PublicKey,
			Counter:         uint32(c.Counter),
			Transports:      c.Transports,
			AttestationType: c.AttestationType,
			AAGUID:          c.AAGUID,
			BackupEligible:  c.BackupEligible,
			BackupState:     c.BackupState,
			CreatedAt:       c.CreatedAt,
		})
	}
	return u
}
