//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	ma "github.com/panyam/masterauth"
)

// Open connects to Postgres. Duplicate-key errors are translated so the
// store can map them to ErrEmailExists.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return db, nil
}

// AutoMigrate runs database migrations for all masterauth tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&UserModel{}, &CredentialModel{})
}

// UserStore implements ma.UserStore using GORM. Every mutation is a single
// conditional UPDATE or INSERT, so concurrent requests never lose writes.
type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) CreateUser(ctx context.Context, u *ma.User) error {
	u.Email = ma.NormalizeEmail(u.Email)
	err := s.db.WithContext(ctx).Create(UserToModel(u)).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("create %s: %w", u.Email, ma.ErrEmailExists)
	}
	return err
}

func (s *UserStore) first(ctx context.Context, query string, args ...any) (*ma.User, error) {
	var model UserModel
	err := s.db.WithContext(ctx).Preload("Credentials", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at")
	}).Where(query, args...).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ma.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ToUser(), nil
}

func (s *UserStore) GetUserByID(ctx context.Context, id string) (*ma.User, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*ma.User, error) {
	return s.first(ctx, "email = ?", ma.NormalizeEmail(email))
}

func (s *UserStore) GetUserByProvider(ctx context.Context, provider, providerID string) (*ma.User, error) {
	return s.first(ctx, "provider = ? AND provider_id = ?", provider, providerID)
}

func (s *UserStore) GetUserByCredentialID(ctx context.Context, credentialID []byte) (*ma.User, error) {
	var cred CredentialModel
	err := s.db.WithContext(ctx).First(&cred, "id = ?", credentialKey(credentialID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ma.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, cred.UserID)
}

// updateWhere applies updates to the user only when cond holds. When no row
// matches it tells a missing user apart from a failed condition.
func (s *UserStore) updateWhere(ctx context.Context, id, cond string, updates map[string]any, condArgs ...any) error {
	updates["updated_at"] = time.Now()
	q := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", id)
	if cond != "" {
		q = q.Where(cond, condArgs...)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ma.ErrUserNotFound
	}
	return ma.ErrNoStateChange
}

func (s *UserStore) MarkVerified(ctx context.Context, id string, at time.Time) error {
	return s.updateWhere(ctx, id, "verified_at IS NULL", map[string]any{"verified_at": at})
}

func (s *UserStore) SetPassword(ctx context.Context, id, hash string, at time.Time) error {
	return s.updateWhere(ctx, id, "", map[string]any{"password_hash": hash, "reset_at": at})
}

func (s *UserStore) EnsureTwoFactorSecret(ctx context.Context, id, candidate string) (string, error) {
	err := s.updateWhere(ctx, id, "two_factor_secret = ''", map[string]any{"two_factor_secret": candidate})
	if err != nil && !errors.Is(err, ma.ErrNoStateChange) {
		return "", err
	}
	var model UserModel
	if err := s.db.WithContext(ctx).Select("two_factor_secret").First(&model, "id = ?", id).Error; err != nil {
		return "", err
	}
	return model.TwoFactorSecret, nil
}

func (s *UserStore) SetTwoFactorEnabled(ctx context.Context, id string, enabled bool) error {
	return s.updateWhere(ctx, id, "two_factor_enabled = ?", map[string]any{"two_factor_enabled": enabled}, !enabled)
}

func (s *UserStore) SetChallenge(ctx context.Context, id, challenge string) error {
	return s.updateWhere(ctx, id, "", map[string]any{"challenge": challenge})
}

func (s *UserStore) AddCredential(ctx context.Context, id string, cred ma.WebAuthnCredential) (bool, error) {
	if _, err := s.GetUserByID(ctx, id); err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(CredentialToModel(id, cred))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var existing CredentialModel
	if err := s.db.WithContext(ctx).First(&existing, "id = ?", credentialKey(cred.ID)).Error; err != nil {
		return false, err
	}
	if existing.UserID != id {
		return false, ma.ErrCredentialExists
	}
	return false, nil
}

func (s *UserStore) UpdateCredentialCounter(ctx context.Context, id string, credentialID []byte, counter uint32) error {
	res := s.db.WithContext(ctx).Model(&CredentialModel{}).
		Where("id = ? AND user_id = ?", credentialKey(credentialID), id).
		Update("counter", int64(counter))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("credential not bound to user %s", id)
	}
	return nil
}
