package masterauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User-facing messages shared by the password flows.
const (
	MsgInvalidCredentials = "Invalid credentials"
	MsgCheckEmail         = "Check your email address and verify your account."
	MsgTwoFactorRequired  = "Two-factor authentication code required."
	MsgResetSent          = "If an account exists for that email, a reset link has been sent."
)

// LoginResult is the outcome of a successful credential check. Exactly one
// of Tokens or Message is meaningful: unverified accounts and accounts with
// 2FA get an informational message and no tokens.
type LoginResult struct {
	User              *PublicUser `json:"user,omitempty"`
	AccessToken       string      `json:"accessToken,omitempty"`
	RefreshToken      string      `json:"refreshToken,omitempty"`
	Status            string      `json:"status,omitempty"`
	Message           string      `json:"message,omitempty"`
	TwoFactorRequired bool        `json:"twoFactorRequired,omitempty"`
	Email             string      `json:"email,omitempty"`
}

// HasTokens reports whether the login completed.
func (r *LoginResult) HasTokens() bool { return r.AccessToken != "" }

// PasswordAuth implements registration, email verification, password login,
// refresh and password reset on top of a UserStore and TokenService.
type PasswordAuth struct {
	Users  UserStore
	Tokens *TokenService
	Mailer *Mailer

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (a *PasswordAuth) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Register creates a password account and queues the verification email.
func (a *PasswordAuth) Register(ctx context.Context, name, emailAddr, password string) (*User, error) {
	name = strings.TrimSpace(name)
	emailAddr = NormalizeEmail(emailAddr)
	if err := validateRegistration(name, emailAddr, password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	now := a.now()
	user := &User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        emailAddr,
		Role:         RoleUser,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.Users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrEmailExists) {
			return nil, Conflict("User already exists")
		}
		return nil, err
	}

	a.sendVerification(ctx, user)
	return user, nil
}

func validateRegistration(name, emailAddr, password string) error {
	if name == "" {
		return BadRequest("Name is required")
	}
	if _, err := mail.ParseAddress(emailAddr); err != nil {
		return BadRequest("A valid email is required")
	}
	if len(password) < MinPasswordLength {
		return BadRequest(fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}
	return nil
}

func (a *PasswordAuth) sendVerification(ctx context.Context, u *User) {
	token, err := a.Tokens.IssueActionToken(u.ID, PurposeVerify)
	if err != nil {
		slog.Error("issuing verification token failed", "user", u.ID, "error", err)
		return
	}
	a.Mailer.SendVerification(ctx, u, token)
}

// VerifyEmail consumes a verify action token and marks the account verified.
func (a *PasswordAuth) VerifyEmail(ctx context.Context, token string) error {
	userID, err := a.Tokens.VerifyActionToken(token, PurposeVerify)
	if err != nil {
		return err
	}
	err = a.Users.MarkVerified(ctx, userID, a.now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoStateChange):
		return BadRequest("User already verified")
	case errors.Is(err, ErrUserNotFound):
		return Unauthorized("Invalid token")
	}
	return err
}

// Login checks email and password. Unknown emails and wrong passwords fail
// with the same message.
func (a *PasswordAuth) Login(ctx context.Context, emailAddr, password string) (*LoginResult, error) {
	user, err := a.Users.GetUserByEmail(ctx, NormalizeEmail(emailAddr))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, BadRequest(MsgInvalidCredentials)
		}
		return nil, err
	}
	if !ComparePassword(password, user.PasswordHash) {
		return nil, BadRequest(MsgInvalidCredentials)
	}

	if !user.IsVerified() {
		a.sendVerification(ctx, user)
		return &LoginResult{Status: "success", Message: MsgCheckEmail}, nil
	}
	if user.TwoFactorEnabled {
		return &LoginResult{Status: "success", Message: MsgTwoFactorRequired, TwoFactorRequired: true, Email: user.Email}, nil
	}
	return a.CompleteLogin(user)
}

// CompleteLogin issues a token pair for a user that has passed every factor.
func (a *PasswordAuth) CompleteLogin(user *User) (*LoginResult, error) {
	pair, err := a.Tokens.IssuePair(user.ID)
	if err != nil {
		return nil, err
	}
	pub := user.Public()
	return &LoginResult{User: &pub, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// Refresh trades a refresh token for a new pair. With revocation enabled the
// presented token is retired.
func (a *PasswordAuth) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	userID, err := a.Tokens.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if _, err := a.Users.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, NotFound("User does not exist")
		}
		return nil, err
	}
	pair, err := a.Tokens.IssuePair(userID)
	if err != nil {
		return nil, err
	}
	if err := a.Tokens.RevokeRefresh(ctx, refreshToken); err != nil {
		slog.Warn("revoking rotated refresh token failed", "user", userID, "error", err)
	}
	return pair, nil
}

// Logout retires the refresh token when revocation is enabled. Without
// revocation it is a no-op: the token stays valid until it expires.
func (a *PasswordAuth) Logout(ctx context.Context, refreshToken string) error {
	return a.Tokens.RevokeRefresh(ctx, refreshToken)
}

// ForgotPassword queues a reset email if the account exists. The caller
// gets the same answer either way.
func (a *PasswordAuth) ForgotPassword(ctx context.Context, emailAddr string) error {
	user, err := a.Users.GetUserByEmail(ctx, NormalizeEmail(emailAddr))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}
	if user.ProviderID != "" && user.PasswordHash == "" {
		// OAuth-only accounts sign in through their provider.
		return nil
	}
	token, err := a.Tokens.IssueStampedActionToken(user.ID, PurposeReset, passwordStamp(user.PasswordHash))
	if err != nil {
		return err
	}
	a.Mailer.SendPasswordReset(ctx, user, token)
	return nil
}

// ResetPassword consumes a reset action token and replaces the password.
func (a *PasswordAuth) ResetPassword(ctx context.Context, token, newPassword string) error {
	userID, stamp, err := a.Tokens.VerifyStampedActionToken(token, PurposeReset)
	if err != nil {
		return err
	}
	if len(newPassword) < MinPasswordLength {
		return BadRequest(fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}
	user, err := a.Users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Unauthorized("Invalid token")
		}
		return err
	}
	if user.ProviderID != "" {
		return BadRequest("This account signs in with " + user.Provider)
	}
	// The stamp ties the token to the password it replaces.
	if subtle.ConstantTimeCompare([]byte(stamp), []byte(passwordStamp(user.PasswordHash))) != 1 {
		return Unauthorized("Invalid token")
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	return a.Users.SetPassword(ctx, userID, hash, a.now())
}

// passwordStamp is a short digest of a stored password hash.
func passwordStamp(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:12])
}
