package masterauth

import (
	"bytes"
	"context"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	DefaultTOTPIssuer = "Master Auth"
	totpPeriod        = 30
	totpSecretSize    = 20
	qrCodeSize        = 200
)

const (
	MsgTwoFactorAlreadyEnabled  = "Two-factor authentication is already enabled."
	MsgTwoFactorAlreadyDisabled = "Two-factor authentication is already disabled."
	MsgInvalidCode              = "Invalid code."
)

// TOTPSetup is what an authenticator app needs to enroll.
type TOTPSetup struct {
	SecretKey   string `json:"secretKey"`
	QRCodeImage string `json:"qrcodeImage"`
	URL         string `json:"otpauthUrl"`
}

// TOTPEngine handles 2FA enrollment, confirmation, disabling and the second
// login step. Codes are 6-digit SHA1 TOTP with a 30s step and no skew window.
type TOTPEngine struct {
	Users UserStore
	Login *PasswordAuth

	// Issuer labels the entry in authenticator apps.
	Issuer string

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (e *TOTPEngine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *TOTPEngine) issuer() string {
	if e.Issuer != "" {
		return e.Issuer
	}
	return DefaultTOTPIssuer
}

// Generate returns the user's TOTP secret and a QR code for it, creating the
// secret on first use. Repeated calls before confirmation return the same secret.
func (e *TOTPEngine) Generate(ctx context.Context, userID string) (*TOTPSetup, error) {
	user, err := e.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, StateConflict(MsgTwoFactorAlreadyEnabled)
	}

	secret := user.TwoFactorSecret
	if secret == "" {
		candidate, err := NewTOTPSecret()
		if err != nil {
			return nil, err
		}
		// A concurrent setup may have won; use whatever got stored.
		if secret, err = e.Users.EnsureTwoFactorSecret(ctx, userID, candidate); err != nil {
			return nil, err
		}
	}

	key, err := e.key(user, secret)
	if err != nil {
		return nil, err
	}
	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return nil, fmt.Errorf("rendering qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding qr code: %w", err)
	}
	return &TOTPSetup{
		SecretKey:   secret,
		QRCodeImage: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		URL:         key.URL(),
	}, nil
}

// key binds secret to the issuer and the account label.
func (e *TOTPEngine) key(user *User, secret string) (*otp.Key, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return nil, err
	}
	return totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer(),
		AccountName: "MA-" + user.Name,
		Period:      totpPeriod,
		SecretSize:  uint(len(raw)),
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}

// Verify confirms enrollment: a correct code switches 2FA on.
func (e *TOTPEngine) Verify(ctx context.Context, userID, code string) error {
	user, err := e.user(ctx, userID)
	if err != nil {
		return err
	}
	if user.TwoFactorEnabled {
		return StateConflict(MsgTwoFactorAlreadyEnabled)
	}
	if !e.ValidCode(user.TwoFactorSecret, code) {
		return BadRequest(MsgInvalidCode)
	}
	return e.flip(ctx, userID, true)
}

// Disable switches 2FA off after a correct code. The secret is kept so that
// re-enabling reuses it.
func (e *TOTPEngine) Disable(ctx context.Context, userID, code string) error {
	user, err := e.user(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TwoFactorEnabled {
		return StateConflict(MsgTwoFactorAlreadyDisabled)
	}
	if !e.ValidCode(user.TwoFactorSecret, code) {
		return BadRequest(MsgInvalidCode)
	}
	return e.flip(ctx, userID, false)
}

func (e *TOTPEngine) flip(ctx context.Context, userID string, enabled bool) error {
	err := e.Users.SetTwoFactorEnabled(ctx, userID, enabled)
	if errors.Is(err, ErrNoStateChange) {
		if enabled {
			return StateConflict(MsgTwoFactorAlreadyEnabled)
		}
		return StateConflict(MsgTwoFactorAlreadyDisabled)
	}
	return err
}

// LoginWithCode is the second login step for accounts with 2FA enabled.
func (e *TOTPEngine) LoginWithCode(ctx context.Context, emailAddr, code string) (*LoginResult, error) {
	user, err := e.Users.GetUserByEmail(ctx, NormalizeEmail(emailAddr))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, NotFound("User not found")
		}
		return nil, err
	}
	if !user.TwoFactorEnabled || !user.IsVerified() {
		return nil, BadRequest("Two-factor authentication is not enabled for this account.")
	}
	if !e.ValidCode(user.TwoFactorSecret, code) {
		return nil, BadRequest(MsgInvalidCode)
	}
	return e.Login.CompleteLogin(user)
}

// ValidCode checks code against secret for the current time step only.
func (e *TOTPEngine) ValidCode(secret, code string) bool {
	if secret == "" || len(code) != int(otp.DigitsSix) {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, e.now().UTC(), totpOpts())
	return err == nil && ok
}

// GenerateCode returns the code for secret at t. Used by tests and tooling.
func GenerateCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t.UTC(), totpOpts())
}

func totpOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      0,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

func (e *TOTPEngine) user(ctx context.Context, userID string) (*User, error) {
	user, err := e.Users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, NotFound("User not found")
		}
		return nil, err
	}
	return user, nil
}

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewTOTPSecret returns a fresh base32 (unpadded) secret.
func NewTOTPSecret() (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      DefaultTOTPIssuer,
		AccountName: "setup",
		SecretSize:  totpSecretSize,
	})
	if err != nil {
		return "", fmt.Errorf("generating totp secret: %w", err)
	}
	return key.Secret(), nil
}

func decodeSecret(secret string) ([]byte, error) {
	raw, err := b32.DecodeString(strings.ToUpper(strings.TrimRight(secret, "=")))
	if err != nil {
		return nil, fmt.Errorf("invalid totp secret: %w", err)
	}
	return raw, nil
}
