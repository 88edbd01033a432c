package masterauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token kinds carried in the "type" claim.
const (
	tokenKindAccess  = "access"
	tokenKindRefresh = "refresh"
	tokenKindAction  = "action"
)

// ActionPurpose scopes an action token to a single flow.
type ActionPurpose string

const (
	PurposeVerify ActionPurpose = "verify"
	PurposeReset  ActionPurpose = "reset"
)

// Default token lifetimes
const (
	DefaultAccessTokenExpiry  = 1 * time.Hour
	DefaultRefreshTokenExpiry = 7 * 24 * time.Hour
	DefaultVerifyTokenExpiry  = 24 * time.Hour
	DefaultResetTokenExpiry   = 1 * time.Hour
)

// TokenPair is what a completed login or refresh hands back.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Revoker is a denylist of token ids. Entries only need to live until the
// token would have expired anyway.
type Revoker interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	ActionSecret  string

	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	VerifyExpiry  time.Duration
	ResetExpiry   time.Duration

	// Revoker is optional. When nil refresh tokens are purely stateless.
	Revoker Revoker

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// TokenService issues and verifies the three token families. Each family is
// signed with its own secret so that no family can be forged from another's key.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	actionSecret  []byte

	accessExpiry  time.Duration
	refreshExpiry time.Duration
	verifyExpiry  time.Duration
	resetExpiry   time.Duration

	revoker Revoker
	now     func() time.Time
}

func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" || cfg.ActionSecret == "" {
		return nil, errors.New("access, refresh and action secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret || cfg.AccessSecret == cfg.ActionSecret || cfg.RefreshSecret == cfg.ActionSecret {
		return nil, errors.New("access, refresh and action secrets must be distinct")
	}
	s := &TokenService{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		actionSecret:  []byte(cfg.ActionSecret),
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		verifyExpiry:  cfg.VerifyExpiry,
		resetExpiry:   cfg.ResetExpiry,
		revoker:       cfg.Revoker,
		now:           cfg.Now,
	}
	if s.accessExpiry == 0 {
		s.accessExpiry = DefaultAccessTokenExpiry
	}
	if s.refreshExpiry == 0 {
		s.refreshExpiry = DefaultRefreshTokenExpiry
	}
	if s.verifyExpiry == 0 {
		s.verifyExpiry = DefaultVerifyTokenExpiry
	}
	if s.resetExpiry == 0 {
		s.resetExpiry = DefaultResetTokenExpiry
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *TokenService) IssueAccess(userID string) (string, error) {
	return s.sign(s.accessSecret, jwt.MapClaims{"type": tokenKindAccess}, userID, s.accessExpiry)
}

func (s *TokenService) IssueRefresh(userID string) (string, error) {
	return s.sign(s.refreshSecret, jwt.MapClaims{"type": tokenKindRefresh}, userID, s.refreshExpiry)
}

// IssuePair mints a fresh access and refresh token for userID.
func (s *TokenService) IssuePair(userID string) (*TokenPair, error) {
	access, err := s.IssueAccess(userID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.IssueRefresh(userID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *TokenService) IssueActionToken(userID string, purpose ActionPurpose) (string, error) {
	return s.IssueStampedActionToken(userID, purpose, "")
}

// IssueStampedActionToken mints an action token carrying stamp, a digest of
// the account state it may act on. Verification hands the stamp back so the
// caller can reject tokens minted against a state that has since changed.
func (s *TokenService) IssueStampedActionToken(userID string, purpose ActionPurpose, stamp string) (string, error) {
	expiry := s.verifyExpiry
	if purpose == PurposeReset {
		expiry = s.resetExpiry
	}
	claims := jwt.MapClaims{"type": tokenKindAction, "purpose": string(purpose)}
	if stamp != "" {
		claims["stamp"] = stamp
	}
	return s.sign(s.actionSecret, claims, userID, expiry)
}

// VerifyAccess returns the user id carried by a valid access token.
func (s *TokenService) VerifyAccess(token string) (string, error) {
	claims, err := s.parse(token, s.accessSecret, tokenKindAccess)
	if err != nil {
		return "", err
	}
	return claims.userID, nil
}

// VerifyRefresh returns the user id carried by a valid, unrevoked refresh token.
func (s *TokenService) VerifyRefresh(ctx context.Context, token string) (string, error) {
	claims, err := s.parse(token, s.refreshSecret, tokenKindRefresh)
	if err != nil {
		return "", err
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(ctx, claims.jti)
		if err != nil {
			return "", fmt.Errorf("checking refresh token revocation: %w", err)
		}
		if revoked {
			return "", Unauthorized("Invalid token")
		}
	}
	return claims.userID, nil
}

// RevokeRefresh denylists a refresh token until its natural expiry. It is a
// no-op without a Revoker or for tokens that no longer verify.
func (s *TokenService) RevokeRefresh(ctx context.Context, token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parse(token, s.refreshSecret, tokenKindRefresh)
	if err != nil {
		return nil
	}
	return s.revoker.Revoke(ctx, claims.jti, claims.expiresAt)
}

// RevocationEnabled reports whether refresh tokens can be revoked.
func (s *TokenService) RevocationEnabled() bool { return s.revoker != nil }

// VerifyActionToken returns the user id of a valid action token minted for purpose.
func (s *TokenService) VerifyActionToken(token string, purpose ActionPurpose) (string, error) {
	claims, err := s.parse(token, s.actionSecret, tokenKindAction)
	if err != nil {
		return "", err
	}
	if claims.purpose != string(purpose) {
		return "", Unauthorized("Invalid token")
	}
	return claims.userID, nil
}

// VerifyStampedActionToken is VerifyActionToken that also returns the
// token's stamp, empty when it has none.
func (s *TokenService) VerifyStampedActionToken(token string, purpose ActionPurpose) (userID, stamp string, err error) {
	claims, err := s.parse(token, s.actionSecret, tokenKindAction)
	if err != nil {
		return "", "", err
	}
	if claims.purpose != string(purpose) {
		return "", "", Unauthorized("Invalid token")
	}
	return claims.userID, claims.stamp, nil
}

func (s *TokenService) sign(secret []byte, claims jwt.MapClaims, userID string, expiry time.Duration) (string, error) {
	now := s.now()
	claims["userId"] = userID
	claims["jti"] = uuid.NewString()
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(expiry).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

type parsedClaims struct {
	userID    string
	jti       string
	purpose   string
	stamp     string
	expiresAt time.Time
}

// parse validates signature, expiry and kind. Every failure is Unauthorized.
func (s *TokenService) parse(tokenString string, secret []byte, kind string) (*parsedClaims, error) {
	if tokenString == "" {
		return nil, Unauthorized("Invalid token")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		slog.Debug("token rejected", "kind", kind, "error", err)
		return nil, Unauthorized("Invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, Unauthorized("Invalid token")
	}
	if t, _ := claims["type"].(string); t != kind {
		return nil, Unauthorized("Invalid token")
	}
	userID, _ := claims["userId"].(string)
	if userID == "" {
		return nil, Unauthorized("Invalid token")
	}

	out := &parsedClaims{userID: userID}
	out.jti, _ = claims["jti"].(string)
	out.purpose, _ = claims["purpose"].(string)
	out.stamp, _ = claims["stamp"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.expiresAt = exp.Time
	}
	return out, nil
}
