package masterauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/panyam/masterauth/oauth2"
)

// OAuthBridge turns a provider-attested profile into a local identity and
// hands the browser to the client's token intake endpoint.
type OAuthBridge struct {
	Users  UserStore
	Tokens *TokenService

	// ClientURL is the first-party web front, e.g. https://app.example.com.
	ClientURL string

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (b *OAuthBridge) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Complete finds or creates the account for profile and returns the intake
// URL to redirect to. Accounts with 2FA get no tokens in the URL: the
// client sends them to the code prompt instead.
func (b *OAuthBridge) Complete(ctx context.Context, p oauth2.Profile) (string, error) {
	user, err := b.findOrCreate(ctx, p)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("userId", user.ID)
	q.Set("name", user.Name)
	q.Set("email", user.Email)
	q.Set("role", string(user.Role))
	q.Set("isVerified", strconv.FormatBool(user.IsVerified()))
	q.Set("profilePicture", user.ProfilePicture)
	if user.TwoFactorEnabled {
		q.Set("twoFactorEnabled", "true")
		return b.clientURL("/api/auth", q), nil
	}

	pair, err := b.Tokens.IssuePair(user.ID)
	if err != nil {
		return "", err
	}
	q.Set("accessToken", pair.AccessToken)
	q.Set("refreshToken", pair.RefreshToken)
	return b.clientURL("/api/auth", q), nil
}

func (b *OAuthBridge) findOrCreate(ctx context.Context, p oauth2.Profile) (*User, error) {
	if p.ProviderID != "" {
		user, err := b.Users.GetUserByProvider(ctx, p.Provider, p.ProviderID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
	}
	emailAddr := NormalizeEmail(p.Email)
	if emailAddr == "" {
		return nil, BadRequest("Provider did not return an email")
	}
	user, err := b.Users.GetUserByEmail(ctx, emailAddr)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	now := b.now()
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = strings.SplitN(emailAddr, "@", 2)[0]
	}
	user = &User{
		ID:             uuid.NewString(),
		Name:           name,
		Email:          emailAddr,
		Role:           RoleUser,
		Provider:       p.Provider,
		ProviderID:     p.ProviderID,
		ProfilePicture: p.AvatarURL,
		VerifiedAt:     &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := b.Users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrEmailExists) {
			// Lost a race with a concurrent first login for the same email.
			return b.Users.GetUserByEmail(ctx, emailAddr)
		}
		return nil, fmt.Errorf("creating oauth user: %w", err)
	}
	return user, nil
}

// FailureURL is where the browser lands when any step of the provider flow fails.
func (b *OAuthBridge) FailureURL() string {
	return b.clientURL("/signin", url.Values{"error": {"oauth login failed"}})
}

func (b *OAuthBridge) clientURL(path string, q url.Values) string {
	return strings.TrimRight(b.ClientURL, "/") + path + "?" + q.Encode()
}

// HandleProfile is the oauth2.HandleProfileFunc that completes a provider login.
func (b *OAuthBridge) HandleProfile(w http.ResponseWriter, r *http.Request, p oauth2.Profile) {
	target, err := b.Complete(r.Context(), p)
	if err != nil {
		slog.Warn("oauth completion failed", "provider", p.Provider, "error", err)
		target = b.FailureURL()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleFailure is the oauth2.HandleFailureFunc redirecting to the sign-in page.
func (b *OAuthBridge) HandleFailure(w http.ResponseWriter, r *http.Request, err error) {
	http.Redirect(w, r, b.FailureURL(), http.StatusFound)
}

// Attach wires the bridge into provider flows.
func (b *OAuthBridge) Attach(providers ...*oauth2.BaseOAuth2) {
	for _, p := range providers {
		p.HandleProfile = b.HandleProfile
		p.HandleFailure = b.HandleFailure
	}
}
