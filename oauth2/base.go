package oauth2

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"golang.org/x/oauth2"
)

// DefaultHTTPTimeout bounds every call to the provider (code exchange and
// profile fetch).
const DefaultHTTPTimeout = 10 * time.Second

var (
	ErrStateMismatch = errors.New("oauth state mismatch")
	ErrMissingEmail  = errors.New("provider returned no verified email")
)

// Profile is the provider-attested identity handed to the application.
type Profile struct {
	Provider   string
	ProviderID string
	Email      string
	Name       string
	AvatarURL  string
}

// HandleProfileFunc receives a fetched profile and owns the response.
type HandleProfileFunc func(w http.ResponseWriter, r *http.Request, profile Profile)

// HandleFailureFunc is called for any failure after the user returns from
// the provider. It owns the response.
type HandleFailureFunc func(w http.ResponseWriter, r *http.Request, err error)

type profileFetcher func(ctx context.Context, client *http.Client, token *oauth2.Token) (Profile, error)

// BaseOAuth2 runs the authorization code flow against one provider. The CSRF
// state lives in the caller's scs session, so the session middleware must
// wrap both Login and Callback.
type BaseOAuth2 struct {
	Provider      string
	Session       *scs.SessionManager
	HandleProfile HandleProfileFunc
	HandleFailure HandleFailureFunc

	oauthConfig oauth2.Config
	httpClient  *http.Client
	fetch       profileFetcher
}

func newBaseOAuth2(provider, clientID, clientSecret, callbackURL string, session *scs.SessionManager) *BaseOAuth2 {
	return &BaseOAuth2{
		Provider: provider,
		Session:  session,
		oauthConfig: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
		},
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
}

// SetHTTPClient overrides the client used for the exchange and profile calls.
func (b *BaseOAuth2) SetHTTPClient(c *http.Client) { b.httpClient = c }

// SetOAuthEndpoint overrides the provider's auth and token URLs.
func (b *BaseOAuth2) SetOAuthEndpoint(e oauth2.Endpoint) { b.oauthConfig.Endpoint = e }

// Configured reports whether client credentials were supplied.
func (b *BaseOAuth2) Configured() bool {
	return b.oauthConfig.ClientID != "" && b.oauthConfig.ClientSecret != ""
}

func (b *BaseOAuth2) stateKey() string { return "oauthstate:" + b.Provider }

// Login stores a fresh state in the session and redirects to the provider.
func (b *BaseOAuth2) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		b.fail(w, r, err)
		return
	}
	b.Session.Put(r.Context(), b.stateKey(), state)
	http.Redirect(w, r, b.oauthConfig.AuthCodeURL(state), http.StatusFound)
}

// Callback validates the returned state, exchanges the code and fetches the
// profile. The state is single use: it is removed whatever the outcome.
func (b *BaseOAuth2) Callback(w http.ResponseWriter, r *http.Request) {
	expected := b.Session.PopString(r.Context(), b.stateKey())
	if expected == "" || r.FormValue("state") != expected {
		b.fail(w, r, ErrStateMismatch)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultHTTPTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)

	token, err := b.oauthConfig.Exchange(ctx, r.FormValue("code"))
	if err != nil {
		b.fail(w, r, err)
		return
	}
	profile, err := b.fetch(ctx, b.httpClient, token)
	if err != nil {
		b.fail(w, r, err)
		return
	}
	if profile.Email == "" {
		b.fail(w, r, ErrMissingEmail)
		return
	}
	profile.Provider = b.Provider
	b.HandleProfile(w, r, profile)
}

func (b *BaseOAuth2) fail(w http.ResponseWriter, r *http.Request, err error) {
	slog.Info("oauth login failed", "provider", b.Provider, "err", err)
	if b.HandleFailure != nil {
		b.HandleFailure(w, r, err)
		return
	}
	http.Error(w, "oauth login failed", http.StatusBadRequest)
}
