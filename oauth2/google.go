package oauth2

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/alexedwards/scs/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

type GoogleOAuth2 struct {
	*BaseOAuth2

	// UserInfoURL can be overridden for testing.
	UserInfoURL string
}

// NewGoogleOAuth2 falls back to OAUTH2_GOOGLE_* environment variables for
// any empty argument.
func NewGoogleOAuth2(clientID, clientSecret, callbackURL string, session *scs.SessionManager) *GoogleOAuth2 {
	if clientID == "" {
		clientID = strings.TrimSpace(os.Getenv("OAUTH2_GOOGLE_CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = strings.TrimSpace(os.Getenv("OAUTH2_GOOGLE_CLIENT_SECRET"))
	}
	if callbackURL == "" {
		callbackURL = strings.TrimSpace(os.Getenv("OAUTH2_GOOGLE_CALLBACK_URL"))
	}

	out := &GoogleOAuth2{
		BaseOAuth2:  newBaseOAuth2("google", clientID, clientSecret, callbackURL, session),
		UserInfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
	}
	out.oauthConfig.Endpoint = google.Endpoint
	out.oauthConfig.Scopes = []string{
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	}
	out.fetch = out.getUserData
	return out
}

func (g *GoogleOAuth2) getUserData(ctx context.Context, client *http.Client, token *oauth2.Token) (Profile, error) {
	var info struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		VerifiedEmail *bool  `json:"verified_email"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := getJSON(ctx, client, g.UserInfoURL, token.AccessToken, &info); err != nil {
		return Profile{}, err
	}
	profile := Profile{ProviderID: info.ID, Name: info.Name, AvatarURL: info.Picture}
	// Only provider-verified addresses are accepted.
	if info.VerifiedEmail == nil || *info.VerifiedEmail {
		profile.Email = info.Email
	}
	return profile, nil
}
