package oauth2

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/alexedwards/scs/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

type GithubOAuth2 struct {
	*BaseOAuth2

	// UserInfoURL and EmailsURL default to GitHub's API and can be
	// overridden for testing.
	UserInfoURL string
	EmailsURL   string
}

// NewGithubOAuth2 falls back to OAUTH2_GITHUB_* environment variables for
// any empty argument.
func NewGithubOAuth2(clientID, clientSecret, callbackURL string, session *scs.SessionManager) *GithubOAuth2 {
	if clientID == "" {
		clientID = strings.TrimSpace(os.Getenv("OAUTH2_GITHUB_CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = strings.TrimSpace(os.Getenv("OAUTH2_GITHUB_CLIENT_SECRET"))
	}
	if callbackURL == "" {
		callbackURL = strings.TrimSpace(os.Getenv("OAUTH2_GITHUB_CALLBACK_URL"))
	}

	out := &GithubOAuth2{
		BaseOAuth2:  newBaseOAuth2("github", clientID, clientSecret, callbackURL, session),
		UserInfoURL: "https://api.github.com/user",
		EmailsURL:   "https://api.github.com/user/emails",
	}
	out.oauthConfig.Endpoint = github.Endpoint
	out.oauthConfig.Scopes = []string{"read:user", "user:email"}
	out.fetch = out.getUserData
	return out
}

func (g *GithubOAuth2) getUserData(ctx context.Context, client *http.Client, token *oauth2.Token) (Profile, error) {
	var info struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := getJSON(ctx, client, g.UserInfoURL, token.AccessToken, &info); err != nil {
		return Profile{}, err
	}
	name := info.Name
	if name == "" {
		name = info.Login
	}
	profile := Profile{
		ProviderID: strconv.FormatInt(info.ID, 10),
		Name:       name,
		AvatarURL:  info.AvatarURL,
	}

	// The public profile email may be hidden or unverified, so use the
	// primary verified address from the emails endpoint.
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := getJSON(ctx, client, g.EmailsURL, token.AccessToken, &emails); err != nil {
		slog.Info("fetching github emails failed", "err", err)
		return profile, err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			profile.Email = e.Email
			break
		}
	}
	return profile, nil
}
