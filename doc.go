// Package masterauth is the account and session core of Master Auth.
//
// It owns one user record per person and layers several ways of proving
// who that person is on top of it: email and password with a verification
// step, Google and GitHub sign-in, TOTP codes from an authenticator app,
// and WebAuthn passkeys. Successful logins yield a short-lived access token
// and a longer-lived refresh token, both HS256 JWTs signed with separate
// secrets. Email verification and password reset links carry a third kind
// of single-purpose action token.
//
// # Layers
//
// UserStore is the persistence boundary. Implementations live under
// stores/ (filesystem, gorm/Postgres, MongoDB, Cloud Datastore). Every
// state flip it exposes (mark verified, enable 2FA, bind a credential) is
// conditional, so racing requests cannot both observe success.
//
// TokenService issues and verifies tokens. An optional Revoker (see
// stores/redis) turns on refresh token rotation and logout.
//
// PasswordAuth, TOTPEngine, WebAuthnEngine and OAuthBridge implement the
// flows. Each returns *AuthError values whose Kind maps to an HTTP status.
//
// API and (*API).Handler expose everything as a JSON API under /api/v1.
// Authenticator and RequireRoles guard the protected routes.
//
// # Basic Usage
//
//	users := fs.NewFSUserStore("/var/lib/masterauth")
//	tokens, _ := masterauth.NewTokenService(masterauth.TokenConfig{
//	    AccessSecret:  os.Getenv("ACCESS_TOKEN_SECRET"),
//	    RefreshSecret: os.Getenv("REFRESH_TOKEN_SECRET"),
//	    ActionSecret:  os.Getenv("ACTION_TOKEN_SECRET"),
//	})
//	passwords := &masterauth.PasswordAuth{
//	    Users:  users,
//	    Tokens: tokens,
//	    Mailer: &masterauth.Mailer{Queue: queue.NewMemoryQueue(), ClientURL: clientURL},
//	}
//	api := &masterauth.API{
//	    Auth:      &masterauth.Authenticator{Tokens: tokens, Users: users},
//	    Passwords: passwords,
//	    TOTP:      &masterauth.TOTPEngine{Users: users, Login: passwords},
//	    Users:     users,
//	}
//	http.ListenAndServe(":8080", api.Handler(masterauth.NewOAuthSession()))
//
// Outbound email is queued as JobSendEmail jobs. Run EmailJobHandler on the
// queue's workers to deliver them through an email.Provider.
//
// The first-party web front (package client) keeps tokens in a signed
// cookie and proxies API calls, refreshing once on a 401.
package masterauth
