// Package client is the browser-facing half of masterauth. It keeps the
// backend's token pair in a signed session cookie, forwards calls to the
// backend with silent refresh, and guards first-party pages.
package client

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultCookieName = "session"
	DefaultSessionTTL = 7 * 24 * time.Hour
)

var ErrNoSession = errors.New("no session")

// SessionUser is the public profile snapshot kept alongside the tokens.
type SessionUser struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Role           string `json:"role"`
	IsVerified     bool   `json:"isVerified"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// Tokens is the backend's access/refresh pair.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type Session struct {
	User SessionUser `json:"user"`
	Tokens
}

// SessionStore holds one caller's session. Browser requests bind it to the
// cookie; command line callers keep it in a file.
type SessionStore interface {
	// Session returns the current session, or nil when there is none.
	Session() *Session
	UpdateTokens(Tokens) error
	Destroy() error
}

type sessionClaims struct {
	User         SessionUser `json:"user"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	jwt.RegisteredClaims
}

// SessionCarrier signs sessions into an HttpOnly cookie.
type SessionCarrier struct {
	secret []byte

	CookieName string
	TTL        time.Duration

	// Secure defaults to true. Plain-http development servers turn it off.
	Secure bool

	Now func() time.Time
}

func NewSessionCarrier(secret string) (*SessionCarrier, error) {
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	return &SessionCarrier{
		secret:     []byte(secret),
		CookieName: DefaultCookieName,
		TTL:        DefaultSessionTTL,
		Secure:     true,
		Now:        time.Now,
	}, nil
}

// Create writes s as a fresh cookie.
func (c *SessionCarrier) Create(w http.ResponseWriter, s *Session) error {
	now := c.Now()
	expires := now.Add(c.TTL)
	claims := sessionClaims{
		User:         s.User,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.CookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(c.TTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

// Read returns the session in r's cookie. A missing, tampered or expired
// cookie reads as nil.
func (c *SessionCarrier) Read(r *http.Request) *Session {
	cookie, err := r.Cookie(c.CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	var claims sessionClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.Now),
	)
	if err != nil {
		return nil
	}
	return &Session{
		User:   claims.User,
		Tokens: Tokens{AccessToken: claims.AccessToken, RefreshToken: claims.RefreshToken},
	}
}

// Update re-signs the session in r with new tokens, keeping its user.
func (c *SessionCarrier) Update(w http.ResponseWriter, r *http.Request, tokens Tokens) error {
	s := c.Read(r)
	if s == nil {
		return ErrNoSession
	}
	s.Tokens = tokens
	return c.Create(w, s)
}

// Destroy expires the cookie.
func (c *SessionCarrier) Destroy(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Bind returns a SessionStore for one request. Updates are written to w
// and remembered, so later reads in the same request see them.
func (c *SessionCarrier) Bind(w http.ResponseWriter, r *http.Request) SessionStore {
	return &cookieSession{carrier: c, w: w, current: c.Read(r)}
}

type cookieSession struct {
	carrier *SessionCarrier
	w       http.ResponseWriter
	current *Session
}

func (s *cookieSession) Session() *Session {
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

func (s *cookieSession) UpdateTokens(tokens Tokens) error {
	if s.current == nil {
		return ErrNoSession
	}
	next := *s.current
	next.Tokens = tokens
	if err := s.carrier.Create(s.w, &next); err != nil {
		return err
	}
	s.current = &next
	return nil
}

func (s *cookieSession) Destroy() error {
	s.carrier.Destroy(s.w)
	s.current = nil
	return nil
}
