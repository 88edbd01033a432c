package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultSignInPath = "/signin"
	DefaultHomePath   = "/feed"
	DefaultOTPPath    = "/otp-verify"

	maxFormBody = 64 << 10
)

type sessionContextKey struct{}

// SessionFromContext returns the session attached by RequireSession, or nil.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionContextKey{}).(*Session)
	return s
}

// Web holds the first-party handlers that turn backend logins into a
// session cookie and back.
type Web struct {
	Carrier *SessionCarrier
	Gateway *Gateway

	SignInPath string
	HomePath   string
	OTPPath    string
}

func NewWeb(carrier *SessionCarrier, gateway *Gateway) *Web {
	return &Web{
		Carrier:    carrier,
		Gateway:    gateway,
		SignInPath: DefaultSignInPath,
		HomePath:   DefaultHomePath,
		OTPPath:    DefaultOTPPath,
	}
}

// Intake serves /api/auth. GET takes the query produced by the backend's
// OAuth redirect, POST replaces the tokens of the current session and
// DELETE ends it.
func (web *Web) Intake(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		web.intakeOAuth(w, r)
	case http.MethodPost:
		var tokens Tokens
		if err := json.NewDecoder(io.LimitReader(r.Body, maxFormBody)).Decode(&tokens); err != nil || tokens.AccessToken == "" || tokens.RefreshToken == "" {
			writeMessage(w, http.StatusBadRequest, "All are required")
			return
		}
		if err := web.Carrier.Update(w, r, tokens); err != nil {
			writeMessage(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		writeMessage(w, http.StatusOK, "All updated")
	case http.MethodDelete:
		web.Carrier.Destroy(w)
		writeMessage(w, http.StatusOK, "All updated")
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (web *Web) intakeOAuth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := q.Get("email")
	if q.Get("twoFactorEnabled") == "true" {
		http.Redirect(w, r, web.OTPPath+"?email="+url.QueryEscape(email), http.StatusFound)
		return
	}
	s := &Session{
		User: SessionUser{
			ID:             q.Get("userId"),
			Name:           q.Get("name"),
			Email:          email,
			Role:           q.Get("role"),
			ProfilePicture: q.Get("profilePicture"),
		},
		Tokens: Tokens{AccessToken: q.Get("accessToken"), RefreshToken: q.Get("refreshToken")},
	}
	verified, err := strconv.ParseBool(q.Get("isVerified"))
	if err != nil || s.AccessToken == "" || s.RefreshToken == "" || s.User.ID == "" || email == "" || s.User.Role == "" {
		web.failSignIn(w, r)
		return
	}
	s.User.IsVerified = verified
	if err := web.Carrier.Create(w, s); err != nil {
		slog.Error("creating session failed", "error", err)
		web.failSignIn(w, r)
		return
	}
	http.Redirect(w, r, web.HomePath, http.StatusFound)
}

func (web *Web) failSignIn(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, web.SignInPath+"?error="+url.QueryEscape("oauth login failed"), http.StatusFound)
}

// loginResponse mirrors the backend's sign-in and 2FA login replies.
type loginResponse struct {
	User              *SessionUser `json:"user"`
	AccessToken       string       `json:"accessToken"`
	RefreshToken      string       `json:"refreshToken"`
	Message           string       `json:"message"`
	TwoFactorRequired bool         `json:"twoFactorRequired"`
	Email             string       `json:"email"`
}

// SignIn forwards {email, password} to the backend and starts a session
// when the login completes.
func (web *Web) SignIn(w http.ResponseWriter, r *http.Request) {
	web.login(w, r, "/auth/signin")
}

// TwoFactorSignIn forwards {email, code} to the backend's TOTP login.
func (web *Web) TwoFactorSignIn(w http.ResponseWriter, r *http.Request) {
	web.login(w, r, "/security/twoFaLogin")
}

func (web *Web) login(w http.ResponseWriter, r *http.Request, backendPath string) {
	var body map[string]string
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFormBody)).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var res loginResponse
	if err := web.Gateway.Call(r.Context(), nil, http.MethodPost, backendPath, body, &res); err != nil {
		writeGatewayError(w, err)
		return
	}
	if res.TwoFactorRequired {
		writeJSON(w, http.StatusOK, map[string]any{
			"message":           res.Message,
			"twoFactorRequired": true,
			"redirect":          web.OTPPath + "?email=" + url.QueryEscape(res.Email),
		})
		return
	}
	if res.User == nil || res.AccessToken == "" {
		// Unverified accounts get a message and no tokens.
		writeJSON(w, http.StatusOK, map[string]any{"message": res.Message})
		return
	}
	s := &Session{User: *res.User, Tokens: Tokens{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken}}
	if err := web.Carrier.Create(w, s); err != nil {
		slog.Error("creating session failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": s.User, "redirect": web.HomePath})
}

// Logout revokes the refresh token on a best-effort basis, clears the
// cookie and sends the browser to the sign-in page.
func (web *Web) Logout(w http.ResponseWriter, r *http.Request) {
	store := web.Carrier.Bind(w, r)
	if s := store.Session(); s != nil {
		err := web.Gateway.Call(r.Context(), store, http.MethodPost, "/auth/logout", map[string]string{"token": s.RefreshToken}, nil)
		if err != nil {
			slog.Warn("backend logout failed", "error", err)
		}
	}
	web.Carrier.Destroy(w)
	http.Redirect(w, r, web.SignInPath, http.StatusSeeOther)
}

// Forward proxies a GET to backendPath with the caller's session and
// writes the backend's JSON reply.
func (web *Web) Forward(backendPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out json.RawMessage
		store := web.Carrier.Bind(w, r)
		if err := web.Gateway.Call(r.Context(), store, http.MethodGet, backendPath, nil, &out); err != nil {
			writeGatewayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// RequireSession redirects requests under any of prefixes to the sign-in
// page unless they carry a valid session, which it attaches to the context.
func (web *Web) RequireSession(prefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := web.Carrier.Read(r)
			if s == nil {
				if protected(r.URL.Path, prefixes) {
					http.Redirect(w, r, web.SignInPath, http.StatusFound)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey{}, s)))
		})
	}
}

func protected(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, strings.TrimRight(p, "/")+"/") {
			return true
		}
	}
	return false
}

func writeGatewayError(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		writeMessage(w, apiErr.StatusCode, apiErr.Message)
		return
	}
	slog.Error("backend call failed", "error", err)
	writeMessage(w, http.StatusBadGateway, "Backend unavailable")
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	body := map[string]any{"message": msg}
	if status >= 400 {
		body["status"] = "error"
		body["statusCode"] = status
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing response failed", "error", err)
	}
}
