package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWeb(t *testing.T, backendURL string) *Web {
	t.Helper()
	return NewWeb(newCarrier(t), NewGateway(backendURL))
}

func oauthQuery() url.Values {
	return url.Values{
		"userId":         {"u1"},
		"name":           {"Ada"},
		"email":          {"ada@example.com"},
		"role":           {"user"},
		"isVerified":     {"true"},
		"profilePicture": {"https://img.example.com/a.png"},
		"accessToken":    {"access-1"},
		"refreshToken":   {"refresh-1"},
	}
}

func TestIntake_GetCreatesSession(t *testing.T) {
	web := newWeb(t, "http://unused")
	rec := httptest.NewRecorder()
	web.Intake(rec, httptest.NewRequest(http.MethodGet, "/api/auth?"+oauthQuery().Encode(), nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/feed", rec.Header().Get("Location"))
	s := web.Carrier.Read(withCookies(rec))
	require.NotNil(t, s)
	assert.Equal(t, "u1", s.User.ID)
	assert.True(t, s.User.IsVerified)
	assert.Equal(t, "refresh-1", s.RefreshToken)
}

func TestIntake_GetMissingParam(t *testing.T) {
	web := newWeb(t, "http://unused")
	q := oauthQuery()
	q.Del("accessToken")
	rec := httptest.NewRecorder()
	web.Intake(rec, httptest.NewRequest(http.MethodGet, "/api/auth?"+q.Encode(), nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/signin?error=oauth+login+failed", rec.Header().Get("Location"))
	assert.Empty(t, rec.Result().Cookies())
}

func TestIntake_GetTwoFactor(t *testing.T) {
	web := newWeb(t, "http://unused")
	q := url.Values{"twoFactorEnabled": {"true"}, "email": {"ada@example.com"}}
	rec := httptest.NewRecorder()
	web.Intake(rec, httptest.NewRequest(http.MethodGet, "/api/auth?"+q.Encode(), nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/otp-verify?email=ada%40example.com", rec.Header().Get("Location"))
	assert.Empty(t, rec.Result().Cookies())
}

func TestIntake_PostUpdatesTokens(t *testing.T) {
	web := newWeb(t, "http://unused")
	created := httptest.NewRecorder()
	require.NoError(t, web.Carrier.Create(created, testSession()))

	req := httptest.NewRequest(http.MethodPost, "/api/auth", strings.NewReader(`{"accessToken":"a2","refreshToken":"r2"}`))
	for _, c := range created.Result().Cookies() {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	web.Intake(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	s := web.Carrier.Read(withCookies(rec))
	require.NotNil(t, s)
	assert.Equal(t, "a2", s.AccessToken)
	assert.Equal(t, "u1", s.User.ID)

	rec = httptest.NewRecorder()
	web.Intake(rec, httptest.NewRequest(http.MethodPost, "/api/auth", strings.NewReader(`{"accessToken":"a2"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "All are required")
}

func TestIntake_DeleteDestroys(t *testing.T) {
	web := newWeb(t, "http://unused")
	rec := httptest.NewRecorder()
	web.Intake(rec, httptest.NewRequest(http.MethodDelete, "/api/auth", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, rec.Result().Cookies(), 1)
	assert.Equal(t, -1, rec.Result().Cookies()[0].MaxAge)
}

func TestRequireSession(t *testing.T) {
	web := newWeb(t, "http://unused")
	var seen *Session
	h := web.RequireSession("/feed", "/admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, path := range []string{"/feed", "/admin/users", "/admin"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusFound, rec.Code, path)
		assert.Equal(t, "/signin", rec.Header().Get("Location"), path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/feedback", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code, "prefix match is per path segment")

	created := httptest.NewRecorder()
	require.NoError(t, web.Carrier.Create(created, testSession()))
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	for _, c := range created.Result().Cookies() {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "u1", seen.User.ID)
}

func TestLogout(t *testing.T) {
	var logoutToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		logoutToken.Store(body["token"])
		writeMessage(w, http.StatusOK, "Logged out")
	}))
	defer srv.Close()

	web := newWeb(t, srv.URL)
	created := httptest.NewRecorder()
	require.NoError(t, web.Carrier.Create(created, testSession()))
	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	for _, c := range created.Result().Cookies() {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	web.Logout(rec, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/signin", rec.Header().Get("Location"))
	assert.Equal(t, "refresh-1", logoutToken.Load())
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, -1, cookies[len(cookies)-1].MaxAge)
}

func TestLogout_BackendDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	web := newWeb(t, srv.URL)
	created := httptest.NewRecorder()
	require.NoError(t, web.Carrier.Create(created, testSession()))
	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	for _, c := range created.Result().Cookies() {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	web.Logout(rec, req)
	assert.Equal(t, http.StatusSeeOther, rec.Code, "cookie is cleared even when the backend is unreachable")
}

func TestSignIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch {
		case r.URL.Path != "/auth/signin":
			http.NotFound(w, r)
		case body["password"] == "wrong":
			writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		case body["email"] == "otp@example.com":
			writeJSON(w, http.StatusOK, map[string]any{"twoFactorRequired": true, "email": "otp@example.com", "message": "Two-factor authentication required"})
		default:
			writeJSON(w, http.StatusOK, map[string]any{
				"user":         testSession().User,
				"accessToken":  "access-1",
				"refreshToken": "refresh-1",
			})
		}
	}))
	defer srv.Close()
	web := newWeb(t, srv.URL)

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		web.SignIn(rec, httptest.NewRequest(http.MethodPost, "/api/signin", strings.NewReader(body)))
		return rec
	}

	rec := post(`{"email":"ada@example.com","password":"secret123"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	s := web.Carrier.Read(withCookies(rec))
	require.NotNil(t, s)
	assert.Equal(t, "u1", s.User.ID)

	rec = post(`{"email":"otp@example.com","password":"secret123"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/otp-verify?email=otp%40example.com")
	assert.Empty(t, rec.Result().Cookies())

	rec = post(`{"email":"ada@example.com","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid credentials")
}
