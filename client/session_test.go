package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession() *Session {
	return &Session{
		User:   SessionUser{ID: "u1", Name: "Ada", Email: "ada@example.com", Role: "user", IsVerified: true},
		Tokens: Tokens{AccessToken: "access-1", RefreshToken: "refresh-1"},
	}
}

func newCarrier(t *testing.T) *SessionCarrier {
	t.Helper()
	c, err := NewSessionCarrier("session-secret")
	require.NoError(t, err)
	return c
}

// withCookies returns a request carrying every cookie set on rec.
func withCookies(rec *httptest.ResponseRecorder) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		r.AddCookie(c)
	}
	return r
}

func TestNewSessionCarrierRequiresSecret(t *testing.T) {
	_, err := NewSessionCarrier("")
	assert.Error(t, err)
}

func TestSessionCarrier_CreateRead(t *testing.T) {
	c := newCarrier(t)
	rec := httptest.NewRecorder()
	require.NoError(t, c.Create(rec, testSession()))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	ck := cookies[0]
	assert.Equal(t, "session", ck.Name)
	assert.True(t, ck.HttpOnly)
	assert.True(t, ck.Secure)
	assert.Equal(t, http.SameSiteStrictMode, ck.SameSite)
	assert.Equal(t, "/", ck.Path)
	assert.Equal(t, int((7 * 24 * time.Hour).Seconds()), ck.MaxAge)

	got := c.Read(withCookies(rec))
	require.NotNil(t, got)
	assert.Equal(t, *testSession(), *got)
}

func TestSessionCarrier_ReadRejects(t *testing.T) {
	c := newCarrier(t)
	rec := httptest.NewRecorder()
	require.NoError(t, c.Create(rec, testSession()))
	value := rec.Result().Cookies()[0].Value

	t.Run("missing", func(t *testing.T) {
		assert.Nil(t, c.Read(httptest.NewRequest(http.MethodGet, "/", nil)))
	})
	t.Run("tampered", func(t *testing.T) {
		parts := strings.Split(value, ".")
		parts[1] = parts[1][:len(parts[1])-2] + "AA"
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(&http.Cookie{Name: "session", Value: strings.Join(parts, ".")})
		assert.Nil(t, c.Read(r))
	})
	t.Run("other secret", func(t *testing.T) {
		other, err := NewSessionCarrier("another-secret")
		require.NoError(t, err)
		assert.Nil(t, other.Read(withCookies(rec)))
	})
	t.Run("expired", func(t *testing.T) {
		later := newCarrier(t)
		later.Now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
		assert.Nil(t, later.Read(withCookies(rec)))
	})
	t.Run("garbage", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(&http.Cookie{Name: "session", Value: "not-a-jwt"})
		assert.Nil(t, c.Read(r))
	})
}

func TestSessionCarrier_UpdateKeepsUser(t *testing.T) {
	c := newCarrier(t)
	rec := httptest.NewRecorder()
	require.NoError(t, c.Create(rec, testSession()))

	rec2 := httptest.NewRecorder()
	require.NoError(t, c.Update(rec2, withCookies(rec), Tokens{AccessToken: "access-2", RefreshToken: "refresh-2"}))
	got := c.Read(withCookies(rec2))
	require.NotNil(t, got)
	assert.Equal(t, "access-2", got.AccessToken)
	assert.Equal(t, "refresh-2", got.RefreshToken)
	assert.Equal(t, testSession().User, got.User)

	err := c.Update(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), Tokens{})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionCarrier_Destroy(t *testing.T) {
	c := newCarrier(t)
	rec := httptest.NewRecorder()
	c.Destroy(rec)
	ck := rec.Result().Cookies()[0]
	assert.Equal(t, "session", ck.Name)
	assert.Equal(t, -1, ck.MaxAge)
	assert.Empty(t, ck.Value)
}

func TestSessionCarrier_Bind(t *testing.T) {
	c := newCarrier(t)
	rec := httptest.NewRecorder()
	require.NoError(t, c.Create(rec, testSession()))

	out := httptest.NewRecorder()
	store := c.Bind(out, withCookies(rec))
	require.NotNil(t, store.Session())

	require.NoError(t, store.UpdateTokens(Tokens{AccessToken: "access-2", RefreshToken: "refresh-2"}))
	assert.Equal(t, "access-2", store.Session().AccessToken, "later reads see the update")
	assert.Equal(t, "access-2", c.Read(withCookies(out)).AccessToken)

	require.NoError(t, store.Destroy())
	assert.Nil(t, store.Session())
	assert.ErrorIs(t, store.UpdateTokens(Tokens{}), ErrNoSession)
}
