package masterauth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	ma "github.com/panyam/masterauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createUserWithRole(t *testing.T, h *harness, addr string, role ma.Role) *ma.User {
	t.Helper()
	now := h.clock.Now()
	u := &ma.User{ID: uuid.NewString(), Name: string(role), Email: addr, Role: role, VerifiedAt: &now, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, h.users.CreateUser(context.Background(), u))
	return u
}

func TestBearerToken(t *testing.T) {
	tok, ok := ma.BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	tok, ok = ma.BearerToken("bearer   abc ")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	for _, bad := range []string{"", "Bearer", "Bearer ", "Basic abc", "abc"} {
		_, ok := ma.BearerToken(bad)
		assert.False(t, ok, bad)
	}
}

func TestAuthenticate(t *testing.T) {
	h := newHarness(t, nil)
	u := h.verifiedUser(t, "Alice", "alice@example.com", "password123")

	var seen *ma.User
	handler := h.auth.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ma.UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+h.accessToken(t, u))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, u.ID, seen.ID)

	refresh, err := h.tokens.IssueRefresh(u.ID)
	require.NoError(t, err)
	for _, header := range []string{"", "Bearer nope", "Bearer " + refresh} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
		assert.JSONEq(t, `{"status":"error","message":"Unauthorized","statusCode":401}`, rec.Body.String())
	}
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	h := newHarness(t, nil)
	u := h.verifiedUser(t, "Alice", "alice@example.com", "password123")
	token := h.accessToken(t, u)
	h.clock.Advance(ma.DefaultAccessTokenExpiry + time.Second)

	_, err := h.auth.Resolve(context.Background(), "Bearer "+token)
	assert.True(t, ma.IsKind(err, ma.KindUnauthorized))
}

func TestRequireRoles(t *testing.T) {
	h := newHarness(t, nil)
	user := h.verifiedUser(t, "Alice", "alice@example.com", "password123")
	admin := createUserWithRole(t, h, "root@example.com", ma.RoleAdmin)
	mod := createUserWithRole(t, h, "mod@example.com", ma.RoleModerator)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	handler := ma.Chain(ok, h.auth.Authenticate, ma.RequireRoles(ma.RoleAdmin, ma.RoleModerator))

	cases := []struct {
		user *ma.User
		want int
	}{
		{user, http.StatusForbidden},
		{admin, http.StatusNoContent},
		{mod, http.StatusNoContent},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+h.accessToken(t, c.user))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, c.want, rec.Code, c.user.Email)
	}

	// Without Authenticate in front there is no identity.
	rec := httptest.NewRecorder()
	ma.RequireRoles(ma.RoleAdmin)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
