package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func required() map[string]string {
	return map[string]string{
		"JWT_SECRET":         "a",
		"JWT_SECRET_REFRESH": "b",
		"JWT_SECRET_ACTION":  "c",
		"DATABASE_URL":       "postgres://localhost/masterauth",
		"CLIENT_URL":         "https://app.example.com/",
	}
}

func TestLoadDefaults(t *testing.T) {
	c, err := LoadFrom(lookupFrom(required()))
	require.NoError(t, err)

	assert.Equal(t, "5500", c.Port)
	assert.Equal(t, "fs", c.StoreDriver)
	assert.Equal(t, "memory", c.QueueDriver)
	assert.Equal(t, "console", c.MailProvider)
	assert.Equal(t, time.Hour, c.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, c.RefreshTokenTTL)
	assert.False(t, c.RevokeRefreshTokens)
	assert.Equal(t, "https://app.example.com", c.ClientURL)
	assert.Equal(t, []string{"https://app.example.com"}, c.WebAuthnOrigins)
	assert.Equal(t, "http://localhost:5500/api/v1/auth", c.OAuthCallbackBase)
	assert.Empty(t, c.TOTPIssuer)
}

func TestLoadTOTPIssuerIndependentOfRPName(t *testing.T) {
	env := required()
	env["WEBAUTHN_RP_NAME"] = "Passkeys Inc"
	env["TOTP_ISSUER"] = "Acme"
	c, err := LoadFrom(lookupFrom(env))
	require.NoError(t, err)
	assert.Equal(t, "Passkeys Inc", c.WebAuthnRPName)
	assert.Equal(t, "Acme", c.TOTPIssuer)
}

func TestLoadReportsAllMissingKeys(t *testing.T) {
	_, err := LoadFrom(lookupFrom(map[string]string{"JWT_SECRET": "a"}))
	require.Error(t, err)
	for _, k := range []string{"JWT_SECRET_REFRESH", "JWT_SECRET_ACTION", "DATABASE_URL", "CLIENT_URL"} {
		assert.Contains(t, err.Error(), k)
	}
	assert.NotContains(t, err.Error(), "JWT_SECRET,")
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	env := required()
	env["ACCESS_TOKEN_TTL"] = "soon"
	env["REVOKE_REFRESH_TOKENS"] = "maybe"
	_, err := LoadFrom(lookupFrom(env))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ACCESS_TOKEN_TTL")
	assert.Contains(t, err.Error(), "REVOKE_REFRESH_TOKENS")
}

func TestLoadOverrides(t *testing.T) {
	env := required()
	env["STORE_DRIVER"] = "Mongo"
	env["REVOKE_REFRESH_TOKENS"] = "true"
	env["WEBAUTHN_ORIGINS"] = "https://a.example.com, https://b.example.com"
	env["REFRESH_TOKEN_TTL"] = "48h"
	c, err := LoadFrom(lookupFrom(env))
	require.NoError(t, err)
	assert.Equal(t, "mongo", c.StoreDriver)
	assert.True(t, c.RevokeRefreshTokens)
	assert.Equal(t, 48*time.Hour, c.RefreshTokenTTL)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, c.WebAuthnOrigins)
}

func TestLoadWeb(t *testing.T) {
	_, err := LoadWebFrom(lookupFrom(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_SECRET")
	assert.Contains(t, err.Error(), "API_URL")

	c, err := LoadWebFrom(lookupFrom(map[string]string{
		"API_URL":        "http://localhost:5500/api/v1/",
		"SESSION_SECRET": "s",
		"APP_ENV":        "production",
	}))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5500/api/v1", c.APIURL)
	assert.Equal(t, "3000", c.Port)
	assert.True(t, c.Secure)
}

func TestLoadDotEnv(t *testing.T) {
	dir, err := os.MkdirTemp("", "config-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MASTERAUTH_TEST_KEY=from-file\n"), 0o600))
	t.Setenv("MASTERAUTH_TEST_KEY", "")
	os.Unsetenv("MASTERAUTH_TEST_KEY")

	LoadDotEnv(path)
	assert.Equal(t, "from-file", os.Getenv("MASTERAUTH_TEST_KEY"))

	// Missing files are ignored.
	LoadDotEnv(filepath.Join(dir, "nope.env"))
}
