package masterauth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	ma "github.com/panyam/masterauth"
	"github.com/panyam/masterauth/queue"
	"github.com/panyam/masterauth/stores/fs"
	"github.com/stretchr/testify/require"
)

// clock is a settable time source shared by every component in a harness.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// mailbox is a queue.Queue that keeps every enqueued job.
type mailbox struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (m *mailbox) Enqueue(ctx context.Context, job queue.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *mailbox) Start(ctx context.Context, h queue.Handler) error { return nil }
func (m *mailbox) Close() error                                     { return nil }

// messages returns the decoded emails sent to addr, oldest first.
func (m *mailbox) messages(t *testing.T, addr string) []ma.EmailPayload {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ma.EmailPayload
	for _, job := range m.jobs {
		var p ma.EmailPayload
		require.NoError(t, job.Decode(&p))
		if p.To == addr {
			out = append(out, p)
		}
	}
	return out
}

// lastToken extracts the action token from the newest email to addr.
func (m *mailbox) lastToken(t *testing.T, addr, subject string) string {
	t.Helper()
	msgs := m.messages(t, addr)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Subject != subject {
			continue
		}
		idx := strings.LastIndex(msgs[i].Text, "token=")
		require.GreaterOrEqual(t, idx, 0, "email has no token link")
		token, err := url.QueryUnescape(msgs[i].Text[idx+len("token="):])
		require.NoError(t, err)
		return token
	}
	t.Fatalf("no %q email sent to %s", subject, addr)
	return ""
}

// memRevoker is an in-memory ma.Revoker.
type memRevoker struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

func newMemRevoker() *memRevoker { return &memRevoker{revoked: map[string]time.Time{}} }

func (r *memRevoker) Revoke(ctx context.Context, jti string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[jti] = until
	return nil
}

func (r *memRevoker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.revoked[jti]
	return ok, nil
}

type harness struct {
	clock     *clock
	mail      *mailbox
	users     *fs.FSUserStore
	tokens    *ma.TokenService
	passwords *ma.PasswordAuth
	totp      *ma.TOTPEngine
	webauthn  *ma.WebAuthnEngine
	fake      *ma.FakeCeremonies
	auth      *ma.Authenticator
	bridge    *ma.OAuthBridge
	api       *ma.API
	server    *httptest.Server
}

// newHarness wires every component over a temporary FS store. revoker may be nil.
func newHarness(t *testing.T, revoker ma.Revoker) *harness {
	t.Helper()
	h := &harness{clock: newClock(), mail: &mailbox{}, users: fs.NewFSUserStore(t.TempDir())}

	tokens, err := ma.NewTokenService(ma.TokenConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		ActionSecret:  "action-secret",
		Revoker:       revoker,
		Now:           h.clock.Now,
	})
	require.NoError(t, err)
	h.tokens = tokens
	h.passwords = &ma.PasswordAuth{
		Users:  h.users,
		Tokens: tokens,
		Mailer: &ma.Mailer{Queue: h.mail, ClientURL: "http://client.test"},
		Now:    h.clock.Now,
	}
	h.totp = &ma.TOTPEngine{Users: h.users, Login: h.passwords, Now: h.clock.Now}
	h.webauthn, h.fake = ma.NewFakeWebAuthnEngine(h.users)
	h.auth = &ma.Authenticator{Tokens: tokens, Users: h.users}
	h.bridge = &ma.OAuthBridge{Users: h.users, Tokens: tokens, ClientURL: "http://client.test", Now: h.clock.Now}
	h.api = &ma.API{
		Auth:      h.auth,
		Passwords: h.passwords,
		TOTP:      h.totp,
		WebAuthn:  h.webauthn,
		OAuth:     h.bridge,
		Users:     h.users,
		Providers: map[string]ma.OAuthProvider{},
	}
	h.server = httptest.NewServer(h.api.Handler(ma.NewOAuthSession()))
	t.Cleanup(h.server.Close)
	return h
}

// verifiedUser registers and verifies an account.
func (h *harness) verifiedUser(t *testing.T, name, addr, password string) *ma.User {
	t.Helper()
	ctx := context.Background()
	_, err := h.passwords.Register(ctx, name, addr, password)
	require.NoError(t, err)
	require.NoError(t, h.passwords.VerifyEmail(ctx, h.mail.lastToken(t, addr, ma.SubjectVerifyEmail)))
	u, err := h.users.GetUserByEmail(ctx, addr)
	require.NoError(t, err)
	return u
}

func (h *harness) accessToken(t *testing.T, u *ma.User) string {
	t.Helper()
	token, err := h.tokens.IssueAccess(u.ID)
	require.NoError(t, err)
	return token
}

// call sends a JSON request to the test server and decodes the JSON reply.
func (h *harness) call(t *testing.T, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+ma.APIPrefix+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}
