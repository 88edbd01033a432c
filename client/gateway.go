package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshPath = "/auth/refresh"
	DefaultCallTimeout = 10 * time.Second

	maxErrorBody = 64 << 10
)

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Gateway sends authenticated calls to the backend. A 401 triggers one
// refresh and one retry; concurrent callers holding the same refresh token
// share a single refresh request.
type Gateway struct {
	BaseURL     string
	RefreshPath string
	HTTPClient  *http.Client

	refreshes singleflight.Group
}

func NewGateway(baseURL string) *Gateway {
	return &Gateway{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		RefreshPath: DefaultRefreshPath,
		HTTPClient:  &http.Client{Timeout: DefaultCallTimeout},
	}
}

// Do sends req with the session's access token. The caller closes the
// returned body. When the refresh fails the session is destroyed and the
// original 401 comes back as an *APIError. A nil store sends the call
// unauthenticated.
func (g *Gateway) Do(ctx context.Context, store SessionStore, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if req.Body != nil && req.GetBody == nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil }
	}

	var session *Session
	if store != nil {
		session = store.Session()
	}
	resp, err := g.send(req, session)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	original := readAPIError(resp)
	if session == nil || session.RefreshToken == "" {
		return nil, original
	}

	// Another request may have rotated the pair since the snapshot was taken.
	if current, rotated := rotatedSince(store, session); rotated {
		return g.resend(ctx, req, current)
	}

	tokens, err := g.refresh(ctx, session.RefreshToken)
	if err != nil {
		if current, rotated := rotatedSince(store, session); rotated {
			return g.resend(ctx, req, current)
		}
		slog.Info("session refresh failed", "error", err)
		if derr := store.Destroy(); derr != nil {
			slog.Error("destroying session failed", "error", derr)
		}
		return nil, original
	}
	if err := store.UpdateTokens(*tokens); err != nil {
		return nil, fmt.Errorf("persisting refreshed tokens: %w", err)
	}
	session.Tokens = *tokens
	return g.resend(ctx, req, session)
}

// rotatedSince returns the stored session when its refresh token is no
// longer the one in snapshot. A destroyed session counts as not rotated.
func rotatedSince(store SessionStore, snapshot *Session) (*Session, bool) {
	current := store.Session()
	if current == nil || current.RefreshToken == "" || current.RefreshToken == snapshot.RefreshToken {
		return nil, false
	}
	return current, true
}

// resend is the single retry after a 401.
func (g *Gateway) resend(ctx context.Context, req *http.Request, session *Session) (*http.Response, error) {
	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return g.send(retry, session)
}

// Call sends in as JSON to BaseURL+path and decodes a 2xx response into
// out. Non-2xx responses are returned as *APIError.
func (g *Gateway) Call(ctx context.Context, store SessionStore, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.Do(ctx, store, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (g *Gateway) send(req *http.Request, session *Session) (*http.Response, error) {
	if session != nil && session.AccessToken != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	}
	return g.client().Do(req)
}

func (g *Gateway) client() *http.Client {
	if g.HTTPClient != nil {
		return g.HTTPClient
	}
	return http.DefaultClient
}

func (g *Gateway) refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	v, err, _ := g.refreshes.Do(refreshToken, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultCallTimeout)
		defer cancel()

		data, err := json.Marshal(map[string]string{"token": refreshToken})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+g.RefreshPath, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := g.client().Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, readAPIError(resp)
		}
		var tokens Tokens
		if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
			return nil, err
		}
		if tokens.AccessToken == "" || tokens.RefreshToken == "" {
			return nil, fmt.Errorf("refresh response missing tokens")
		}
		return &tokens, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tokens), nil
}

// readAPIError consumes and closes resp's body.
func readAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body); err == nil && body.Message != "" {
		apiErr.Message = body.Message
	}
	return apiErr
}
