package masterauth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

type userContextKey struct{}

// MiddlewareFunc wraps a handler. A middleware short-circuits by writing a
// response and not calling next.
type MiddlewareFunc func(next http.Handler) http.Handler

// Chain applies mws to h so that mws[0] runs first.
func Chain(h http.Handler, mws ...MiddlewareFunc) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// WithUser returns a context carrying the resolved identity.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFromContext returns the identity attached by Authenticate, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userContextKey{}).(*User)
	return u
}

// Authenticator resolves bearer access tokens to identities.
type Authenticator struct {
	Tokens *TokenService
	Users  UserStore

	// HeaderName defaults to "Authorization".
	HeaderName string
}

// Resolve verifies the bearer token in header and loads its user. Every
// failure is Unauthorized, including tokens for deleted accounts.
func (a *Authenticator) Resolve(ctx context.Context, header string) (*User, error) {
	token, ok := BearerToken(header)
	if !ok {
		return nil, Unauthorized("Unauthorized")
	}
	userID, err := a.Tokens.VerifyAccess(token)
	if err != nil {
		return nil, Unauthorized("Unauthorized")
	}
	user, err := a.Users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, Unauthorized("Unauthorized")
		}
		return nil, err
	}
	return user, nil
}

// Authenticate attaches the caller's identity to the request context or
// fails with 401.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	header := a.HeaderName
	if header == "" {
		header = "Authorization"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.Resolve(r.Context(), r.Header.Get(header))
		if err != nil {
			if !IsKind(err, KindUnauthorized) {
				slog.Error("resolving caller failed", "path", r.URL.Path, "error", err)
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// RequireRoles fails with 403 unless the authenticated user has one of roles.
// It must run after Authenticate; without an identity it fails with 401.
func RequireRoles(roles ...Role) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())
			if user == nil {
				WriteError(w, Unauthorized("Unauthorized"))
				return
			}
			if !user.HasRole(roles...) {
				WriteError(w, Forbidden("Forbidden: Insufficient permissions"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
