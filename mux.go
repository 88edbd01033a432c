package masterauth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
)

// APIPrefix is where the JSON API is mounted.
const APIPrefix = "/api/v1"

// NewOAuthSession returns the session manager holding OAuth CSRF state. It
// is only ever loaded on the provider login and callback routes.
func NewOAuthSession() *scs.SessionManager {
	s := scs.New()
	s.Lifetime = 10 * time.Minute
	s.Cookie.Name = "oauth_session"
	s.Cookie.HttpOnly = true
	s.Cookie.Secure = true
	s.Cookie.SameSite = http.SameSiteLaxMode
	return s
}

// Handler builds the router. session wraps the OAuth provider routes and may
// be nil when no provider is configured.
func (a *API) Handler(session *scs.SessionManager) http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, NotFound("Route not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, NewAuthError(KindBadRequest, http.StatusMethodNotAllowed, "Method not allowed"))
	})
	r.Use(mux.MiddlewareFunc(logRequests))

	v1 := r.PathPrefix(APIPrefix).Subrouter()
	v1.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, http.StatusOK, "ok")
	}).Methods(http.MethodGet)

	authed := func(h http.HandlerFunc, mws ...MiddlewareFunc) http.Handler {
		return Chain(h, append([]MiddlewareFunc{a.Auth.Authenticate}, mws...)...)
	}

	// Accounts
	v1.HandleFunc("/auth/signup", a.HandleSignup).Methods(http.MethodPost)
	v1.HandleFunc("/auth/verify", a.HandleVerify).Methods(http.MethodPost)
	v1.HandleFunc("/auth/signin", a.HandleSignin).Methods(http.MethodPost)
	v1.HandleFunc("/auth/refresh", a.HandleRefresh).Methods(http.MethodPost)
	v1.HandleFunc("/auth/logout", a.HandleLogout).Methods(http.MethodPost)
	v1.HandleFunc("/auth/forgot", a.HandleForgot).Methods(http.MethodPost)
	v1.HandleFunc("/auth/reset", a.HandleReset).Methods(http.MethodPost)
	v1.Handle("/auth/getUser", authed(a.HandleGetUser)).Methods(http.MethodGet)

	// OAuth providers
	var login, callback http.Handler = http.HandlerFunc(a.HandleProviderLogin), http.HandlerFunc(a.HandleProviderCallback)
	if session != nil {
		login, callback = session.LoadAndSave(login), session.LoadAndSave(callback)
	}
	v1.Handle("/auth/{provider}/login", login).Methods(http.MethodGet)
	v1.Handle("/auth/{provider}/callback", callback).Methods(http.MethodGet)

	// Two-factor
	v1.Handle("/security/generate", authed(a.HandleTOTPGenerate)).Methods(http.MethodGet)
	v1.Handle("/security/verify", authed(a.HandleTOTPVerify)).Methods(http.MethodPost)
	v1.Handle("/security/off", authed(a.HandleTOTPDisable)).Methods(http.MethodPost)
	v1.HandleFunc("/security/twoFaLogin", a.HandleTOTPLogin).Methods(http.MethodPost)

	// Passkeys
	v1.Handle("/security/generateRegister", authed(a.HandleWebAuthnBeginRegistration)).Methods(http.MethodGet)
	v1.Handle("/security/verifyRegister", authed(a.HandleWebAuthnFinishRegistration)).Methods(http.MethodPost)
	v1.Handle("/security/startAuthenticate", authed(a.HandleWebAuthnBeginLogin)).Methods(http.MethodGet)
	v1.Handle("/security/verifyAuthenticate", authed(a.HandleWebAuthnFinishLogin)).Methods(http.MethodPost)

	// Staff
	v1.Handle("/admin/users/{id}", authed(a.HandleAdminGetUser, RequireRoles(RoleAdmin, RoleModerator))).Methods(http.MethodGet)

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start))
	})
}
