package masterauth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// maxBodyBytes caps every request body the API reads.
const maxBodyBytes = 1 << 20

// Success messages returned by the JSON API.
const (
	MsgSignupSuccess        = "Check your email address for verify your account."
	MsgEmailVerified        = "Your email successfully verified"
	MsgLoggedOut            = "Logged out"
	MsgPasswordReset        = "Your password has been reset"
	MsgScanQRCode           = "Scan the qrcode or setup secret key"
	MsgTwoFactorEnabled     = "Two-factor authentication successful."
	MsgTwoFactorDisabled    = "2FA Authentication disabled."
	MsgWebAuthnRegistered   = "Web Auth Registration successful"
	MsgWebAuthnVerified     = "verified"
	msgTokenRequired        = "Token is required"
	msgCodeRequired         = "Code are required"
	msgAllRequired          = "All are required"
	msgInvalidRequestBody   = "Invalid request body"
	msgUnknownOAuthProvider = "Unknown provider"
)

// API holds the JSON handlers. Every dependency is constructed by the caller.
type API struct {
	Auth      *Authenticator
	Passwords *PasswordAuth
	TOTP      *TOTPEngine
	WebAuthn  *WebAuthnEngine
	OAuth     *OAuthBridge
	Users     UserStore

	// Providers maps the {provider} path segment to its flow.
	Providers map[string]OAuthProvider
}

// OAuthProvider is one provider's authorization code flow.
type OAuthProvider interface {
	Login(w http.ResponseWriter, r *http.Request)
	Callback(w http.ResponseWriter, r *http.Request)
}

type successBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeSuccess(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, successBody{Status: "success", Message: message})
}

// decodeBody reads a bounded JSON body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return BadRequest(msgInvalidRequestBody)
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(body) == 0 {
		return nil, BadRequest(msgInvalidRequestBody)
	}
	return body, nil
}

// POST /auth/signup {name, email, password}
func (a *API) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if _, err := a.Passwords.Register(r.Context(), req.Name, req.Email, req.Password); err != nil {
		WriteError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, MsgSignupSuccess)
}

// POST /auth/verify {token}
func (a *API) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Token == "" {
		WriteError(w, BadRequest(msgTokenRequired))
		return
	}
	if err := a.Passwords.VerifyEmail(r.Context(), req.Token); err != nil {
		WriteError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, MsgEmailVerified)
}

// POST /auth/signin {email, password}
func (a *API) HandleSignin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		WriteError(w, BadRequest(msgAllRequired))
		return
	}
	result, err := a.Passwords.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /auth/refresh {token}
func (a *API) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Token == "" {
		WriteError(w, BadRequest(msgTokenRequired))
		return
	}
	pair, err := a.Passwords.Refresh(r.Context(), req.Token)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// POST /auth/logout {token}. Always succeeds for a well-formed request.
func (a *API) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Token != "" {
		if err := a.Passwords.Logout(r.Context(), req.Token); err != nil {
			WriteError(w, err)
			return
		}
	}
	writeSuccess(w, http.StatusOK, MsgLoggedOut)
}

// POST /auth/forgot {email}
func (a *API) HandleForgot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Email == "" {
		WriteError(w, BadRequest(msgAllRequired))
		return
	}
	if err := a.Passwords.ForgotPassword(r.Context(), req.Email); err != nil {
		WriteError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, MsgResetSent)
}

// POST /auth/reset {token, password}
func (a *API) HandleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Token == "" {
		WriteError(w, BadRequest(msgTokenRequired))
		return
	}
	if err := a.Passwords.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		WriteError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, MsgPasswordReset)
}

// GET /auth/getUser
func (a *API) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "user": user.Public()})
}

// GET /admin/users/{id}
func (a *API) HandleAdminGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.Users.GetUserByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			err = NotFound("User not found")
		}
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "user": user.Public()})
}

// GET /auth/{provider}/login
func (a *API) HandleProviderLogin(w http.ResponseWriter, r *http.Request) {
	if p := a.provider(w, r); p != nil {
		p.Login(w, r)
	}
}

// GET /auth/{provider}/callback
func (a *API) HandleProviderCallback(w http.ResponseWriter, r *http.Request) {
	if p := a.provider(w, r); p != nil {
		p.Callback(w, r)
	}
}

func (a *API) provider(w http.ResponseWriter, r *http.Request) OAuthProvider {
	p, ok := a.Providers[strings.ToLower(mux.Vars(r)["provider"])]
	if !ok {
		WriteError(w, NotFound(msgUnknownOAuthProvider))
		return nil
	}
	return p
}

// GET /security/generate
func (a *API) HandleTOTPGenerate(w http.ResponseWriter, r *http.Request) {
	setup, err := a.TOTP.Generate(r.Context(), UserFromContext(r.Context()).ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     MsgScanQRCode,
		"secretKey":   setup.SecretKey,
		"qrcodeImage": setup.QRCodeImage,
		"otpauthUrl":  setup.URL,
	})
}

type codeRequest struct {
	Code  string `json:"code"`
	Email string `json:"email,omitempty"`
}

// POST /security/verify {code}
func (a *API) HandleTOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Code == "" {
		WriteError(w, BadRequest(msgCodeRequired))
		return
	}
	if err := a.TOTP.Verify(r.Context(), UserFromContext(r.Context()).ID, req.Code); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": MsgTwoFactorEnabled, "enable2FA": true})
}

// POST /security/off {code}
func (a *API) HandleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Code == "" {
		WriteError(w, BadRequest(msgCodeRequired))
		return
	}
	if err := a.TOTP.Disable(r.Context(), UserFromContext(r.Context()).ID, req.Code); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": MsgTwoFactorDisabled})
}

// POST /security/twoFaLogin {email, code}
func (a *API) HandleTOTPLogin(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Code == "" || req.Email == "" {
		WriteError(w, BadRequest(msgAllRequired))
		return
	}
	result, err := a.TOTP.LoginWithCode(r.Context(), req.Email, req.Code)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /security/generateRegister
func (a *API) HandleWebAuthnBeginRegistration(w http.ResponseWriter, r *http.Request) {
	opts, err := a.WebAuthn.BeginRegistration(r.Context(), UserFromContext(r.Context()).ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

// POST /security/verifyRegister
func (a *API) HandleWebAuthnFinishRegistration(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := a.WebAuthn.FinishRegistration(r.Context(), UserFromContext(r.Context()).ID, body); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": MsgWebAuthnRegistered})
}

// GET /security/startAuthenticate
func (a *API) HandleWebAuthnBeginLogin(w http.ResponseWriter, r *http.Request) {
	opts, err := a.WebAuthn.BeginLogin(r.Context(), UserFromContext(r.Context()).ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

// POST /security/verifyAuthenticate
func (a *API) HandleWebAuthnFinishLogin(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := a.WebAuthn.FinishLogin(r.Context(), UserFromContext(r.Context()).ID, body); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": MsgWebAuthnVerified})
}
