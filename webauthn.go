package masterauth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"
)

const (
	MsgVerificationFailed        = "Verification failed."
	MsgAuthenticatorUnknown      = "Authenticator is not registered with this site"
	DefaultRegistrationTimeout   = 30 * time.Second
	DefaultAuthenticationTimeout = 60 * time.Second
)

type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string

	RegistrationTimeout   time.Duration
	AuthenticationTimeout time.Duration
}

// ceremonies is the cryptographic half of the engine: building options and
// verifying authenticator responses.
type ceremonies interface {
	beginRegistration(u webauthn.User) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	finishRegistration(u webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error)
	beginLogin(u webauthn.User) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	finishLogin(u webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error)
}

// WebAuthnEngine runs passkey registration and authentication ceremonies.
// Each user has at most one ceremony in flight: starting a new one
// overwrites the stored state of the previous one, and finishing either
// kind clears it whatever the outcome.
type WebAuthnEngine struct {
	Users UserStore
	rp    ceremonies
}

func NewWebAuthnEngine(users UserStore, cfg WebAuthnConfig) (*WebAuthnEngine, error) {
	rp, err := newGoWebAuthn(cfg)
	if err != nil {
		return nil, err
	}
	return &WebAuthnEngine{Users: users, rp: rp}, nil
}

// BeginRegistration returns creation options that exclude every
// authenticator already bound to the user.
func (e *WebAuthnEngine) BeginRegistration(ctx context.Context, userID string) (*protocol.PublicKeyCredentialCreationOptions, error) {
	user, err := e.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	creation, session, err := e.rp.beginRegistration(webAuthnUser{user})
	if err != nil {
		return nil, BadRequest(err.Error())
	}
	if err := e.storeSession(ctx, userID, session); err != nil {
		return nil, err
	}
	return &creation.Response, nil
}

// FinishRegistration verifies an attestation and binds the new credential.
// Resubmitting an already bound credential succeeds without a duplicate entry.
func (e *WebAuthnEngine) FinishRegistration(ctx context.Context, userID string, body []byte) error {
	user, session, err := e.takeSession(ctx, userID)
	if err != nil {
		return err
	}
	cred, err := e.rp.finishRegistration(webAuthnUser{user}, *session, body)
	if err != nil {
		slog.Warn("webauthn registration rejected", "user", userID, "error", err)
		return BadRequest(MsgVerificationFailed)
	}
	_, err = e.Users.AddCredential(ctx, userID, WebAuthnCredential{
		ID:              cred.ID,
		PublicKey:       cred.PublicKey,
		Counter:         cred.Authenticator.SignCount,
		Transports:      transportStrings(cred.Transport),
		AttestationType: cred.AttestationType,
		AAGUID:          cred.Authenticator.AAGUID,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
		CreatedAt:       time.Now().UTC(),
	})
	if errors.Is(err, ErrCredentialExists) {
		return BadRequest("Authenticator is registered to another account")
	}
	return err
}

// BeginLogin returns request options allowing only the user's own authenticators.
func (e *WebAuthnEngine) BeginLogin(ctx context.Context, userID string) (*protocol.PublicKeyCredentialRequestOptions, error) {
	user, err := e.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(user.Credentials) == 0 {
		return nil, BadRequest("No authenticators registered")
	}
	assertion, session, err := e.rp.beginLogin(webAuthnUser{user})
	if err != nil {
		return nil, BadRequest(err.Error())
	}
	if err := e.storeSession(ctx, userID, session); err != nil {
		return nil, err
	}
	return &assertion.Response, nil
}

// FinishLogin verifies an assertion. The asserted credential id is checked
// against the user's bound set before any cryptographic work is done.
func (e *WebAuthnEngine) FinishLogin(ctx context.Context, userID string, body []byte) error {
	user, session, err := e.takeSession(ctx, userID)
	if err != nil {
		return err
	}
	credID, err := assertedCredentialID(body)
	if err != nil {
		return BadRequest(MsgVerificationFailed)
	}
	bound := user.Credential(credID)
	if bound == nil {
		return BadRequest(MsgAuthenticatorUnknown)
	}

	cred, err := e.rp.finishLogin(webAuthnUser{user}, *session, body)
	if err != nil {
		slog.Warn("webauthn assertion rejected", "user", userID, "error", err)
		return BadRequest(MsgVerificationFailed)
	}
	if cred.Authenticator.CloneWarning {
		slog.Warn("webauthn signature counter went backwards", "user", userID)
		return BadRequest(MsgVerificationFailed)
	}
	return e.Users.UpdateCredentialCounter(ctx, userID, bound.ID, cred.Authenticator.SignCount)
}

func (e *WebAuthnEngine) user(ctx context.Context, userID string) (*User, error) {
	user, err := e.Users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, NotFound("User not found")
		}
		return nil, err
	}
	return user, nil
}

func (e *WebAuthnEngine) storeSession(ctx context.Context, userID string, session *webauthn.SessionData) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding webauthn session: %w", err)
	}
	return e.Users.SetChallenge(ctx, userID, string(data))
}

// takeSession loads the user with the outstanding ceremony state and clears
// it in the store.
func (e *WebAuthnEngine) takeSession(ctx context.Context, userID string) (*User, *webauthn.SessionData, error) {
	user, err := e.user(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if user.Challenge == "" {
		return nil, nil, BadRequest(MsgVerificationFailed)
	}
	if err := e.Users.SetChallenge(ctx, userID, ""); err != nil {
		return nil, nil, err
	}
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(user.Challenge), &session); err != nil {
		return nil, nil, BadRequest(MsgVerificationFailed)
	}
	return user, &session, nil
}

// assertedCredentialID pulls the raw credential id out of an assertion
// response without validating anything else in it.
func assertedCredentialID(body []byte) ([]byte, error) {
	var resp struct {
		ID    string `json:"id"`
		RawID string `json:"rawId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	id := resp.RawID
	if id == "" {
		id = resp.ID
	}
	if id == "" {
		return nil, errors.New("missing credential id")
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(id, "="))
}

// webAuthnUser adapts User to webauthn.User.
type webAuthnUser struct {
	u *User
}

func (w webAuthnUser) WebAuthnID() []byte          { return []byte(w.u.ID) }
func (w webAuthnUser) WebAuthnName() string        { return w.u.Email }
func (w webAuthnUser) WebAuthnDisplayName() string { return "MA-" + w.u.Name }

func (w webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(w.u.Credentials))
	for _, c := range w.u.Credentials {
		transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
		for _, t := range c.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		creds = append(creds, webauthn.Credential{
			ID:              c.ID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Transport:       transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: c.BackupEligible,
				BackupState:    c.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.Counter,
			},
		})
	}
	return creds
}

func transportStrings(transports []protocol.AuthenticatorTransport) []string {
	var result []string
	for _, t := range transports {
		result = append(result, string(t))
	}
	return result
}

// goWebAuthn implements ceremonies with github.com/go-webauthn/webauthn.
type goWebAuthn struct {
	w *webauthn.WebAuthn
}

func newGoWebAuthn(cfg WebAuthnConfig) (*goWebAuthn, error) {
	if cfg.RegistrationTimeout == 0 {
		cfg.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if cfg.AuthenticationTimeout == 0 {
		cfg.AuthenticationTimeout = DefaultAuthenticationTimeout
	}
	w, err := webauthn.New(&webauthn.Config{
		RPID:                  cfg.RPID,
		RPDisplayName:         cfg.RPDisplayName,
		RPOrigins:             cfg.RPOrigins,
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			RequireResidentKey:      protocol.ResidentKeyNotRequired(),
			ResidentKey:             protocol.ResidentKeyRequirementDiscouraged,
			UserVerification:        protocol.VerificationPreferred,
		},
		// Timeouts are advertised to the browser only; the stored ceremony
		// state itself does not expire.
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Timeout: cfg.AuthenticationTimeout},
			Registration: webauthn.TimeoutConfig{Timeout: cfg.RegistrationTimeout},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initializing webauthn: %w", err)
	}
	return &goWebAuthn{w: w}, nil
}

var credentialParams = []protocol.CredentialParameter{
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
}

func (g *goWebAuthn) beginRegistration(u webauthn.User) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	exclusions := make([]protocol.CredentialDescriptor, 0)
	for _, c := range u.WebAuthnCredentials() {
		exclusions = append(exclusions, c.Descriptor())
	}
	return g.w.BeginRegistration(u,
		webauthn.WithExclusions(exclusions),
		webauthn.WithCredentialParameters(credentialParams),
	)
}

func (g *goWebAuthn) finishRegistration(u webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return g.w.CreateCredential(u, session, parsed)
}

func (g *goWebAuthn) beginLogin(u webauthn.User) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return g.w.BeginLogin(u, webauthn.WithUserVerification(protocol.VerificationPreferred))
}

func (g *goWebAuthn) finishLogin(u webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return g.w.ValidateLogin(u, session, parsed)
}
