package masterauth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// FakeCeremonies stands in for the authenticator cryptography. Finish calls
// accept any body of the form {"id": "<base64url credential id>"} unless
// Reject is set.
type FakeCeremonies struct {
	mu sync.Mutex

	Reject       bool
	SignCount    uint32
	CloneWarning bool

	// FinishLoginCalls counts assertions that reached verification.
	FinishLoginCalls int
	// LastChallenge is the challenge handed to the most recent finish call.
	LastChallenge string

	issued int
}

// NewFakeWebAuthnEngine returns an engine whose ceremonies are fake.
func NewFakeWebAuthnEngine(users UserStore) (*WebAuthnEngine, *FakeCeremonies) {
	f := &FakeCeremonies{}
	return &WebAuthnEngine{Users: users, rp: f}, f
}

func (f *FakeCeremonies) next() string {
	f.issued++
	return "challenge-" + strings.Repeat("x", f.issued)
}

func descriptors(u webauthn.User) []protocol.CredentialDescriptor {
	out := []protocol.CredentialDescriptor{}
	for _, c := range u.WebAuthnCredentials() {
		out = append(out, c.Descriptor())
	}
	return out
}

func (f *FakeCeremonies) beginRegistration(u webauthn.User) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chal := f.next()
	creation := &protocol.CredentialCreation{Response: protocol.PublicKeyCredentialCreationOptions{
		Challenge:             protocol.URLEncodedBase64(chal),
		CredentialExcludeList: descriptors(u),
	}}
	return creation, &webauthn.SessionData{Challenge: chal, UserID: u.WebAuthnID()}, nil
}

func (f *FakeCeremonies) finishRegistration(u webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LastChallenge = session.Challenge
	if f.Reject {
		return nil, errors.New("attestation rejected")
	}
	id, err := fakeCredentialID(body)
	if err != nil {
		return nil, err
	}
	return &webauthn.Credential{
		ID:              id,
		PublicKey:       []byte("public-key-" + string(id)),
		AttestationType: "none",
		Transport:       []protocol.AuthenticatorTransport{protocol.Internal},
	}, nil
}

func (f *FakeCeremonies) beginLogin(u webauthn.User) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chal := f.next()
	assertion := &protocol.CredentialAssertion{Response: protocol.PublicKeyCredentialRequestOptions{
		Challenge:          protocol.URLEncodedBase64(chal),
		AllowedCredentials: descriptors(u),
	}}
	return assertion, &webauthn.SessionData{Challenge: chal, UserID: u.WebAuthnID()}, nil
}

func (f *FakeCeremonies) finishLogin(u webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FinishLoginCalls++
	f.LastChallenge = session.Challenge
	if f.Reject {
		return nil, errors.New("signature rejected")
	}
	id, err := fakeCredentialID(body)
	if err != nil {
		return nil, err
	}
	return &webauthn.Credential{
		ID: id,
		Authenticator: webauthn.Authenticator{
			SignCount:    f.SignCount,
			CloneWarning: f.CloneWarning,
		},
	}, nil
}

func fakeCredentialID(body []byte) ([]byte, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return base64.RawURLEncoding.DecodeString(resp.ID)
}
