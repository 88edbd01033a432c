// Package email holds the mail transports used to deliver account emails.
// Every transport implements Provider; which one is used is a deployment choice.
package email

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrProviderNotConfigured = errors.New("email provider not configured")
	ErrInvalidProvider       = errors.New("invalid email provider")
	ErrSendFailed            = errors.New("failed to send email")
)

// Provider sends transactional emails
type Provider interface {
	Send(ctx context.Context, msg *Message) (messageID string, err error)
	Name() string
}

// Message is a provider-agnostic email message
type Message struct {
	From    string
	To      []string
	Subject string
	Text    string // Plain text version
	HTML    string // HTML version (optional)
}

func (m *Message) validate() error {
	if m == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if len(m.To) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	if m.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if m.Text == "" && m.HTML == "" {
		return fmt.Errorf("text or HTML body is required")
	}
	return nil
}

// Settings selects and configures a provider.
type Settings struct {
	Provider string // console, mailgun or resend
	From     string

	MailgunAPIKey string
	MailgunDomain string
	MailgunRegion string

	ResendAPIKey string
}

// New builds the provider named by s.Provider. An empty name means console.
func New(s Settings) (Provider, error) {
	switch s.Provider {
	case "", "console":
		return &ConsoleProvider{}, nil
	case "mailgun":
		return NewMailgunProvider(s.MailgunAPIKey, s.MailgunDomain, s.From, s.MailgunRegion)
	case "resend":
		return NewResendProvider(s.ResendAPIKey, s.From)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidProvider, s.Provider)
}
