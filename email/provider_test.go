package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		want     string
		wantErr  bool
	}{
		{name: "default is console", settings: Settings{}, want: "console"},
		{name: "mailgun", settings: Settings{Provider: "mailgun", MailgunAPIKey: "key", MailgunDomain: "mg.example.com", From: "no-reply@example.com"}, want: "mailgun"},
		{name: "mailgun missing domain", settings: Settings{Provider: "mailgun", MailgunAPIKey: "key", From: "no-reply@example.com"}, wantErr: true},
		{name: "resend", settings: Settings{Provider: "resend", ResendAPIKey: "re_123", From: "no-reply@example.com"}, want: "resend"},
		{name: "resend missing from", settings: Settings{Provider: "resend", ResendAPIKey: "re_123"}, wantErr: true},
		{name: "unknown", settings: Settings{Provider: "carrier-pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.settings)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
		})
	}
}

func TestConsoleProvider_Validates(t *testing.T) {
	p := &ConsoleProvider{}
	_, err := p.Send(context.Background(), &Message{Subject: "hi", Text: "body"})
	assert.Error(t, err, "missing recipient")

	id, err := p.Send(context.Background(), &Message{To: []string{"a@x.com"}, Subject: "hi", HTML: "<p>body</p>"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}
