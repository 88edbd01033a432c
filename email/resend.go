package email

import (
	"context"
	"fmt"
	"time"

	"github.com/resend/resend-go/v2"
)

// ResendProvider sends emails via Resend API
type ResendProvider struct {
	client *resend.Client
	from   string
}

func NewResendProvider(apiKey, from string) (*ResendProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("resend API key is required")
	}
	if from == "" {
		return nil, fmt.Errorf("from address is required")
	}
	return &ResendProvider{client: resend.NewClient(apiKey), from: from}, nil
}

func (p *ResendProvider) Send(ctx context.Context, msg *Message) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}
	from := msg.From
	if from == "" {
		from = p.from
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	sent, err := p.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    from,
		To:      msg.To,
		Subject: msg.Subject,
		Text:    msg.Text,
		Html:    msg.HTML,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return sent.Id, nil
}

func (p *ResendProvider) Name() string {
	return "resend"
}
