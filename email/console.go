package email

import (
	"context"
	"log"
	"strings"

	"github.com/google/uuid"
)

// ConsoleProvider is a development provider that logs emails instead of sending them
type ConsoleProvider struct{}

func (c *ConsoleProvider) Send(ctx context.Context, msg *Message) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}
	body := msg.Text
	if body == "" {
		body = msg.HTML
	}
	log.Printf("\n=== EMAIL ===")
	log.Printf("To: %s", strings.Join(msg.To, ", "))
	log.Printf("Subject: %s", msg.Subject)
	log.Printf("Body: %s", body)
	log.Printf("=============\n")
	return uuid.NewString(), nil
}

func (c *ConsoleProvider) Name() string {
	return "console"
}
