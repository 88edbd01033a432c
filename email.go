package masterauth

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/panyam/masterauth/email"
	"github.com/panyam/masterauth/queue"
)

// JobSendEmail is the queue job name for outbound account emails.
const JobSendEmail = "sendEmail"

const (
	SubjectVerifyEmail   = "Verify your email address."
	SubjectResetPassword = "Reset your password."
)

// EmailPayload is the queued body of a JobSendEmail job.
type EmailPayload struct {
	To      string `json:"receiverEmail"`
	Subject string `json:"subject"`
	HTML    string `json:"template"`
	Text    string `json:"text,omitempty"`
}

var emailTemplates = template.Must(template.New("verify").Parse(`<p>Hi {{.Name}},</p>
<p>Please verify your email address by clicking the link below.</p>
<p><a href="{{.Link}}">Verify email</a></p>
<p>If you did not create an account you can ignore this message.</p>`))

func init() {
	template.Must(emailTemplates.New("reset").Parse(`<p>Hi {{.Name}},</p>
<p>A password reset was requested for your account. The link below is valid for a short time.</p>
<p><a href="{{.Link}}">Reset password</a></p>
<p>If you did not request this you can ignore this message.</p>`))
}

// Mailer composes account emails and hands them to the queue. It never
// blocks on delivery and never fails the calling request.
type Mailer struct {
	Queue queue.Queue

	// ClientURL is the first-party client that hosts the verify and reset pages.
	ClientURL string

	// EnqueueTimeout bounds the handoff to the queue. Defaults to DefaultEnqueueTimeout.
	EnqueueTimeout time.Duration
}

const DefaultEnqueueTimeout = 5 * time.Second

func (m *Mailer) SendVerification(ctx context.Context, u *User, token string) {
	if !m.ready(SubjectVerifyEmail, u) {
		return
	}
	link := m.link("/verify", token)
	m.enqueue(ctx, "verify", u, SubjectVerifyEmail, link,
		fmt.Sprintf("Please verify your email by opening: %s", link))
}

func (m *Mailer) SendPasswordReset(ctx context.Context, u *User, token string) {
	if !m.ready(SubjectResetPassword, u) {
		return
	}
	link := m.link("/reset-password", token)
	m.enqueue(ctx, "reset", u, SubjectResetPassword, link,
		fmt.Sprintf("Reset your password by opening: %s", link))
}

func (m *Mailer) link(path, token string) string {
	return strings.TrimRight(m.ClientURL, "/") + path + "?token=" + url.QueryEscape(token)
}

func (m *Mailer) ready(subject string, u *User) bool {
	if m == nil || m.Queue == nil {
		slog.Warn("no email queue configured, dropping email", "subject", subject, "to", u.Email)
		return false
	}
	return true
}

func (m *Mailer) enqueue(ctx context.Context, tmpl string, u *User, subject, link, text string) {
	var buf bytes.Buffer
	if err := emailTemplates.ExecuteTemplate(&buf, tmpl, map[string]string{"Name": u.Name, "Link": link}); err != nil {
		slog.Error("rendering email failed", "template", tmpl, "error", err)
		return
	}
	job, err := queue.NewJob(JobSendEmail, EmailPayload{To: u.Email, Subject: subject, HTML: buf.String(), Text: text})
	if err != nil {
		slog.Error("building email job failed", "error", err)
		return
	}
	// Detached from the request but still bounded when the backend is down.
	timeout := m.EnqueueTimeout
	if timeout <= 0 {
		timeout = DefaultEnqueueTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := m.Queue.Enqueue(ctx, job); err != nil {
		slog.Error("enqueueing email failed", "subject", subject, "error", err)
	}
}

// EmailJobHandler delivers JobSendEmail jobs through provider. Returned
// errors make the queue retry.
func EmailJobHandler(provider email.Provider, from string) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		if job.Name != JobSendEmail {
			slog.Warn("ignoring unknown job", "name", job.Name, "id", job.ID)
			return nil
		}
		var p EmailPayload
		if err := job.Decode(&p); err != nil {
			// Undecodable payloads will never succeed.
			slog.Error("dropping malformed email job", "id", job.ID, "error", err)
			return nil
		}
		_, err := provider.Send(ctx, &email.Message{
			From:    from,
			To:      []string{p.To},
			Subject: p.Subject,
			Text:    p.Text,
			HTML:    p.HTML,
		})
		return err
	}
}
