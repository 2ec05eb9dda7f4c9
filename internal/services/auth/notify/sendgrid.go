package notify

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridMailer delivers email through the SendGrid API.
type SendGridMailer struct {
	cfg Config
}

// Send delivers one message.
func (m *SendGridMailer) Send(ctx context.Context, message Message) error {
	from := mail.NewEmail(m.cfg.FromName, m.cfg.FromAddress)
	to := mail.NewEmail("", message.ToEmail)
	email := mail.NewSingleEmail(from, message.Subject, to, message.TextBody, "")

	client := sendgrid.NewSendClient(m.cfg.SendGridKey)
	response, err := client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	if response.StatusCode >= 300 {
		return fmt.Errorf("send email: status %d", response.StatusCode)
	}
	return nil
}
