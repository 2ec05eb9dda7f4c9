package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPMailer delivers email through a plain SMTP relay.
type SMTPMailer struct {
	cfg Config
	// sendMail is swapped in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// Send delivers one message.
func (m *SMTPMailer) Send(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s <%s>\r\n", m.cfg.FromName, m.cfg.FromAddress)
	fmt.Fprintf(&body, "To: %s\r\n", message.ToEmail)
	fmt.Fprintf(&body, "Subject: %s\r\n", message.Subject)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	body.WriteString(message.TextBody)

	var auth smtp.Auth
	if m.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", m.cfg.SMTPUsername, m.cfg.SMTPPassword, m.cfg.SMTPHost)
	}

	send := m.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.SMTPHost, m.cfg.SMTPPort)
	if err := send(addr, auth, m.cfg.FromAddress, []string{message.ToEmail}, []byte(body.String())); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
