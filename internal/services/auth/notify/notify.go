// Package notify delivers portal emails: login codes and invitations.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Provider selects the outbound email implementation.
type Provider string

const (
	ProviderLog      Provider = "log"
	ProviderSMTP     Provider = "smtp"
	ProviderSendGrid Provider = "sendgrid"
)

// Config controls outbound email delivery.
type Config struct {
	Provider    Provider `env:"MEDMATE_EMAIL_PROVIDER" envDefault:"log"`
	FromAddress string   `env:"MEDMATE_EMAIL_FROM"     envDefault:"no-reply@medmate.example"`
	FromName    string   `env:"MEDMATE_EMAIL_FROM_NAME" envDefault:"MedMate Portal"`

	SendGridKey string `env:"MEDMATE_SENDGRID_API_KEY"`

	SMTPHost     string `env:"MEDMATE_SMTP_HOST"`
	SMTPPort     int    `env:"MEDMATE_SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"MEDMATE_SMTP_USERNAME"`
	SMTPPassword string `env:"MEDMATE_SMTP_PASSWORD"`

	// AcceptURLBase is the portal page invitation links point at; the code
	// is appended as a query parameter.
	AcceptURLBase string `env:"MEDMATE_INVITATION_ACCEPT_URL" envDefault:"http://localhost:8080/invitations/accept"`
}

// LoadConfigFromEnv reads email delivery configuration.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse email env: %w", err)
	}
	switch cfg.Provider {
	case ProviderLog, ProviderSMTP, ProviderSendGrid:
	default:
		return Config{}, fmt.Errorf("MEDMATE_EMAIL_PROVIDER must be log, smtp, or sendgrid")
	}
	if cfg.Provider == ProviderSendGrid && strings.TrimSpace(cfg.SendGridKey) == "" {
		return Config{}, fmt.Errorf("MEDMATE_SENDGRID_API_KEY is required for the sendgrid provider")
	}
	if cfg.Provider == ProviderSMTP && strings.TrimSpace(cfg.SMTPHost) == "" {
		return Config{}, fmt.Errorf("MEDMATE_SMTP_HOST is required for the smtp provider")
	}
	return cfg, nil
}

// Message is one outbound email.
type Message struct {
	ToEmail  string
	Subject  string
	TextBody string
}

// Mailer sends portal emails.
type Mailer interface {
	Send(ctx context.Context, message Message) error
}

// NewMailer builds the mailer the config names.
func NewMailer(cfg Config) Mailer {
	switch cfg.Provider {
	case ProviderSendGrid:
		return &SendGridMailer{cfg: cfg}
	case ProviderSMTP:
		return &SMTPMailer{cfg: cfg}
	default:
		return &LogMailer{}
	}
}

// SecondFactorMessage builds the login code email.
func SecondFactorMessage(toEmail, code string, ttl time.Duration) Message {
	return Message{
		ToEmail: toEmail,
		Subject: "Your MedMate Portal login code",
		TextBody: fmt.Sprintf(
			"Your login code is %s. It expires in %d minutes.\n\nIf you did not try to sign in, you can ignore this email.",
			code, int(ttl.Minutes()),
		),
	}
}

// InvitationMessage builds the invitation email.
func InvitationMessage(toEmail, acceptURLBase, code string, expiresAt time.Time) Message {
	link := acceptURLBase
	if strings.Contains(link, "?") {
		link += "&code=" + code
	} else {
		link += "?code=" + code
	}
	return Message{
		ToEmail: toEmail,
		Subject: "You have been invited to the MedMate Portal",
		TextBody: fmt.Sprintf(
			"You have been invited to create a MedMate Portal account.\n\nAccept the invitation here: %s\n\nThe invitation expires at %s.",
			link, expiresAt.UTC().Format(time.RFC3339),
		),
	}
}
