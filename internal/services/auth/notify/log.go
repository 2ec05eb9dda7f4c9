package notify

import (
	"context"

	"github.com/medmate/portal/internal/platform/obs"
)

// LogMailer records outbound email as log events instead of sending it.
//
// Default for development. Bodies carry login codes and invitation links, so
// only the recipient and subject are logged.
type LogMailer struct{}

// Send logs the message envelope.
func (m *LogMailer) Send(_ context.Context, message Message) error {
	obs.Event("email.send", map[string]any{
		"to":      message.ToEmail,
		"subject": message.Subject,
	})
	return nil
}
