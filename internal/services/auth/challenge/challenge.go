// Package challenge stores pending WebAuthn ceremony state.
//
// A ceremony's begin step issues a challenge ticket keyed by an opaque id;
// the finish step consumes it exactly once. Tickets expire after the
// relying party session TTL.
package challenge

import (
	"context"
	"time"

	apperrors "github.com/medmate/portal/internal/platform/errors"
	"github.com/medmate/portal/internal/services/auth/passkey"
)

// keyPrefix namespaces challenge ids in shared key spaces.
const keyPrefix = "webauthn:challenge:"

// ErrNotFound indicates a challenge that is missing, expired, or already
// consumed.
var ErrNotFound = apperrors.New(apperrors.CodeChallengeInvalid, "challenge not found or expired")

// Ticket is the stored state of one pending ceremony.
type Ticket struct {
	Kind passkey.SessionKind `json:"kind"`
	// UserID is empty for discoverable (usernameless) login ceremonies.
	UserID      string `json:"user_id,omitempty"`
	SessionJSON string `json:"session_json"`
}

// Store persists pending ceremony challenges.
type Store interface {
	// Issue stores a ticket under the given id for ttl.
	Issue(ctx context.Context, id string, ticket Ticket, ttl time.Duration) error
	// Consume retrieves and deletes a ticket in one step. A second Consume
	// of the same id returns ErrNotFound.
	Consume(ctx context.Context, id string) (Ticket, error)
	// Discard removes a ticket without returning it. Missing ids are not an
	// error.
	Discard(ctx context.Context, id string) error
}
