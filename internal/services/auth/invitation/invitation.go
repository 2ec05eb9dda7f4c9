// Package invitation provides time-boxed single-use onboarding invitations.
package invitation

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	apperrors "github.com/medmate/portal/internal/platform/errors"
	"github.com/medmate/portal/internal/platform/id"
	"github.com/medmate/portal/internal/services/auth/identity"
)

// Type distinguishes the two invitation flavors.
type Type string

const (
	TypeAdmin        Type = "ADMIN"
	TypeProfessional Type = "PROFESSIONAL"
)

// DefaultTTL is how long an invitation stays acceptable after issuance.
const DefaultTTL = 36 * time.Hour

// codeBytes sizes the random invitation code before encoding.
const codeBytes = 32

var (
	// ErrRoleRequired indicates a professional invitation without a role.
	ErrRoleRequired = apperrors.New(apperrors.CodeInvitationRoleRequired, "professional invitations require a role")
	// ErrRoleForbidden indicates a role outside the invitation type's set.
	ErrRoleForbidden = apperrors.New(apperrors.CodeInvitationRoleForbidden, "role is not allowed for this invitation type")
	// ErrInvalidType indicates an unrecognized invitation type.
	ErrInvalidType = apperrors.New(apperrors.CodeInvitationInvalidRole, "invitation type is not recognized")
	// ErrNoHospital indicates a professional invitation without a hospital.
	ErrNoHospital = apperrors.New(apperrors.CodeInvitationNoHospital, "professional invitations require a hospital")
	// ErrAlreadyUsed indicates an invitation that was accepted before.
	ErrAlreadyUsed = apperrors.New(apperrors.CodeInvitationAlreadyUsed, "invitation has already been used")
	// ErrExpired indicates an invitation past its expiry.
	ErrExpired = apperrors.New(apperrors.CodeInvitationExpired, "invitation has expired")
)

// Invitation is a single-use, time-boxed offer to create a portal account.
type Invitation struct {
	ID           string
	Code         string
	Type         Type
	Email        string
	Role         identity.Role
	HospitalID   string
	InviterID    string
	ExpiresAt    time.Time
	UsedAt       *time.Time
	AcceptedByID string
	CreatedAt    time.Time
}

// CreateInput describes the data needed to issue an invitation.
type CreateInput struct {
	Type       Type
	Email      string
	Role       identity.Role
	HospitalID string
	InviterID  string
	TTL        time.Duration
}

// NewCode generates an unguessable URL-safe invitation code.
func NewCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate invitation code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create issues an invitation after validating the type/role pairing.
//
// Admin invitations always carry the ADMIN role. Professional invitations
// must name a hospital and one of the clinical roles.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (Invitation, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	email, err := identity.NormalizeEmail(input.Email)
	if err != nil {
		return Invitation{}, err
	}

	role := input.Role
	switch input.Type {
	case TypeAdmin:
		if role != "" {
			return Invitation{}, ErrRoleForbidden
		}
		role = identity.RoleAdmin
	case TypeProfessional:
		if role == "" {
			return Invitation{}, ErrRoleRequired
		}
		if _, err := identity.ParseRole(string(role)); err != nil {
			return Invitation{}, err
		}
		if !identity.IsProfessional(role) {
			return Invitation{}, ErrRoleForbidden
		}
		if input.HospitalID == "" {
			return Invitation{}, ErrNoHospital
		}
	default:
		return Invitation{}, ErrInvalidType
	}

	code, err := NewCode()
	if err != nil {
		return Invitation{}, err
	}
	invitationID, err := idGenerator()
	if err != nil {
		return Invitation{}, fmt.Errorf("generate invitation id: %w", err)
	}

	ttl := input.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	createdAt := now().UTC()
	return Invitation{
		ID:         invitationID,
		Code:       code,
		Type:       input.Type,
		Email:      email,
		Role:       role,
		HospitalID: input.HospitalID,
		InviterID:  input.InviterID,
		ExpiresAt:  createdAt.Add(ttl),
		CreatedAt:  createdAt,
	}, nil
}

// IsUsed reports whether the invitation was already accepted.
func (inv Invitation) IsUsed() bool {
	return inv.UsedAt != nil
}

// IsExpired reports whether the invitation is past its expiry at the given
// instant.
func (inv Invitation) IsExpired(now time.Time) bool {
	return now.After(inv.ExpiresAt)
}

// Acceptable returns nil when the invitation can still be accepted.
//
// Used invitations report as used even after expiry so a caller can tell a
// spent code apart from a stale one.
func (inv Invitation) Acceptable(now time.Time) error {
	if inv.IsUsed() {
		return ErrAlreadyUsed
	}
	if inv.IsExpired(now) {
		return ErrExpired
	}
	return nil
}
