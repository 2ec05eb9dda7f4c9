package storage

import (
	"context"
	"time"

	"github.com/medmate/portal/internal/platform/errors"
	"github.com/medmate/portal/internal/services/auth/identity"
	"github.com/medmate/portal/internal/services/auth/invitation"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// IdentityStore persists portal accounts.
type IdentityStore interface {
	PutIdentity(ctx context.Context, account identity.Identity) error
	GetIdentity(ctx context.Context, identityID string) (identity.Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error)
	ListIdentities(ctx context.Context, pageSize int, pageToken string) (IdentityPage, error)
	SetIdentityActive(ctx context.Context, identityID string, active bool, updatedAt time.Time) error
}

// IdentityPage describes a page of identity records.
type IdentityPage struct {
	Identities    []identity.Identity
	NextPageToken string
}

// Hospital is an organization staff accounts belong to.
type Hospital struct {
	ID                 string
	Name               string
	RegistrationNumber string
	Address            string
	ContactEmail       string
	ContactPhone       string
	CreatedAt          time.Time
}

// HospitalStore persists hospitals.
type HospitalStore interface {
	// GetOrCreateHospital resolves a hospital by exact name, creating it
	// when absent.
	GetOrCreateHospital(ctx context.Context, hospital Hospital) (Hospital, error)
	GetHospital(ctx context.Context, hospitalID string) (Hospital, error)
}

// AdminProfile holds the administrative attachment of an ADMIN identity.
type AdminProfile struct {
	IdentityID  string
	HospitalID  string
	FirstName   string
	LastName    string
	Position    string
	BadgeNumber string
	CreatedAt   time.Time
}

// ProfessionalProfile holds the clinical attachment of a professional
// identity.
type ProfessionalProfile struct {
	IdentityID     string
	HospitalID     string
	FirstName      string
	LastName       string
	Specialization string
	LicenseNumber  string
	Department     string
	CreatedAt      time.Time
}

// ProfileStore persists role profiles.
type ProfileStore interface {
	PutAdminProfile(ctx context.Context, profile AdminProfile) error
	GetAdminProfile(ctx context.Context, identityID string) (AdminProfile, error)
	PutProfessionalProfile(ctx context.Context, profile ProfessionalProfile) error
	GetProfessionalProfile(ctx context.Context, identityID string) (ProfessionalProfile, error)
}

// AcceptedInvitation carries everything written when an invitation is
// redeemed.
//
// The sqlite store applies it in one transaction: mark the invitation used,
// create the identity, and attach its role profile. Acceptance fails as a
// unit if the invitation was already consumed.
type AcceptedInvitation struct {
	Code                string
	UsedAt              time.Time
	Account             identity.Identity
	AdminProfile        *AdminProfile
	ProfessionalProfile *ProfessionalProfile
}

// InvitationStore persists onboarding invitations.
type InvitationStore interface {
	PutInvitation(ctx context.Context, inv invitation.Invitation) error
	GetInvitationByCode(ctx context.Context, code string) (invitation.Invitation, error)
	ListInvitationsByInviter(ctx context.Context, inviterID string) ([]invitation.Invitation, error)
	// AcceptInvitation atomically consumes the invitation and creates the
	// accepting account. Returns invitation.ErrAlreadyUsed when another
	// acceptance won the race.
	AcceptInvitation(ctx context.Context, accepted AcceptedInvitation) error
}

// PasskeyCredential stores a WebAuthn credential for an identity.
type PasskeyCredential struct {
	CredentialID string
	IdentityID   string
	Label        string
	// SignCount mirrors the authenticator counter inside CredentialJSON for
	// queries; updates never lower it.
	SignCount      uint32
	CredentialJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// PasskeyStore persists WebAuthn credentials.
type PasskeyStore interface {
	PutPasskeyCredential(ctx context.Context, credential PasskeyCredential) error
	GetPasskeyCredential(ctx context.Context, credentialID string) (PasskeyCredential, error)
	ListPasskeyCredentials(ctx context.Context, identityID string) ([]PasskeyCredential, error)
	RenamePasskeyCredential(ctx context.Context, credentialID, label string, updatedAt time.Time) error
	DeletePasskeyCredential(ctx context.Context, credentialID string) error
}
