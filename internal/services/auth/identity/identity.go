// Package identity provides portal account management.
package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	apperrors "github.com/medmate/portal/internal/platform/errors"
	"github.com/medmate/portal/internal/platform/id"
	"golang.org/x/crypto/bcrypt"
)

// Role is the closed set of portal account roles.
type Role string

const (
	RoleSuperuser  Role = "SUPERUSER"
	RoleAdmin      Role = "ADMIN"
	RoleDoctor     Role = "DOCTOR"
	RolePharmacist Role = "PHARMACIST"
	RoleNurse      Role = "NURSE"
)

// MinPasswordLength is the minimum accepted password length for new accounts.
const MinPasswordLength = 12

// SecondFactorCodeTTL is the default lifetime of an emailed login code.
const SecondFactorCodeTTL = 10 * time.Minute

var (
	// ErrEmptyEmail indicates a missing email address.
	ErrEmptyEmail = apperrors.New(apperrors.CodeIdentityEmptyEmail, "email is required")
	// ErrInvalidEmail indicates an email that does not parse as an address.
	ErrInvalidEmail = apperrors.New(apperrors.CodeIdentityInvalidEmail, "email is invalid")
	// ErrInvalidRole indicates a role outside the closed set.
	ErrInvalidRole = apperrors.New(apperrors.CodeIdentityInvalidRole, "role is not recognized")
	// ErrWeakPassword indicates a password below the minimum length.
	ErrWeakPassword = apperrors.New(apperrors.CodeIdentityWeakPassword,
		fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
)

// ParseRole validates a raw role value against the closed set.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleSuperuser:
		return RoleSuperuser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleDoctor:
		return RoleDoctor, nil
	case RolePharmacist:
		return RolePharmacist, nil
	case RoleNurse:
		return RoleNurse, nil
	default:
		return "", ErrInvalidRole
	}
}

// IsProfessional reports whether the role belongs to the clinical staff set.
func IsProfessional(role Role) bool {
	switch role {
	case RoleDoctor, RolePharmacist, RoleNurse:
		return true
	default:
		return false
	}
}

// Identity represents a portal account record.
type Identity struct {
	ID           string
	Email        string
	Role         Role
	Phone        string
	Active       bool
	PasswordHash string

	// Email second factor. Enabled by default for new accounts; the code and
	// expiry are only set while a login is pending the second step.
	TwoFactorEnabled       bool
	TwoFactorCode          string
	TwoFactorCodeExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateInput describes the data needed to create an identity.
type CreateInput struct {
	Email    string
	Password string
	Role     Role
	Phone    string
}

// NormalizeEmail lowercases and validates an email address.
func NormalizeEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmptyEmail
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(parsed.Address), nil
}

// Create builds a durable identity from validated input.
//
// The password is bcrypt-hashed; an empty password yields an account that can
// only authenticate through passkeys. Email second factor starts enabled,
// matching the provisioning default for staff accounts.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (Identity, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	email, err := NormalizeEmail(input.Email)
	if err != nil {
		return Identity{}, err
	}
	role, err := ParseRole(string(input.Role))
	if err != nil {
		return Identity{}, err
	}

	hash := ""
	if input.Password != "" {
		if len(input.Password) < MinPasswordLength {
			return Identity{}, ErrWeakPassword
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			return Identity{}, fmt.Errorf("hash password: %w", err)
		}
		hash = string(hashed)
	}

	identityID, err := idGenerator()
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity id: %w", err)
	}

	createdAt := now().UTC()
	return Identity{
		ID:               identityID,
		Email:            email,
		Role:             role,
		Phone:            strings.TrimSpace(input.Phone),
		Active:           true,
		PasswordHash:     hash,
		TwoFactorEnabled: true,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}, nil
}

// VerifyPassword reports whether the supplied password matches the stored
// hash. Accounts without a usable password never match.
func (i Identity) VerifyPassword(password string) bool {
	if i.PasswordHash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(i.PasswordHash), []byte(password)) == nil
}

// NewSecondFactorCode generates a 6-digit numeric login code.
func NewSecondFactorCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate second factor code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// VerifySecondFactorCode checks the supplied code against the stored one.
//
// Comparison is constant-time; a missing or expired stored code never
// verifies.
func (i Identity) VerifySecondFactorCode(code string, now time.Time) bool {
	if i.TwoFactorCode == "" || code == "" {
		return false
	}
	if i.TwoFactorCodeExpiresAt == nil || now.After(*i.TwoFactorCodeExpiresAt) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(i.TwoFactorCode), []byte(code)) == 1
}
