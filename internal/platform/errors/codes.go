// Package errors provides structured domain errors with HTTP mappings.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeValidation Code = "VALIDATION"

	// Identity errors
	CodeIdentityEmptyEmail   Code = "IDENTITY_EMPTY_EMAIL"
	CodeIdentityInvalidEmail Code = "IDENTITY_INVALID_EMAIL"
	CodeIdentityInvalidRole  Code = "IDENTITY_INVALID_ROLE"
	CodeIdentityWeakPassword Code = "IDENTITY_WEAK_PASSWORD"
	CodeIdentityInactive     Code = "IDENTITY_INACTIVE"
	CodeIdentityEmailTaken   Code = "IDENTITY_EMAIL_TAKEN"
	CodeInvalidCredentials   Code = "INVALID_CREDENTIALS"
	CodeInvalidSecondFactor  Code = "INVALID_SECOND_FACTOR"
	CodeSecondFactorState    Code = "SECOND_FACTOR_STATE"

	// Authorization errors
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"

	// Invitation errors
	CodeInvitationRoleRequired  Code = "INVITATION_ROLE_REQUIRED"
	CodeInvitationRoleForbidden Code = "INVITATION_ROLE_FORBIDDEN"
	CodeInvitationInvalidRole   Code = "INVITATION_INVALID_ROLE"
	CodeInvitationNoHospital    Code = "INVITATION_NO_HOSPITAL"
	CodeInvitationAlreadyUsed   Code = "INVITATION_ALREADY_USED"
	CodeInvitationExpired       Code = "INVITATION_EXPIRED"

	// Throttle errors
	CodeRateLimited Code = "RATE_LIMITED"

	// WebAuthn ceremony errors
	CodeChallengeInvalid           Code = "CHALLENGE_INVALID"
	CodeVerificationFailed         Code = "VERIFICATION_FAILED"
	CodeCredentialUnknown          Code = "CREDENTIAL_UNKNOWN"
	CodeCredentialIdentityMismatch Code = "CREDENTIAL_IDENTITY_MISMATCH"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeInternal Code = "INTERNAL"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, failed ceremonies, bad input
	case CodeValidation,
		CodeIdentityEmptyEmail,
		CodeIdentityInvalidEmail,
		CodeIdentityInvalidRole,
		CodeIdentityWeakPassword,
		CodeInvalidCredentials,
		CodeInvalidSecondFactor,
		CodeSecondFactorState,
		CodeInvitationRoleRequired,
		CodeInvitationRoleForbidden,
		CodeInvitationInvalidRole,
		CodeInvitationNoHospital,
		CodeChallengeInvalid,
		CodeVerificationFailed,
		CodeCredentialUnknown,
		CodeCredentialIdentityMismatch:
		return http.StatusBadRequest

	case CodeUnauthorized:
		return http.StatusUnauthorized

	case CodeForbidden, CodeIdentityInactive:
		return http.StatusForbidden

	case CodeNotFound:
		return http.StatusNotFound

	case CodeInvitationAlreadyUsed, CodeIdentityEmailTaken:
		return http.StatusConflict

	case CodeInvitationExpired:
		return http.StatusGone

	case CodeRateLimited:
		return http.StatusTooManyRequests

	default:
		return http.StatusInternalServerError
	}
}
