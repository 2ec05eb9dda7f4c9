package rest

import (
	"errors"
	"net/http"
	"time"

	apperrors "github.com/medmate/portal/internal/platform/errors"
	"github.com/medmate/portal/internal/platform/obs"
	"github.com/medmate/portal/internal/services/auth/identity"
	"github.com/medmate/portal/internal/services/auth/invitation"
	"github.com/medmate/portal/internal/services/auth/notify"
	"github.com/medmate/portal/internal/services/auth/storage"
	"github.com/medmate/portal/internal/services/auth/token"
)

type issueAdminInvitationRequest struct {
	Email        string `json:"email"`
	HospitalName string `json:"hospital_name"`
}

type issueProfessionalInvitationRequest struct {
	Email string        `json:"email"`
	Role  identity.Role `json:"role"`
}

type invitationView struct {
	Code      string        `json:"code"`
	Type      string        `json:"type"`
	Email     string        `json:"email"`
	Role      identity.Role `json:"role"`
	Status    string        `json:"status"`
	ExpiresAt time.Time     `json:"expires_at"`
	CreatedAt time.Time     `json:"created_at"`
}

func (a *API) invitationViewOf(inv invitation.Invitation) invitationView {
	status := "valid"
	switch {
	case inv.IsUsed():
		status = "used"
	case inv.IsExpired(a.now()):
		status = "expired"
	}
	return invitationView{
		Code:      inv.Code,
		Type:      string(inv.Type),
		Email:     inv.Email,
		Role:      inv.Role,
		Status:    status,
		ExpiresAt: inv.ExpiresAt,
		CreatedAt: inv.CreatedAt,
	}
}

// handleIssueAdminInvitation issues an ADMIN invitation, get-or-creating the
// target hospital by name.
func (a *API) handleIssueAdminInvitation(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}

	var req issueAdminInvitationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.HospitalName == "" {
		writeError(w, apperrors.New(apperrors.CodeInvitationNoHospital, "hospital name is required"))
		return
	}

	hospital, err := a.hospitals.GetOrCreateHospital(r.Context(), storage.Hospital{
		Name:      req.HospitalName,
		CreatedAt: a.now(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	a.issueInvitation(w, r, invitation.CreateInput{
		Type:       invitation.TypeAdmin,
		Email:      req.Email,
		HospitalID: hospital.ID,
		InviterID:  caller.Account.ID,
	})
}

// handleIssueProfessionalInvitation issues a clinical-staff invitation bound
// to the inviting admin's hospital.
func (a *API) handleIssueProfessionalInvitation(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}

	var req issueProfessionalInvitationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	profile, err := a.profiles.GetAdminProfile(r.Context(), caller.Account.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, apperrors.New(apperrors.CodeInvitationNoHospital, "inviting admin has no hospital"))
			return
		}
		writeError(w, err)
		return
	}

	a.issueInvitation(w, r, invitation.CreateInput{
		Type:       invitation.TypeProfessional,
		Email:      req.Email,
		Role:       req.Role,
		HospitalID: profile.HospitalID,
		InviterID:  caller.Account.ID,
	})
}

func (a *API) issueInvitation(w http.ResponseWriter, r *http.Request, input invitation.CreateInput) {
	input.TTL = a.invitationTTL
	inv, err := invitation.Create(input, a.clock, a.idGenerator)
	if err != nil {
		writeError(w, err)
		return
	}

	// Refuse to invite an email that already has an account.
	if _, err := a.identities.GetIdentityByEmail(r.Context(), inv.Email); err == nil {
		writeError(w, apperrors.New(apperrors.CodeIdentityEmailTaken, "an account with this email already exists"))
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeError(w, err)
		return
	}

	if err := a.invitations.PutInvitation(r.Context(), inv); err != nil {
		writeError(w, err)
		return
	}

	// Mail delivery is best-effort: the invitation is issued either way and
	// its code is in the response.
	message := notify.InvitationMessage(inv.Email, a.acceptURLBase, inv.Code, inv.ExpiresAt)
	if err := a.mailer.Send(r.Context(), message); err != nil {
		obs.Event("email.send_failed", map[string]any{"kind": "invitation", "error": err.Error()})
	}

	writeJSON(w, http.StatusCreated, a.invitationViewOf(inv))
}

// handleListInvitations returns invitations issued by the caller.
func (a *API) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}

	listed, err := a.invitations.ListInvitationsByInviter(r.Context(), caller.Account.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]invitationView, 0, len(listed))
	for _, inv := range listed {
		views = append(views, a.invitationViewOf(inv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": views})
}

// handleGetInvitation lets the invited person inspect an invitation before
// accepting it.
func (a *API) handleGetInvitation(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	inv, err := a.invitations.GetInvitationByCode(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.invitationViewOf(inv))
}

type acceptInvitationRequest struct {
	Password       string `json:"password"`
	Phone          string `json:"phone,omitempty"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	Position       string `json:"position,omitempty"`
	BadgeNumber    string `json:"staff_badge_number,omitempty"`
	Specialization string `json:"specialization,omitempty"`
	LicenseNumber  string `json:"license_number,omitempty"`
	Department     string `json:"department,omitempty"`
}

// handleAcceptInvitation redeems an invitation and creates the account.
//
// The account email always comes from the invitation, never from the
// request body, and consumption plus creation happen in one transaction.
func (a *API) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	var req acceptInvitationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	inv, err := a.invitations.GetInvitationByCode(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := inv.Acceptable(a.now()); err != nil {
		writeError(w, err)
		return
	}

	if _, err := a.identities.GetIdentityByEmail(r.Context(), inv.Email); err == nil {
		writeError(w, apperrors.New(apperrors.CodeIdentityEmailTaken, "an account with this email already exists"))
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeError(w, err)
		return
	}

	account, err := identity.Create(identity.CreateInput{
		Email:    inv.Email,
		Password: req.Password,
		Role:     inv.Role,
		Phone:    req.Phone,
	}, a.clock, a.idGenerator)
	if err != nil {
		writeError(w, err)
		return
	}

	accepted := storage.AcceptedInvitation{
		Code:    inv.Code,
		UsedAt:  a.now(),
		Account: account,
	}
	switch inv.Type {
	case invitation.TypeAdmin:
		accepted.AdminProfile = &storage.AdminProfile{
			IdentityID:  account.ID,
			HospitalID:  inv.HospitalID,
			FirstName:   req.FirstName,
			LastName:    req.LastName,
			Position:    req.Position,
			BadgeNumber: req.BadgeNumber,
			CreatedAt:   account.CreatedAt,
		}
	case invitation.TypeProfessional:
		accepted.ProfessionalProfile = &storage.ProfessionalProfile{
			IdentityID:     account.ID,
			HospitalID:     inv.HospitalID,
			FirstName:      req.FirstName,
			LastName:       req.LastName,
			Specialization: req.Specialization,
			LicenseNumber:  req.LicenseNumber,
			Department:     req.Department,
			CreatedAt:      account.CreatedAt,
		}
	}

	if err := a.invitations.AcceptInvitation(r.Context(), accepted); err != nil {
		writeError(w, err)
		return
	}

	// Acceptance doubles as the first login.
	pair, err := token.Issue(account, a.tokenConfig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loginResponse{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		Identity:     a.sessionView(r.Context(), account),
	})
}
