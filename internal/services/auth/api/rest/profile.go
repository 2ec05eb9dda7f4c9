package rest

import (
	"errors"
	"net/http"
	"strconv"

	apperrors "github.com/medmate/portal/internal/platform/errors"
	"github.com/medmate/portal/internal/services/auth/identity"
	"github.com/medmate/portal/internal/services/auth/storage"
)

type hospitalView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type adminProfileView struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Position    string `json:"position,omitempty"`
	BadgeNumber string `json:"staff_badge_number,omitempty"`
}

type professionalProfileView struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Specialization string `json:"specialization,omitempty"`
	LicenseNumber  string `json:"license_number,omitempty"`
	Department     string `json:"department,omitempty"`
}

type profileResponse struct {
	Identity            *identityView            `json:"identity"`
	Hospital            *hospitalView            `json:"hospital,omitempty"`
	AdminProfile        *adminProfileView        `json:"admin_profile,omitempty"`
	ProfessionalProfile *professionalProfileView `json:"professional_profile,omitempty"`
}

// handleProfile returns the caller's account with its role profile and
// hospital attachment.
func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}

	resp := profileResponse{Identity: viewOf(caller.Account)}

	var hospitalID string
	switch caller.Account.Role {
	case identity.RoleAdmin:
		profile, err := a.profiles.GetAdminProfile(r.Context(), caller.Account.ID)
		if err == nil {
			resp.AdminProfile = &adminProfileView{
				FirstName:   profile.FirstName,
				LastName:    profile.LastName,
				Position:    profile.Position,
				BadgeNumber: profile.BadgeNumber,
			}
			hospitalID = profile.HospitalID
		} else if !errors.Is(err, storage.ErrNotFound) {
			writeError(w, err)
			return
		}
	case identity.RoleDoctor, identity.RolePharmacist, identity.RoleNurse:
		profile, err := a.profiles.GetProfessionalProfile(r.Context(), caller.Account.ID)
		if err == nil {
			resp.ProfessionalProfile = &professionalProfileView{
				FirstName:      profile.FirstName,
				LastName:       profile.LastName,
				Specialization: profile.Specialization,
				LicenseNumber:  profile.LicenseNumber,
				Department:     profile.Department,
			}
			hospitalID = profile.HospitalID
		} else if !errors.Is(err, storage.ErrNotFound) {
			writeError(w, err)
			return
		}
	}

	if hospitalID != "" {
		hospital, err := a.hospitals.GetHospital(r.Context(), hospitalID)
		if err == nil {
			resp.Hospital = &hospitalView{ID: hospital.ID, Name: hospital.Name}
		} else if !errors.Is(err, storage.ErrNotFound) {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type createAdminRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	Phone        string `json:"phone,omitempty"`
	HospitalName string `json:"hospital_name"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Position     string `json:"position,omitempty"`
	BadgeNumber  string `json:"staff_badge_number,omitempty"`
}

// handleCreateAdmin creates a hospital administrator directly, without the
// invitation flow.
func (a *API) handleCreateAdmin(w http.ResponseWriter, r *http.Request) {
	var req createAdminRequest
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

	account, err := a.createAccount(r, identity.CreateInput{
		Email:    req.Email,
		Password: req.Password,
		Role:     identity.RoleAdmin,
		Phone:    req.Phone,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if err := a.profiles.PutAdminProfile(r.Context(), storage.AdminProfile{
		IdentityID:  account.ID,
		HospitalID:  hospital.ID,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Position:    req.Position,
		BadgeNumber: req.BadgeNumber,
		CreatedAt:   account.CreatedAt,
	}); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"identity": viewOf(account)})
}

type createProfessionalRequest struct {
	Email          string        `json:"email"`
	Password       string        `json:"password"`
	Role           identity.Role `json:"role"`
	Phone          string        `json:"phone,omitempty"`
	FirstName      string        `json:"first_name,omitempty"`
	LastName       string        `json:"last_name,omitempty"`
	Specialization string        `json:"specialization,omitempty"`
	LicenseNumber  string        `json:"license_number,omitempty"`
	Department     string        `json:"department,omitempty"`
}

// handleCreateProfessional creates a clinical staff account in the calling
// admin's hospital.
func (a *API) handleCreateProfessional(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}

	var req createProfessionalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !identity.IsProfessional(req.Role) {
		writeError(w, apperrors.New(apperrors.CodeIdentityInvalidRole, "role must be a clinical role"))
		return
	}

	adminProfile, err := a.profiles.GetAdminProfile(r.Context(), caller.Account.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, apperrors.New(apperrors.CodeInvitationNoHospital, "calling admin has no hospital"))
			return
		}
		writeError(w, err)
		return
	}

	account, err := a.createAccount(r, identity.CreateInput{
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
		Phone:    req.Phone,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if err := a.profiles.PutProfessionalProfile(r.Context(), storage.ProfessionalProfile{
		IdentityID:     account.ID,
		HospitalID:     adminProfile.HospitalID,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Specialization: req.Specialization,
		LicenseNumber:  req.LicenseNumber,
		Department:     req.Department,
		CreatedAt:      account.CreatedAt,
	}); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"identity": viewOf(account)})
}

// createAccount validates input, rejects duplicate emails, and persists the
// new identity.
func (a *API) createAccount(r *http.Request, input identity.CreateInput) (identity.Identity, error) {
	account, err := identity.Create(input, a.clock, a.idGenerator)
	if err != nil {
		return identity.Identity{}, err
	}

	if _, err := a.identities.GetIdentityByEmail(r.Context(), account.Email); err == nil {
		return identity.Identity{}, apperrors.New(apperrors.CodeIdentityEmailTaken, "an account with this email already exists")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return identity.Identity{}, err
	}

	if err := a.identities.PutIdentity(r.Context(), account); err != nil {
		return identity.Identity{}, err
	}
	return account, nil
}

type listUsersResponse struct {
	Users         []*identityView `json:"users"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

// handleListUsers pages through accounts for management screens.
//
// Superusers see everyone. Admins see only the clinical staff of their own
// hospital, so a page may come back shorter than requested.
func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}

	pageSize := 0
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, apperrors.New(apperrors.CodeValidation, "page_size must be a non-negative integer"))
			return
		}
		pageSize = parsed
	}

	var adminProfile storage.AdminProfile
	if caller.Account.Role == identity.RoleAdmin {
		profile, err := a.profiles.GetAdminProfile(r.Context(), caller.Account.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, apperrors.New(apperrors.CodeInvitationNoHospital, "calling admin has no hospital"))
				return
			}
			writeError(w, err)
			return
		}
		adminProfile = profile
	}

	page, err := a.identities.ListIdentities(r.Context(), pageSize, r.URL.Query().Get("page_token"))
	if err != nil {
		writeError(w, err)
		return
	}

	users := make([]*identityView, 0, len(page.Identities))
	for _, account := range page.Identities {
		if caller.Account.Role == identity.RoleAdmin {
			if !identity.IsProfessional(account.Role) {
				continue
			}
			profile, err := a.profiles.GetProfessionalProfile(r.Context(), account.ID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				writeError(w, err)
				return
			}
			if profile.HospitalID != adminProfile.HospitalID {
				continue
			}
		}
		users = append(users, viewOf(account))
	}

	writeJSON(w, http.StatusOK, listUsersResponse{
		Users:         users,
		NextPageToken: page.NextPageToken,
	})
}

func (a *API) handleActivateUser(w http.ResponseWriter, r *http.Request) {
	a.setUserActive(w, r, true)
}

func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	a.setUserActive(w, r, false)
}

// setUserActive toggles an account's active flag.
//
// Superusers can manage anyone. Admins can only manage clinical staff in
// their own hospital; admin and superuser accounts are off limits to them,
// and out-of-scope targets look like missing accounts.
func (a *API) setUserActive(w http.ResponseWriter, r *http.Request, active bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}

	target, err := a.identities.GetIdentity(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if caller.Account.Role == identity.RoleAdmin {
		if err := a.adminManages(r, caller, target); err != nil {
			writeError(w, err)
			return
		}
	}

	if err := a.identities.SetIdentityActive(r.Context(), target.ID, active, a.now()); err != nil {
		writeError(w, err)
		return
	}

	target.Active = active
	writeJSON(w, http.StatusOK, map[string]any{"identity": viewOf(target)})
}

func (a *API) adminManages(r *http.Request, caller Caller, target identity.Identity) error {
	if !identity.IsProfessional(target.Role) {
		return storage.ErrNotFound
	}

	adminProfile, err := a.profiles.GetAdminProfile(r.Context(), caller.Account.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeInvitationNoHospital, "calling admin has no hospital")
		}
		return err
	}
	targetProfile, err := a.profiles.GetProfessionalProfile(r.Context(), target.ID)
	if err != nil {
		return err
	}
	if targetProfile.HospitalID != adminProfile.HospitalID {
		return storage.ErrNotFound
	}
	return nil
}
