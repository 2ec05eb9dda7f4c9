package rest

import (
	"context"
	"errors"
	"net/http"

	apperrors "github.com/medmate/portal/internal/platform/errors"
	"github.com/medmate/portal/internal/platform/obs"
	"github.com/medmate/portal/internal/services/auth/identity"
	"github.com/medmate/portal/internal/services/auth/notify"
	"github.com/medmate/portal/internal/services/auth/storage"
	"github.com/medmate/portal/internal/services/auth/token"
)

// errInvalidCredentials is the single answer for unknown emails and wrong
// passwords so responses cannot reveal which emails exist.
var errInvalidCredentials = apperrors.New(apperrors.CodeInvalidCredentials, "invalid email or password")

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Code     string `json:"code,omitempty"`
}

type loginResponse struct {
	RequiresSecondFactor bool          `json:"requires_2fa"`
	AccessToken          string        `json:"access_token,omitempty"`
	RefreshToken         string        `json:"refresh_token,omitempty"`
	Identity             *identityView `json:"identity,omitempty"`
}

type identityView struct {
	ID        string        `json:"id"`
	Email     string        `json:"email"`
	Role      identity.Role `json:"role"`
	Active    bool          `json:"active"`
	FirstName string        `json:"first_name,omitempty"`
	LastName  string        `json:"last_name,omitempty"`
	Hospital  string        `json:"hospital,omitempty"`
}

func viewOf(account identity.Identity) *identityView {
	return &identityView{
		ID:     account.ID,
		Email:  account.Email,
		Role:   account.Role,
		Active: account.Active,
	}
}

// sessionView builds the login identity payload, attaching the holder's
// name and hospital when a role profile exists.
func (a *API) sessionView(ctx context.Context, account identity.Identity) *identityView {
	view := viewOf(account)

	var hospitalID string
	switch account.Role {
	case identity.RoleAdmin:
		if profile, err := a.profiles.GetAdminProfile(ctx, account.ID); err == nil {
			view.FirstName = profile.FirstName
			view.LastName = profile.LastName
			hospitalID = profile.HospitalID
		}
	case identity.RoleDoctor, identity.RolePharmacist, identity.RoleNurse:
		if profile, err := a.profiles.GetProfessionalProfile(ctx, account.ID); err == nil {
			view.FirstName = profile.FirstName
			view.LastName = profile.LastName
			hospitalID = profile.HospitalID
		}
	}
	if hospitalID != "" {
		if hospital, err := a.hospitals.GetHospital(ctx, hospitalID); err == nil {
			view.Hospital = hospital.Name
		}
	}
	return view
}

// handleLogin runs the password step and, when enabled, the email second
// factor step of a login.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	email, err := identity.NormalizeEmail(req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Password == "" {
		writeError(w, apperrors.New(apperrors.CodeValidation, "password is required"))
		return
	}

	ctx := r.Context()
	addr := clientIP(r)

	locked, err := a.throttle.IsLockedOut(ctx, email, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	if locked {
		writeError(w, apperrors.New(apperrors.CodeRateLimited, "too many failed attempts, try again later"))
		return
	}

	account, err := a.identities.GetIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.recordLoginFailure(r, email, addr)
			writeError(w, errInvalidCredentials)
			return
		}
		writeError(w, err)
		return
	}
	if !account.VerifyPassword(req.Password) {
		a.recordLoginFailure(r, email, addr)
		writeError(w, errInvalidCredentials)
		return
	}
	if !account.Active {
		writeError(w, apperrors.New(apperrors.CodeIdentityInactive, "account is deactivated"))
		return
	}

	if account.TwoFactorEnabled {
		if req.Code == "" {
			if err := a.issueSecondFactorCode(r, account); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, loginResponse{RequiresSecondFactor: true})
			return
		}
		if !account.VerifySecondFactorCode(req.Code, a.now()) {
			a.recordLoginFailure(r, email, addr)
			writeError(w, apperrors.New(apperrors.CodeInvalidSecondFactor, "invalid or expired code"))
			return
		}
		// Spent: a code never authenticates twice.
		account.TwoFactorCode = ""
		account.TwoFactorCodeExpiresAt = nil
		account.UpdatedAt = a.now()
		if err := a.identities.PutIdentity(ctx, account); err != nil {
			writeError(w, err)
			return
		}
	}

	if err := a.throttle.Clear(ctx, email, addr); err != nil {
		writeError(w, err)
		return
	}

	pair, err := token.Issue(account, a.tokenConfig)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		Identity:     a.sessionView(ctx, account),
	})
}

// issueSecondFactorCode commits a fresh code to storage, then emails it.
// The commit happens first so a slow mail provider cannot leave an
// unverifiable code in flight.
func (a *API) issueSecondFactorCode(r *http.Request, account identity.Identity) error {
	code, err := identity.NewSecondFactorCode()
	if err != nil {
		return err
	}
	now := a.now()
	expiresAt := now.Add(a.secondFactorTTL)
	account.TwoFactorCode = code
	account.TwoFactorCodeExpiresAt = &expiresAt
	account.UpdatedAt = now
	if err := a.identities.PutIdentity(r.Context(), account); err != nil {
		return err
	}

	message := notify.SecondFactorMessage(account.Email, code, a.secondFactorTTL)
	if err := a.mailer.Send(r.Context(), message); err != nil {
		obs.Event("email.send_failed", map[string]any{"kind": "second_factor", "error": err.Error()})
	}
	return nil
}

func (a *API) recordLoginFailure(r *http.Request, email, addr string) {
	if _, err := a.throttle.RecordFailure(r.Context(), email, addr); err != nil {
		obs.Event("throttle.record_failed", map[string]any{"error": err.Error()})
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh exchanges a refresh token for a fresh pair.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	claims, err := token.Verify(req.RefreshToken, token.UseRefresh, a.tokenConfig)
	if err != nil {
		writeError(w, err)
		return
	}

	account, err := a.identities.GetIdentity(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "account no longer exists"))
		return
	}
	if !account.Active {
		writeError(w, apperrors.New(apperrors.CodeIdentityInactive, "account is deactivated"))
		return
	}

	pair, err := token.Issue(account, a.tokenConfig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		Identity:     a.sessionView(r.Context(), account),
	})
}

type secondFactorSetupRequest struct {
	Enabled bool   `json:"enabled"`
	Code    string `json:"code,omitempty"`
}

type secondFactorSetupResponse struct {
	Enabled      bool `json:"enabled"`
	RequiresCode bool `json:"requires_code,omitempty"`
}

// handleSecondFactorSetup toggles email second factor.
//
// Enabling takes effect immediately. Disabling needs proof of mailbox
// control: the first call without a code emails one, the second call with
// the valid code turns the factor off.
func (a *API) handleSecondFactorSetup(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}

	var req secondFactorSetupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	account := caller.Account
	if req.Enabled {
		if !account.TwoFactorEnabled {
			account.TwoFactorEnabled = true
			account.UpdatedAt = a.now()
			if err := a.identities.PutIdentity(r.Context(), account); err != nil {
				writeError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, secondFactorSetupResponse{Enabled: true})
		return
	}

	if !account.TwoFactorEnabled {
		writeJSON(w, http.StatusOK, secondFactorSetupResponse{Enabled: false})
		return
	}

	if req.Code == "" {
		if err := a.issueSecondFactorCode(r, account); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, secondFactorSetupResponse{Enabled: true, RequiresCode: true})
		return
	}

	if !account.VerifySecondFactorCode(req.Code, a.now()) {
		writeError(w, apperrors.New(apperrors.CodeInvalidSecondFactor, "invalid or expired code"))
		return
	}

	account.TwoFactorEnabled = false
	account.TwoFactorCode = ""
	account.TwoFactorCodeExpiresAt = nil
	account.UpdatedAt = a.now()
	if err := a.identities.PutIdentity(r.Context(), account); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secondFactorSetupResponse{Enabled: false})
}
