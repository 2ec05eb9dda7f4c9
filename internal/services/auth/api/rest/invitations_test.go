package rest

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/medmate/portal/internal/services/auth/identity"
	"github.com/medmate/portal/internal/services/auth/storage"
)

// addAdmin creates an admin with a hospital attachment.
func (env *testEnv) addAdmin(email, hospitalName string) identity.Identity {
	env.t.Helper()
	admin := env.addAccount(email, identity.RoleAdmin, testPassword, false)
	hospital, err := env.stores.GetOrCreateHospital(context.Background(), storage.Hospital{
		Name:      hospitalName,
		CreatedAt: env.now,
	})
	if err != nil {
		env.t.Fatalf("create hospital: %v", err)
	}
	if err := env.stores.PutAdminProfile(context.Background(), storage.AdminProfile{
		IdentityID: admin.ID,
		HospitalID: hospital.ID,
		FirstName:  "Alex",
		LastName:   "Ortega",
		CreatedAt:  env.now,
	}); err != nil {
		env.t.Fatalf("create admin profile: %v", err)
	}
	return admin
}

func TestIssueAdminInvitation(t *testing.T) {
	env := newTestEnv(t)
	superuser := env.addAccount("root@example.com", identity.RoleSuperuser, testPassword, false)

	rr := env.do(http.MethodPost, "/invitations/admin", env.accessToken(superuser), issueAdminInvitationRequest{
		Email:        "new-admin@example.com",
		HospitalName: "St. Mary",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var view invitationView
	decodeBody(t, rr, &view)
	if view.Type != "ADMIN" || view.Role != identity.RoleAdmin {
		t.Fatalf("view = %+v, want ADMIN invitation", view)
	}
	if view.Status != "valid" {
		t.Fatalf("status = %q, want valid", view.Status)
	}
	if want := env.now.Add(36 * time.Hour); !view.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", view.ExpiresAt, want)
	}
	if len(view.Code) != 43 {
		t.Fatalf("code length = %d, want 43", len(view.Code))
	}

	sent := env.mailer.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if !strings.Contains(sent[0].TextBody, view.Code) {
		t.Fatal("invitation email does not carry the code")
	}
}

func TestIssueProfessionalInvitationForNurse(t *testing.T) {
	env := newTestEnv(t)
	admin := env.addAdmin("admin@example.com", "St. Mary")

	rr := env.do(http.MethodPost, "/invitations/professional", env.accessToken(admin), issueProfessionalInvitationRequest{
		Email: "nurse@example.com",
		Role:  identity.RoleNurse,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var view invitationView
	decodeBody(t, rr, &view)
	if view.Type != "PROFESSIONAL" || view.Role != identity.RoleNurse {
		t.Fatalf("view = %+v, want PROFESSIONAL nurse invitation", view)
	}

	// End to end: the nurse accepts and can then log in.
	accept := env.do(http.MethodPost, "/invitations/"+view.Code+"/accept", "", acceptInvitationRequest{
		Password:  testPassword,
		FirstName: "Ada",
		LastName:  "Ramos",
	})
	if accept.Code != http.StatusCreated {
		t.Fatalf("accept status = %d: %s", accept.Code, accept.Body.String())
	}

	account, err := env.stores.GetIdentityByEmail(context.Background(), "nurse@example.com")
	if err != nil {
		t.Fatalf("load accepted account: %v", err)
	}
	if account.Role != identity.RoleNurse {
		t.Fatalf("role = %q, want NURSE", account.Role)
	}
	profile, err := env.stores.GetProfessionalProfile(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("load professional profile: %v", err)
	}
	if profile.FirstName != "Ada" {
		t.Fatalf("profile = %+v, want first name Ada", profile)
	}

	login := env.do(http.MethodPost, "/auth/login", "", loginRequest{
		Email:    "nurse@example.com",
		Password: testPassword,
	})
	if login.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", login.Code, login.Body.String())
	}
	var session loginResponse
	decodeBody(t, login, &session)
	if session.Identity == nil || session.Identity.FirstName != "Ada" || session.Identity.LastName != "Ramos" {
		t.Fatalf("login identity = %+v, want the profile name attached", session.Identity)
	}
	if session.Identity.Hospital != "St. Mary" {
		t.Fatalf("login hospital = %q, want %q", session.Identity.Hospital, "St. Mary")
	}
}

func TestAcceptInvitationLogsIn(t *testing.T) {
	env := newTestEnv(t)
	superuser := env.addAccount("root@example.com", identity.RoleSuperuser, testPassword, false)

	issue := env.do(http.MethodPost, "/invitations/admin", env.accessToken(superuser), issueAdminInvitationRequest{
		Email:        "new-admin@example.com",
		HospitalName: "St. Mary",
	})
	var view invitationView
	decodeBody(t, issue, &view)

	accept := env.do(http.MethodPost, "/invitations/"+view.Code+"/accept", "", acceptInvitationRequest{
		Password:    testPassword,
		FirstName:   "Ada",
		LastName:    "Ortega",
		Position:    "Director",
		BadgeNumber: "BADGE-9",
	})
	if accept.Code != http.StatusCreated {
		t.Fatalf("accept status = %d: %s", accept.Code, accept.Body.String())
	}

	var session loginResponse
	decodeBody(t, accept, &session)
	if session.AccessToken == "" || session.RefreshToken == "" {
		t.Fatal("acceptance did not return a token pair")
	}
	if session.Identity == nil || session.Identity.FirstName != "Ada" || session.Identity.Hospital != "St. Mary" {
		t.Fatalf("identity = %+v, want name and hospital attached", session.Identity)
	}

	// The pair is live immediately.
	profile := env.do(http.MethodGet, "/auth/profile", session.AccessToken, nil)
	if profile.Code != http.StatusOK {
		t.Fatalf("profile status = %d: %s", profile.Code, profile.Body.String())
	}
	var resp profileResponse
	decodeBody(t, profile, &resp)
	if resp.AdminProfile == nil || resp.AdminProfile.BadgeNumber != "BADGE-9" {
		t.Fatalf("admin profile = %+v, want badge BADGE-9", resp.AdminProfile)
	}
}

func TestIssueProfessionalInvitationRejectsAdminRole(t *testing.T) {
	env := newTestEnv(t)
	admin := env.addAdmin("admin@example.com", "St. Mary")

	rr := env.do(http.MethodPost, "/invitations/professional", env.accessToken(admin), issueProfessionalInvitationRequest{
		Email: "other@example.com",
		Role:  identity.RoleAdmin,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}
}

func TestIssueInvitationRejectsExistingEmail(t *testing.T) {
	env := newTestEnv(t)
	superuser := env.addAccount("root@example.com", identity.RoleSuperuser, testPassword, false)
	env.addAccount("taken@example.com", identity.RoleDoctor, testPassword, false)

	rr := env.do(http.MethodPost, "/invitations/admin", env.accessToken(superuser), issueAdminInvitationRequest{
		Email:        "taken@example.com",
		HospitalName: "St. Mary",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusConflict)
	}
}

func TestAcceptInvitationIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	superuser := env.addAccount("root@example.com", identity.RoleSuperuser, testPassword, false)

	issue := env.do(http.MethodPost, "/invitations/admin", env.accessToken(superuser), issueAdminInvitationRequest{
		Email:        "new-admin@example.com",
		HospitalName: "St. Mary",
	})
	var view invitationView
	decodeBody(t, issue, &view)

	first := env.do(http.MethodPost, "/invitations/"+view.Code+"/accept", "", acceptInvitationRequest{
		Password: testPassword,
	})
	if first.Code != http.StatusCreated {
		t.Fatalf("first accept status = %d: %s", first.Code, first.Body.String())
	}

	second := env.do(http.MethodPost, "/invitations/"+view.Code+"/accept", "", acceptInvitationRequest{
		Password: testPassword,
	})
	if second.Code != http.StatusConflict {
		t.Fatalf("second accept status = %d, want %d", second.Code, http.StatusConflict)
	}
}

func TestAcceptInvitationExpired(t *testing.T) {
	env := newTestEnv(t)
	superuser := env.addAccount("root@example.com", identity.RoleSuperuser, testPassword, false)

	issue := env.do(http.MethodPost, "/invitations/admin", env.accessToken(superuser), issueAdminInvitationRequest{
		Email:        "new-admin@example.com",
		HospitalName: "St. Mary",
	})
	var view invitationView
	decodeBody(t, issue, &view)

	env.advance(37 * time.Hour)
	rr := env.do(http.MethodPost, "/invitations/"+view.Code+"/accept", "", acceptInvitationRequest{
		Password: testPassword,
	})
	if rr.Code != http.StatusGone {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusGone)
	}

	// No account may exist for the failed acceptance.
	if _, err := env.stores.GetIdentityByEmail(context.Background(), "new-admin@example.com"); err == nil {
		t.Fatal("account was created from an expired invitation")
	}
}

func TestAcceptInvitationUnknownCode(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodPost, "/invitations/no-such-code/accept", "", acceptInvitationRequest{
		Password: testPassword,
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestGetInvitationReportsStatus(t *testing.T) {
	env := newTestEnv(t)
	superuser := env.addAccount("root@example.com", identity.RoleSuperuser, testPassword, false)

	issue := env.do(http.MethodPost, "/invitations/admin", env.accessToken(superuser), issueAdminInvitationRequest{
		Email:        "new-admin@example.com",
		HospitalName: "St. Mary",
	})
	var issued invitationView
	decodeBody(t, issue, &issued)

	get := env.do(http.MethodGet, "/invitations/"+issued.Code, "", nil)
	var view invitationView
	decodeBody(t, get, &view)
	if view.Status != "valid" {
		t.Fatalf("status = %q, want valid", view.Status)
	}

	accept := env.do(http.MethodPost, "/invitations/"+issued.Code+"/accept", "", acceptInvitationRequest{
		Password: testPassword,
	})
	if accept.Code != http.StatusCreated {
		t.Fatalf("accept status = %d: %s", accept.Code, accept.Body.String())
	}

	get = env.do(http.MethodGet, "/invitations/"+issued.Code, "", nil)
	decodeBody(t, get, &view)
	if view.Status != "used" {
		t.Fatalf("status after acceptance = %q, want used", view.Status)
	}
}

func TestListInvitationsScopedToInviter(t *testing.T) {
	env := newTestEnv(t)
	superuser := env.addAccount("root@example.com", identity.RoleSuperuser, testPassword, false)
	admin := env.addAdmin("admin@example.com", "St. Mary")

	issue := env.do(http.MethodPost, "/invitations/admin", env.accessToken(superuser), issueAdminInvitationRequest{
		Email:        "new-admin@example.com",
		HospitalName: "General",
	})
	if issue.Code != http.StatusCreated {
		t.Fatalf("issue status = %d: %s", issue.Code, issue.Body.String())
	}

	var listed struct {
		Invitations []invitationView `json:"invitations"`
	}
	rr := env.do(http.MethodGet, "/invitations", env.accessToken(superuser), nil)
	decodeBody(t, rr, &listed)
	if len(listed.Invitations) != 1 {
		t.Fatalf("superuser sees %d invitations, want 1", len(listed.Invitations))
	}

	rr = env.do(http.MethodGet, "/invitations", env.accessToken(admin), nil)
	decodeBody(t, rr, &listed)
	if len(listed.Invitations) != 0 {
		t.Fatalf("admin sees %d invitations, want 0", len(listed.Invitations))
	}
}
