package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/medmate/portal/internal/services/auth/identity"
)

// registerPasskey drives a full registration ceremony for the account.
func (env *testEnv) registerPasskey(account identity.Identity, credentialID string, signCount uint32) string {
	env.t.Helper()

	env.engine.credential = &webauthn.Credential{
		ID:            []byte(credentialID),
		Authenticator: webauthn.Authenticator{SignCount: signCount},
	}
	bearer := env.accessToken(account)

	begin := env.do(http.MethodPost, "/passkeys/register/begin", bearer, struct{}{})
	if begin.Code != http.StatusOK {
		env.t.Fatalf("begin registration status = %d: %s", begin.Code, begin.Body.String())
	}
	var beginResp beginCeremonyResponse
	decodeBody(env.t, begin, &beginResp)

	finish := env.do(http.MethodPost, "/passkeys/register/finish", bearer, finishRegistrationRequest{
		ChallengeID:        beginResp.ChallengeID,
		Label:              "Work laptop",
		CredentialResponse: []byte(`{}`),
	})
	if finish.Code != http.StatusCreated {
		env.t.Fatalf("finish registration status = %d: %s", finish.Code, finish.Body.String())
	}
	var view passkeyView
	decodeBody(env.t, finish, &view)
	return view.CredentialID
}

func TestPasskeyRegistrationCeremony(t *testing.T) {
	env := newTestEnv(t)
	account := env.addAccount("doctor@example.com", identity.RoleDoctor, testPassword, false)

	credentialID := env.registerPasskey(account, "cred-1", 0)

	stored, err := env.stores.GetPasskeyCredential(context.Background(), credentialID)
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	if stored.IdentityID != account.ID {
		t.Fatalf("IdentityID = %q, want %q", stored.IdentityID, account.ID)
	}
	if stored.Label != "Work laptop" {
		t.Fatalf("Label = %q, want Work laptop", stored.Label)
	}
}

func TestPasskeyRegistrationChallengeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	account := env.addAccount("doctor@example.com", identity.RoleDoctor, testPassword, false)
	env.engine.credential = &webauthn.Credential{ID: []byte("cred-1")}
	bearer := env.accessToken(account)

	begin := env.do(http.MethodPost, "/passkeys/register/begin", bearer, struct{}{})
	var beginResp beginCeremonyResponse
	decodeBody(t, begin, &beginResp)

	finish := env.do(http.MethodPost, "/passkeys/register/finish", bearer, finishRegistrationRequest{
		ChallengeID:        beginResp.ChallengeID,
		CredentialResponse: []byte(`{}`),
	})
	if finish.Code != http.StatusCreated {
		t.Fatalf("finish status = %d: %s", finish.Code, finish.Body.String())
	}

	replay := env.do(http.MethodPost, "/passkeys/register/finish", bearer, finishRegistrationRequest{
		ChallengeID:        beginResp.ChallengeID,
		CredentialResponse: []byte(`{}`),
	})
	if replay.Code != http.StatusBadRequest {
		t.Fatalf("replayed challenge status = %d, want %d", replay.Code, http.StatusBadRequest)
	}
	if code := errorCodeOf(t, replay); code != "CHALLENGE_INVALID" {
		t.Fatalf("replay error code = %q, want CHALLENGE_INVALID", code)
	}
}

func TestPasskeyLoginHinted(t *testing.T) {
	env := newTestEnv(t)
	account := env.addAccount("doctor@example.com", identity.RoleDoctor, testPassword, true)
	env.registerPasskey(account, "cred-1", 1)
	env.parser.rawID = []byte("cred-1")
	env.engine.credential = &webauthn.Credential{
		ID:            []byte("cred-1"),
		Authenticator: webauthn.Authenticator{SignCount: 2},
	}

	begin := env.do(http.MethodPost, "/passkeys/login/begin", "", beginLoginRequest{Email: "doctor@example.com"})
	if begin.Code != http.StatusOK {
		t.Fatalf("begin status = %d: %s", begin.Code, begin.Body.String())
	}
	var beginResp beginCeremonyResponse
	decodeBody(t, begin, &beginResp)

	finish := env.do(http.MethodPost, "/passkeys/login/finish", "", finishLoginRequest{
		ChallengeID:        beginResp.ChallengeID,
		CredentialResponse: []byte(`{}`),
	})
	if finish.Code != http.StatusOK {
		t.Fatalf("finish status = %d: %s", finish.Code, finish.Body.String())
	}

	// A passkey assertion signs the caller in without the email second
	// factor, even though the account has it enabled.
	var resp loginResponse
	decodeBody(t, finish, &resp)
	if resp.RequiresSecondFactor {
		t.Fatal("passkey login must not require the email second factor")
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("expected a token pair")
	}

	stored, err := env.stores.GetPasskeyCredential(context.Background(), encodeCredentialID([]byte("cred-1")))
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	if stored.SignCount != 2 {
		t.Fatalf("SignCount = %d, want 2", stored.SignCount)
	}
	if stored.LastUsedAt == nil {
		t.Fatal("LastUsedAt not recorded")
	}
}

func TestPasskeyLoginBeginShapeDoesNotRevealAccounts(t *testing.T) {
	env := newTestEnv(t)
	account := env.addAccount("doctor@example.com", identity.RoleDoctor, testPassword, false)
	env.addAccount("keyless@example.com", identity.RoleNurse, testPassword, false)
	env.registerPasskey(account, "cred-1", 0)

	known := env.do(http.MethodPost, "/passkeys/login/begin", "", beginLoginRequest{Email: "doctor@example.com"})
	unknown := env.do(http.MethodPost, "/passkeys/login/begin", "", beginLoginRequest{Email: "nobody@example.com"})
	noCreds := env.do(http.MethodPost, "/passkeys/login/begin", "", beginLoginRequest{Email: "keyless@example.com"})

	if known.Code != http.StatusOK || unknown.Code != http.StatusOK || noCreds.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d, %d, want all %d", known.Code, unknown.Code, noCreds.Code, http.StatusOK)
	}

	var knownResp, unknownResp beginCeremonyResponse
	decodeBody(t, known, &knownResp)
	decodeBody(t, unknown, &unknownResp)
	if knownResp.ChallengeID == "" || unknownResp.ChallengeID == "" {
		t.Fatal("both ceremonies must issue a challenge id")
	}
}

func TestPasskeyLoginDiscoverable(t *testing.T) {
	env := newTestEnv(t)
	account := env.addAccount("doctor@example.com", identity.RoleDoctor, testPassword, false)
	env.registerPasskey(account, "cred-1", 1)
	env.parser.rawID = []byte("cred-1")
	env.engine.userHandle = account.ID
	env.engine.credential = &webauthn.Credential{
		ID:            []byte("cred-1"),
		Authenticator: webauthn.Authenticator{SignCount: 2},
	}

	begin := env.do(http.MethodPost, "/passkeys/login/begin", "", beginLoginRequest{})
	var beginResp beginCeremonyResponse
	decodeBody(t, begin, &beginResp)

	finish := env.do(http.MethodPost, "/passkeys/login/finish", "", finishLoginRequest{
		ChallengeID:        beginResp.ChallengeID,
		CredentialResponse: []byte(`{}`),
	})
	if finish.Code != http.StatusOK {
		t.Fatalf("finish status = %d: %s", finish.Code, finish.Body.String())
	}
	var resp loginResponse
	decodeBody(t, finish, &resp)
	if resp.Identity == nil || resp.Identity.ID != account.ID {
		t.Fatalf("identity = %+v, want id %q", resp.Identity, account.ID)
	}
}

func TestPasskeyLoginRejectsForeignCredential(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addAccount("owner@example.com", identity.RoleDoctor, testPassword, false)
	other := env.addAccount("other@example.com", identity.RoleNurse, testPassword, false)
	env.registerPasskey(owner, "cred-owner", 0)
	env.registerPasskey(other, "cred-other", 0)

	// Begin for the other account, then present the owner's credential.
	env.parser.rawID = []byte("cred-owner")
	begin := env.do(http.MethodPost, "/passkeys/login/begin", "", beginLoginRequest{Email: "other@example.com"})
	var beginResp beginCeremonyResponse
	decodeBody(t, begin, &beginResp)

	finish := env.do(http.MethodPost, "/passkeys/login/finish", "", finishLoginRequest{
		ChallengeID:        beginResp.ChallengeID,
		CredentialResponse: []byte(`{}`),
	})
	if finish.Code != http.StatusBadRequest {
		t.Fatalf("finish status = %d, want %d", finish.Code, http.StatusBadRequest)
	}
	if code := errorCodeOf(t, finish); code != "CREDENTIAL_IDENTITY_MISMATCH" {
		t.Fatalf("error code = %q, want CREDENTIAL_IDENTITY_MISMATCH", code)
	}
}

func TestPasskeyLoginRejectsClonedAuthenticator(t *testing.T) {
	env := newTestEnv(t)
	account := env.addAccount("doctor@example.com", identity.RoleDoctor, testPassword, false)
	env.registerPasskey(account, "cred-1", 5)
	env.parser.rawID = []byte("cred-1")
	env.engine.credential = &webauthn.Credential{
		ID:            []byte("cred-1"),
		Authenticator: webauthn.Authenticator{SignCount: 3, CloneWarning: true},
	}

	begin := env.do(http.MethodPost, "/passkeys/login/begin", "", beginLoginRequest{Email: "doctor@example.com"})
	var beginResp beginCeremonyResponse
	decodeBody(t, begin, &beginResp)

	finish := env.do(http.MethodPost, "/passkeys/login/finish", "", finishLoginRequest{
		ChallengeID:        beginResp.ChallengeID,
		CredentialResponse: []byte(`{}`),
	})
	if finish.Code != http.StatusBadRequest {
		t.Fatalf("finish status = %d, want %d", finish.Code, http.StatusBadRequest)
	}
	if code := errorCodeOf(t, finish); code != "VERIFICATION_FAILED" {
		t.Fatalf("error code = %q, want VERIFICATION_FAILED", code)
	}

	// The stored counter keeps its high-water mark.
	stored, err := env.stores.GetPasskeyCredential(context.Background(), encodeCredentialID([]byte("cred-1")))
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	if stored.SignCount != 5 {
		t.Fatalf("SignCount = %d, want 5", stored.SignCount)
	}
}

func TestPasskeyCounterNeverRegresses(t *testing.T) {
	env := newTestEnv(t)
	account := env.addAccount("doctor@example.com", identity.RoleDoctor, testPassword, false)
	env.registerPasskey(account, "cred-1", 10)
	env.parser.rawID = []byte("cred-1")
	env.engine.credential = &webauthn.Credential{
		ID:            []byte("cred-1"),
		Authenticator: webauthn.Authenticator{SignCount: 4},
	}

	begin := env.do(http.MethodPost, "/passkeys/login/begin", "", beginLoginRequest{Email: "doctor@example.com"})
	var beginResp beginCeremonyResponse
	decodeBody(t, begin, &beginResp)

	finish := env.do(http.MethodPost, "/passkeys/login/finish", "", finishLoginRequest{
		ChallengeID:        beginResp.ChallengeID,
		CredentialResponse: []byte(`{}`),
	})
	if finish.Code != http.StatusOK {
		t.Fatalf("finish status = %d: %s", finish.Code, finish.Body.String())
	}

	stored, err := env.stores.GetPasskeyCredential(context.Background(), encodeCredentialID([]byte("cred-1")))
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	if stored.SignCount != 10 {
		t.Fatalf("SignCount = %d, want the high-water mark 10", stored.SignCount)
	}

	// The ceremony JSON validates future assertions, so the high-water mark
	// must be in there too.
	var credential webauthn.Credential
	if err := json.Unmarshal([]byte(stored.CredentialJSON), &credential); err != nil {
		t.Fatalf("decode stored credential: %v", err)
	}
	if credential.Authenticator.SignCount != 10 {
		t.Fatalf("JSON SignCount = %d, want the high-water mark 10", credential.Authenticator.SignCount)
	}
}

func TestListPasskeysOnlyShowsOwn(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addAccount("owner@example.com", identity.RoleDoctor, testPassword, false)
	other := env.addAccount("other@example.com", identity.RoleNurse, testPassword, false)
	env.registerPasskey(owner, "cred-owner", 0)
	env.registerPasskey(other, "cred-other", 0)

	var listed struct {
		Passkeys []passkeyView `json:"passkeys"`
	}
	rr := env.do(http.MethodGet, "/passkeys", env.accessToken(owner), nil)
	decodeBody(t, rr, &listed)
	if len(listed.Passkeys) != 1 {
		t.Fatalf("owner sees %d passkeys, want 1", len(listed.Passkeys))
	}
	if listed.Passkeys[0].CredentialID != encodeCredentialID([]byte("cred-owner")) {
		t.Fatalf("listed credential = %q, want the owner's", listed.Passkeys[0].CredentialID)
	}
}

func TestRenameAndDeletePasskeyAreOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addAccount("owner@example.com", identity.RoleDoctor, testPassword, false)
	other := env.addAccount("other@example.com", identity.RoleNurse, testPassword, false)
	credentialID := env.registerPasskey(owner, "cred-owner", 0)

	rename := env.do(http.MethodPatch, "/passkeys/"+credentialID+"/rename", env.accessToken(other), renamePasskeyRequest{Label: "Stolen"})
	if rename.Code != http.StatusNotFound {
		t.Fatalf("foreign rename status = %d, want %d", rename.Code, http.StatusNotFound)
	}

	rename = env.do(http.MethodPatch, "/passkeys/"+credentialID+"/rename", env.accessToken(owner), renamePasskeyRequest{Label: "Home key"})
	if rename.Code != http.StatusOK {
		t.Fatalf("rename status = %d: %s", rename.Code, rename.Body.String())
	}
	stored, err := env.stores.GetPasskeyCredential(context.Background(), credentialID)
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	if stored.Label != "Home key" {
		t.Fatalf("Label = %q, want Home key", stored.Label)
	}

	del := env.do(http.MethodDelete, "/passkeys/"+credentialID, env.accessToken(other), nil)
	if del.Code != http.StatusNotFound {
		t.Fatalf("foreign delete status = %d, want %d", del.Code, http.StatusNotFound)
	}

	del = env.do(http.MethodDelete, "/passkeys/"+credentialID, env.accessToken(owner), nil)
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", del.Code, http.StatusNoContent)
	}
	if _, err := env.stores.GetPasskeyCredential(context.Background(), credentialID); err == nil {
		t.Fatal("credential still present after delete")
	}
}
