package rest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/medmate/portal/internal/services/auth/identity"
	"github.com/medmate/portal/internal/services/auth/invitation"
	"github.com/medmate/portal/internal/services/auth/notify"
	"github.com/medmate/portal/internal/services/auth/storage"
)

// memStores is an in-memory implementation of the storage interfaces with
// the same single-use and counter semantics as the sqlite store.
type memStores struct {
	mu sync.Mutex

	identities  map[string]identity.Identity
	hospitals   map[string]storage.Hospital
	admins      map[string]storage.AdminProfile
	profs       map[string]storage.ProfessionalProfile
	invitations map[string]invitation.Invitation
	credentials map[string]storage.PasskeyCredential
}

func newMemStores() *memStores {
	return &memStores{
		identities:  make(map[string]identity.Identity),
		hospitals:   make(map[string]storage.Hospital),
		admins:      make(map[string]storage.AdminProfile),
		profs:       make(map[string]storage.ProfessionalProfile),
		invitations: make(map[string]invitation.Invitation),
		credentials: make(map[string]storage.PasskeyCredential),
	}
}

func (m *memStores) PutIdentity(_ context.Context, account identity.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[account.ID] = account
	return nil
}

func (m *memStores) GetIdentity(_ context.Context, id string) (identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.identities[id]
	if !ok {
		return identity.Identity{}, storage.ErrNotFound
	}
	return account, nil
}

func (m *memStores) GetIdentityByEmail(_ context.Context, email string) (identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, account := range m.identities {
		if account.Email == email {
			return account, nil
		}
	}
	return identity.Identity{}, storage.ErrNotFound
}

func (m *memStores) ListIdentities(_ context.Context, pageSize int, pageToken string) (storage.IdentityPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pageSize <= 0 {
		pageSize = 20
	}
	ids := make([]string, 0, len(m.identities))
	for id := range m.identities {
		if id > pageToken {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	page := storage.IdentityPage{}
	for _, id := range ids {
		if len(page.Identities) == pageSize {
			page.NextPageToken = page.Identities[pageSize-1].ID
			break
		}
		page.Identities = append(page.Identities, m.identities[id])
	}
	return page, nil
}

func (m *memStores) SetIdentityActive(_ context.Context, id string, active bool, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.identities[id]
	if !ok {
		return storage.ErrNotFound
	}
	account.Active = active
	account.UpdatedAt = updatedAt
	m.identities[id] = account
	return nil
}

func (m *memStores) GetOrCreateHospital(_ context.Context, hospital storage.Hospital) (storage.Hospital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.hospitals {
		if existing.Name == hospital.Name {
			return existing, nil
		}
	}
	if hospital.ID == "" {
		hospital.ID = "hospital-" + hospital.Name
	}
	m.hospitals[hospital.ID] = hospital
	return hospital, nil
}

func (m *memStores) GetHospital(_ context.Context, hospitalID string) (storage.Hospital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hospital, ok := m.hospitals[hospitalID]
	if !ok {
		return storage.Hospital{}, storage.ErrNotFound
	}
	return hospital, nil
}

func (m *memStores) PutAdminProfile(_ context.Context, profile storage.AdminProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[profile.IdentityID] = profile
	return nil
}

func (m *memStores) GetAdminProfile(_ context.Context, identityID string) (storage.AdminProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.admins[identityID]
	if !ok {
		return storage.AdminProfile{}, storage.ErrNotFound
	}
	return profile, nil
}

func (m *memStores) PutProfessionalProfile(_ context.Context, profile storage.ProfessionalProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profs[profile.IdentityID] = profile
	return nil
}

func (m *memStores) GetProfessionalProfile(_ context.Context, identityID string) (storage.ProfessionalProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.profs[identityID]
	if !ok {
		return storage.ProfessionalProfile{}, storage.ErrNotFound
	}
	return profile, nil
}

func (m *memStores) PutInvitation(_ context.Context, inv invitation.Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invitations[inv.Code] = inv
	return nil
}

func (m *memStores) GetInvitationByCode(_ context.Context, code string) (invitation.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[code]
	if !ok {
		return invitation.Invitation{}, storage.ErrNotFound
	}
	return inv, nil
}

func (m *memStores) ListInvitationsByInviter(_ context.Context, inviterID string) ([]invitation.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var listed []invitation.Invitation
	for _, inv := range m.invitations {
		if inv.InviterID == inviterID {
			listed = append(listed, inv)
		}
	}
	sort.Slice(listed, func(i, j int) bool {
		return listed[i].CreatedAt.After(listed[j].CreatedAt)
	})
	return listed, nil
}

func (m *memStores) AcceptInvitation(_ context.Context, accepted storage.AcceptedInvitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[accepted.Code]
	if !ok {
		return storage.ErrNotFound
	}
	if inv.UsedAt != nil {
		return invitation.ErrAlreadyUsed
	}
	usedAt := accepted.UsedAt
	inv.UsedAt = &usedAt
	inv.AcceptedByID = accepted.Account.ID
	m.invitations[accepted.Code] = inv
	m.identities[accepted.Account.ID] = accepted.Account
	if accepted.AdminProfile != nil {
		m.admins[accepted.Account.ID] = *accepted.AdminProfile
	}
	if accepted.ProfessionalProfile != nil {
		m.profs[accepted.Account.ID] = *accepted.ProfessionalProfile
	}
	return nil
}

func (m *memStores) PutPasskeyCredential(_ context.Context, credential storage.PasskeyCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.credentials[credential.CredentialID]
	if ok {
		// The durable store never lowers the counter and keeps the last
		// usage time when an update omits it.
		if existing.SignCount > credential.SignCount {
			credential.SignCount = existing.SignCount
		}
		if credential.LastUsedAt == nil {
			credential.LastUsedAt = existing.LastUsedAt
		}
		credential.CreatedAt = existing.CreatedAt
	}
	m.credentials[credential.CredentialID] = credential
	return nil
}

func (m *memStores) GetPasskeyCredential(_ context.Context, credentialID string) (storage.PasskeyCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	credential, ok := m.credentials[credentialID]
	if !ok {
		return storage.PasskeyCredential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (m *memStores) ListPasskeyCredentials(_ context.Context, identityID string) ([]storage.PasskeyCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var listed []storage.PasskeyCredential
	for _, credential := range m.credentials {
		if credential.IdentityID == identityID {
			listed = append(listed, credential)
		}
	}
	sort.Slice(listed, func(i, j int) bool {
		return listed[i].CredentialID < listed[j].CredentialID
	})
	return listed, nil
}

func (m *memStores) RenamePasskeyCredential(_ context.Context, credentialID, label string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	credential, ok := m.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	credential.Label = label
	credential.UpdatedAt = updatedAt
	m.credentials[credentialID] = credential
	return nil
}

func (m *memStores) DeletePasskeyCredential(_ context.Context, credentialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[credentialID]; !ok {
		return storage.ErrNotFound
	}
	delete(m.credentials, credentialID)
	return nil
}

// recordingMailer captures outbound messages instead of sending them.
type recordingMailer struct {
	mu       sync.Mutex
	messages []notify.Message
	err      error
}

func (m *recordingMailer) Send(_ context.Context, message notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, message)
	return nil
}

func (m *recordingMailer) sent() []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Message(nil), m.messages...)
}

// fakeEngine scripts the WebAuthn ceremony engine for handler tests.
type fakeEngine struct {
	credential  *webauthn.Credential
	userHandle  string
	beginErr    error
	validateErr error
}

func (f *fakeEngine) BeginRegistration(user webauthn.User, _ ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	if f.beginErr != nil {
		return nil, nil, f.beginErr
	}
	return &protocol.CredentialCreation{}, &webauthn.SessionData{Challenge: "reg-challenge", UserID: user.WebAuthnID()}, nil
}

func (f *fakeEngine) CreateCredential(_ webauthn.User, _ webauthn.SessionData, _ *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return f.credential, nil
}

func (f *fakeEngine) BeginLogin(user webauthn.User, _ ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	if f.beginErr != nil {
		return nil, nil, f.beginErr
	}
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{Challenge: "login-challenge", UserID: user.WebAuthnID()}, nil
}

func (f *fakeEngine) BeginDiscoverableLogin(_ ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	if f.beginErr != nil {
		return nil, nil, f.beginErr
	}
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{Challenge: "login-challenge"}, nil
}

func (f *fakeEngine) ValidateLogin(_ webauthn.User, _ webauthn.SessionData, _ *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return f.credential, nil
}

func (f *fakeEngine) ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, _ webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error) {
	if f.validateErr != nil {
		return nil, nil, f.validateErr
	}
	user, err := handler(parsed.RawID, []byte(f.userHandle))
	if err != nil {
		return nil, nil, err
	}
	return user, f.credential, nil
}

// fakeParser returns canned parse results so tests can drive the finish
// handlers without real authenticator payloads.
type fakeParser struct {
	rawID []byte
	err   error
}

func (f *fakeParser) ParseCredentialCreationResponseBytes(_ []byte) (*protocol.ParsedCredentialCreationData, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &protocol.ParsedCredentialCreationData{}, nil
}

func (f *fakeParser) ParseCredentialRequestResponseBytes(_ []byte) (*protocol.ParsedCredentialAssertionData, error) {
	if f.err != nil {
		return nil, f.err
	}
	parsed := &protocol.ParsedCredentialAssertionData{}
	parsed.RawID = f.rawID
	return parsed, nil
}
