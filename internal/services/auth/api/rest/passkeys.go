package rest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	apperrors "github.com/medmate/portal/internal/platform/errors"
	"github.com/medmate/portal/internal/services/auth/challenge"
	"github.com/medmate/portal/internal/services/auth/identity"
	"github.com/medmate/portal/internal/services/auth/passkey"
	"github.com/medmate/portal/internal/services/auth/storage"
	"github.com/medmate/portal/internal/services/auth/token"
)

// defaultPasskeyLabel names credentials registered without one.
const defaultPasskeyLabel = "Passkey"

type beginCeremonyResponse struct {
	ChallengeID string          `json:"challenge_id"`
	Options     json.RawMessage `json:"options"`
}

type passkeyView struct {
	CredentialID string     `json:"credential_id"`
	Label        string     `json:"label"`
	SignCount    uint32     `json:"sign_count"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

func passkeyViewOf(record storage.PasskeyCredential) passkeyView {
	return passkeyView{
		CredentialID: record.CredentialID,
		Label:        record.Label,
		SignCount:    record.SignCount,
		CreatedAt:    record.CreatedAt,
		LastUsedAt:   record.LastUsedAt,
	}
}

// ceremonyUser adapts an identity plus its stored credentials to the
// webauthn.User interface.
type ceremonyUser struct {
	account     identity.Identity
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.account.ID)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.account.Email
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.account.Email
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (a *API) loadCeremonyUser(ctx context.Context, account identity.Identity) (*ceremonyUser, error) {
	records, err := a.passkeys.ListPasskeyCredentials(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	credentials, err := decodeStoredCredentials(records)
	if err != nil {
		return nil, err
	}
	return &ceremonyUser{account: account, credentials: credentials}, nil
}

func decodeStoredCredentials(records []storage.PasskeyCredential) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, credential)
	}
	return credentials, nil
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func (a *API) ceremonyEngine() (passkeyProvider, error) {
	if a.relyingPartyErr != nil || a.relyingParty == nil {
		return nil, apperrors.New(apperrors.CodeInternal, "passkey configuration is not available")
	}
	return a.relyingParty, nil
}

// issueChallenge stores the ceremony session and returns the ticket id the
// finish step must present.
func (a *API) issueChallenge(ctx context.Context, kind passkey.SessionKind, userID string, session *webauthn.SessionData) (string, error) {
	if session == nil {
		return "", apperrors.New(apperrors.CodeInternal, "ceremony session data is missing")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return "", err
	}
	challengeID, err := a.newID()
	if err != nil {
		return "", err
	}
	ticket := challenge.Ticket{
		Kind:        kind,
		UserID:      userID,
		SessionJSON: string(payload),
	}
	if err := a.challenges.Issue(ctx, challengeID, ticket, a.passkeyConfig.SessionTTL); err != nil {
		return "", err
	}
	return challengeID, nil
}

// consumeChallenge pops the ticket and decodes its ceremony session. The
// ticket is gone afterwards whether or not the finish step succeeds.
func (a *API) consumeChallenge(ctx context.Context, challengeID string, kind passkey.SessionKind) (challenge.Ticket, webauthn.SessionData, error) {
	ticket, err := a.challenges.Consume(ctx, challengeID)
	if err != nil {
		return challenge.Ticket{}, webauthn.SessionData{}, err
	}
	if ticket.Kind != kind {
		return challenge.Ticket{}, webauthn.SessionData{}, apperrors.New(apperrors.CodeChallengeInvalid, "challenge ceremony kind mismatch")
	}
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(ticket.SessionJSON), &session); err != nil {
		return challenge.Ticket{}, webauthn.SessionData{}, apperrors.Wrap(apperrors.CodeInternal, "decode ceremony session", err)
	}
	return ticket, session, nil
}

// handleBeginPasskeyRegistration starts credential creation for the caller.
func (a *API) handleBeginPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}
	engine, err := a.ceremonyEngine()
	if err != nil {
		writeError(w, err)
		return
	}

	user, err := a.loadCeremonyUser(r.Context(), caller.Account)
	if err != nil {
		writeError(w, err)
		return
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(user.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(user.credentials).CredentialDescriptors()))
	}

	creation, session, err := engine.BeginRegistration(user, options...)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInternal, "begin passkey registration", err))
		return
	}

	challengeID, err := a.issueChallenge(r.Context(), passkey.SessionKindRegistration, caller.Account.ID, session)
	if err != nil {
		writeError(w, err)
		return
	}
	optionsJSON, err := json.Marshal(creation)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, beginCeremonyResponse{
		ChallengeID: challengeID,
		Options:     optionsJSON,
	})
}

type finishRegistrationRequest struct {
	ChallengeID        string          `json:"challenge_id"`
	Label              string          `json:"label,omitempty"`
	CredentialResponse json.RawMessage `json:"credential_response"`
}

// handleFinishPasskeyRegistration validates the authenticator response and
// stores the new credential.
func (a *API) handleFinishPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}
	engine, err := a.ceremonyEngine()
	if err != nil {
		writeError(w, err)
		return
	}

	var req finishRegistrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.ChallengeID) == "" || len(req.CredentialResponse) == 0 {
		writeError(w, apperrors.New(apperrors.CodeValidation, "challenge id and credential response are required"))
		return
	}

	ticket, session, err := a.consumeChallenge(r.Context(), req.ChallengeID, passkey.SessionKindRegistration)
	if err != nil {
		writeError(w, err)
		return
	}
	if ticket.UserID != caller.Account.ID {
		writeError(w, apperrors.New(apperrors.CodeChallengeInvalid, "challenge belongs to another account"))
		return
	}

	user, err := a.loadCeremonyUser(r.Context(), caller.Account)
	if err != nil {
		writeError(w, err)
		return
	}

	parsed, err := a.passkeyParser.ParseCredentialCreationResponseBytes(req.CredentialResponse)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeValidation, "parse credential response", err))
		return
	}
	credential, err := engine.CreateCredential(user, session, parsed)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeVerificationFailed, "validate credential response", err))
		return
	}

	label := strings.TrimSpace(req.Label)
	if label == "" {
		label = defaultPasskeyLabel
	}
	record, err := a.storeNewCredential(r.Context(), caller.Account.ID, label, *credential)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, passkeyViewOf(record))
}

func (a *API) storeNewCredential(ctx context.Context, identityID, label string, credential webauthn.Credential) (storage.PasskeyCredential, error) {
	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	now := a.now()
	record := storage.PasskeyCredential{
		CredentialID:   encodeCredentialID(credential.ID),
		IdentityID:     identityID,
		Label:          label,
		SignCount:      credential.Authenticator.SignCount,
		CredentialJSON: string(credentialJSON),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.passkeys.PutPasskeyCredential(ctx, record); err != nil {
		return storage.PasskeyCredential{}, err
	}
	return record, nil
}

type beginLoginRequest struct {
	Email string `json:"email,omitempty"`
}

// handleBeginPasskeyLogin starts an assertion ceremony.
//
// When the email is unknown or has no registered passkeys the handler falls
// back to a discoverable ceremony with the same response shape, so the
// endpoint does not reveal which accounts exist.
func (a *API) handleBeginPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	engine, err := a.ceremonyEngine()
	if err != nil {
		writeError(w, err)
		return
	}

	var req beginLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	var hintedUser *ceremonyUser
	if req.Email != "" {
		email, err := identity.NormalizeEmail(req.Email)
		if err != nil {
			writeError(w, err)
			return
		}
		account, err := a.identities.GetIdentityByEmail(r.Context(), email)
		switch {
		case err == nil:
			user, err := a.loadCeremonyUser(r.Context(), account)
			if err != nil {
				writeError(w, err)
				return
			}
			if len(user.credentials) > 0 {
				hintedUser = user
			}
		case errors.Is(err, storage.ErrNotFound):
			// Fall through to the discoverable ceremony.
		default:
			writeError(w, err)
			return
		}
	}

	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		userID    string
	)
	if hintedUser != nil {
		assertion, session, err = engine.BeginLogin(hintedUser)
		userID = hintedUser.account.ID
	} else {
		assertion, session, err = engine.BeginDiscoverableLogin()
	}
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInternal, "begin passkey login", err))
		return
	}

	challengeID, err := a.issueChallenge(r.Context(), passkey.SessionKindLogin, userID, session)
	if err != nil {
		writeError(w, err)
		return
	}
	optionsJSON, err := json.Marshal(assertion)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, beginCeremonyResponse{
		ChallengeID: challengeID,
		Options:     optionsJSON,
	})
}

type finishLoginRequest struct {
	ChallengeID        string          `json:"challenge_id"`
	CredentialResponse json.RawMessage `json:"credential_response"`
}

// handleFinishPasskeyLogin validates the assertion and signs the caller in.
//
// A passkey assertion is a full authentication, so no emailed second factor
// is required afterwards.
func (a *API) handleFinishPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	engine, err := a.ceremonyEngine()
	if err != nil {
		writeError(w, err)
		return
	}

	var req finishLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.ChallengeID) == "" || len(req.CredentialResponse) == 0 {
		writeError(w, apperrors.New(apperrors.CodeValidation, "challenge id and credential response are required"))
		return
	}

	ticket, session, err := a.consumeChallenge(r.Context(), req.ChallengeID, passkey.SessionKindLogin)
	if err != nil {
		writeError(w, err)
		return
	}

	parsed, err := a.passkeyParser.ParseCredentialRequestResponseBytes(req.CredentialResponse)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeValidation, "parse credential response", err))
		return
	}

	var (
		account   identity.Identity
		validated *webauthn.Credential
	)
	if ticket.UserID != "" {
		account, validated, err = a.finishHintedLogin(r.Context(), engine, ticket.UserID, session, parsed)
	} else {
		account, validated, err = a.finishDiscoverableLogin(r.Context(), engine, session, parsed)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if validated.Authenticator.CloneWarning {
		writeError(w, apperrors.New(apperrors.CodeVerificationFailed, "authenticator counter indicates a cloned credential"))
		return
	}
	if !account.Active {
		writeError(w, apperrors.New(apperrors.CodeIdentityInactive, "account is deactivated"))
		return
	}

	if err := a.recordCredentialUse(r.Context(), *validated); err != nil {
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
		Identity:     a.sessionView(r.Context(), account),
	})
}

// finishHintedLogin validates an assertion for the account named when the
// ceremony began.
func (a *API) finishHintedLogin(ctx context.Context, engine passkeyProvider, userID string, session webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) (identity.Identity, *webauthn.Credential, error) {
	stored, err := a.passkeys.GetPasskeyCredential(ctx, encodeCredentialID(parsed.RawID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return identity.Identity{}, nil, apperrors.New(apperrors.CodeCredentialUnknown, "credential is not registered")
		}
		return identity.Identity{}, nil, err
	}
	if stored.IdentityID != userID {
		return identity.Identity{}, nil, apperrors.New(apperrors.CodeCredentialIdentityMismatch, "credential belongs to another account")
	}

	account, err := a.identities.GetIdentity(ctx, userID)
	if err != nil {
		return identity.Identity{}, nil, err
	}
	user, err := a.loadCeremonyUser(ctx, account)
	if err != nil {
		return identity.Identity{}, nil, err
	}

	validated, err := engine.ValidateLogin(user, session, parsed)
	if err != nil {
		return identity.Identity{}, nil, apperrors.Wrap(apperrors.CodeVerificationFailed, "validate passkey login", err)
	}
	return account, validated, nil
}

// finishDiscoverableLogin resolves the account from the authenticator's user
// handle during validation.
func (a *API) finishDiscoverableLogin(ctx context.Context, engine passkeyProvider, session webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) (identity.Identity, *webauthn.Credential, error) {
	handler := func(_, userHandle []byte) (webauthn.User, error) {
		identityID := strings.TrimSpace(string(userHandle))
		if identityID == "" {
			return nil, fmt.Errorf("user handle is required")
		}
		account, err := a.identities.GetIdentity(ctx, identityID)
		if err != nil {
			return nil, err
		}
		return a.loadCeremonyUser(ctx, account)
	}

	validatedUser, validated, err := engine.ValidatePasskeyLogin(handler, session, parsed)
	if err != nil {
		return identity.Identity{}, nil, apperrors.Wrap(apperrors.CodeVerificationFailed, "validate passkey login", err)
	}
	user, ok := validatedUser.(*ceremonyUser)
	if !ok {
		return identity.Identity{}, nil, apperrors.New(apperrors.CodeInternal, "ceremony user type mismatch")
	}
	return user.account, validated, nil
}

// recordCredentialUse persists the post-assertion counter and usage time.
// The store keeps the highest counter it has seen, so a replayed stale
// assertion can never lower it.
func (a *API) recordCredentialUse(ctx context.Context, credential webauthn.Credential) error {
	credentialID := encodeCredentialID(credential.ID)
	stored, err := a.passkeys.GetPasskeyCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeCredentialUnknown, "credential is not registered")
		}
		return err
	}

	// Validation reads the counter from the stored JSON, so the max-merge
	// must land there too, not only in the sign_count column.
	if stored.SignCount > credential.Authenticator.SignCount {
		credential.Authenticator.SignCount = stored.SignCount
	}
	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return err
	}
	now := a.now()
	stored.SignCount = credential.Authenticator.SignCount
	stored.CredentialJSON = string(credentialJSON)
	stored.UpdatedAt = now
	stored.LastUsedAt = &now
	return a.passkeys.PutPasskeyCredential(ctx, stored)
}

// handleListPasskeys returns the caller's registered credentials.
func (a *API) handleListPasskeys(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}

	records, err := a.passkeys.ListPasskeyCredentials(r.Context(), caller.Account.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]passkeyView, 0, len(records))
	for _, record := range records {
		views = append(views, passkeyViewOf(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"passkeys": views})
}

// ownedCredential fetches a credential if it belongs to the caller. Foreign
// and missing credentials look identical to the caller.
func (a *API) ownedCredential(ctx context.Context, caller Caller, credentialID string) (storage.PasskeyCredential, error) {
	record, err := a.passkeys.GetPasskeyCredential(ctx, credentialID)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	if record.IdentityID != caller.Account.ID {
		return storage.PasskeyCredential{}, storage.ErrNotFound
	}
	return record, nil
}

type renamePasskeyRequest struct {
	Label string `json:"label"`
}

func (a *API) handleRenamePasskey(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}

	var req renamePasskeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	label := strings.TrimSpace(req.Label)
	if label == "" {
		writeError(w, apperrors.New(apperrors.CodeValidation, "label is required"))
		return
	}

	record, err := a.ownedCredential(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.passkeys.RenamePasskeyCredential(r.Context(), record.CredentialID, label, a.now()); err != nil {
		writeError(w, err)
		return
	}

	record.Label = label
	writeJSON(w, http.StatusOK, passkeyViewOf(record))
}

func (a *API) handleDeletePasskey(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "authentication required"))
		return
	}

	record, err := a.ownedCredential(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.passkeys.DeletePasskeyCredential(r.Context(), record.CredentialID); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
