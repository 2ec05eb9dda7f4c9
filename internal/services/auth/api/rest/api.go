// Package rest exposes the auth service as a JSON HTTP API.
package rest

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	apperrors "github.com/medmate/portal/internal/platform/errors"
	"github.com/medmate/portal/internal/platform/id"
	"github.com/medmate/portal/internal/platform/obs"
	"github.com/medmate/portal/internal/services/auth/challenge"
	"github.com/medmate/portal/internal/services/auth/identity"
	"github.com/medmate/portal/internal/services/auth/notify"
	"github.com/medmate/portal/internal/services/auth/passkey"
	"github.com/medmate/portal/internal/services/auth/storage"
	"github.com/medmate/portal/internal/services/auth/throttle"
	"github.com/medmate/portal/internal/services/auth/token"
)

// Options carries the collaborators the API composes.
type Options struct {
	Identities  storage.IdentityStore
	Hospitals   storage.HospitalStore
	Profiles    storage.ProfileStore
	Invitations storage.InvitationStore
	Passkeys    storage.PasskeyStore

	Challenges challenge.Store
	Throttle   throttle.Tracker
	Mailer     notify.Mailer

	TokenConfig   token.Config
	PasskeyConfig passkey.Config

	// SecondFactorTTL bounds emailed login codes; zero means the identity
	// package default.
	SecondFactorTTL time.Duration
	// InvitationTTL bounds issued invitations; zero means the invitation
	// package default.
	InvitationTTL time.Duration
	// AcceptURLBase is the portal page invitation emails link to.
	AcceptURLBase string
}

// API implements the portal auth HTTP surface.
//
// Collaborators are injected so handler tests can run against in-memory
// fakes; the ceremony engine and parser sit behind small interfaces for the
// same reason.
type API struct {
	identities  storage.IdentityStore
	hospitals   storage.HospitalStore
	profiles    storage.ProfileStore
	invitations storage.InvitationStore
	passkeys    storage.PasskeyStore

	challenges challenge.Store
	throttle   throttle.Tracker
	mailer     notify.Mailer

	tokenConfig   token.Config
	passkeyConfig passkey.Config

	secondFactorTTL time.Duration
	invitationTTL   time.Duration
	acceptURLBase   string

	relyingParty    passkeyProvider
	relyingPartyErr error
	passkeyParser   passkeyParser

	clock       func() time.Time
	idGenerator func() (string, error)
}

// passkeyProvider is the slice of the WebAuthn engine the handlers use.
type passkeyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type passkeyParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultPasskeyParser struct{}

func (defaultPasskeyParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultPasskeyParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// New builds the API with defaults for the auth surface.
func New(opts Options) *API {
	relyingParty, err := passkey.NewRelyingParty(opts.PasskeyConfig)

	secondFactorTTL := opts.SecondFactorTTL
	if secondFactorTTL <= 0 {
		secondFactorTTL = identity.SecondFactorCodeTTL
	}

	return &API{
		identities:      opts.Identities,
		hospitals:       opts.Hospitals,
		profiles:        opts.Profiles,
		invitations:     opts.Invitations,
		passkeys:        opts.Passkeys,
		challenges:      opts.Challenges,
		throttle:        opts.Throttle,
		mailer:          opts.Mailer,
		tokenConfig:     opts.TokenConfig,
		passkeyConfig:   opts.PasskeyConfig,
		secondFactorTTL: secondFactorTTL,
		invitationTTL:   opts.InvitationTTL,
		acceptURLBase:   opts.AcceptURLBase,
		relyingParty:    relyingParty,
		relyingPartyErr: err,
		passkeyParser:   defaultPasskeyParser{},
		clock:           time.Now,
		idGenerator:     id.NewID,
	}
}

// Routes returns the request mux for the auth surface.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", a.handleLogin)
	mux.HandleFunc("POST /auth/refresh", a.handleRefresh)
	mux.HandleFunc("POST /auth/2fa/setup", a.requireAuth(a.handleSecondFactorSetup))
	mux.HandleFunc("GET /auth/profile", a.requireAuth(a.handleProfile))

	mux.HandleFunc("POST /invitations/admin", a.requireAuth(a.handleIssueAdminInvitation, identity.RoleSuperuser))
	mux.HandleFunc("POST /invitations/professional", a.requireAuth(a.handleIssueProfessionalInvitation, identity.RoleAdmin))
	mux.HandleFunc("GET /invitations", a.requireAuth(a.handleListInvitations, identity.RoleSuperuser, identity.RoleAdmin))
	mux.HandleFunc("GET /invitations/{code}", a.handleGetInvitation)
	mux.HandleFunc("POST /invitations/{code}/accept", a.handleAcceptInvitation)

	mux.HandleFunc("POST /passkeys/register/begin", a.requireAuth(a.handleBeginPasskeyRegistration))
	mux.HandleFunc("POST /passkeys/register/finish", a.requireAuth(a.handleFinishPasskeyRegistration))
	mux.HandleFunc("POST /passkeys/login/begin", a.handleBeginPasskeyLogin)
	mux.HandleFunc("POST /passkeys/login/finish", a.handleFinishPasskeyLogin)
	mux.HandleFunc("GET /passkeys", a.requireAuth(a.handleListPasskeys))
	mux.HandleFunc("PATCH /passkeys/{id}/rename", a.requireAuth(a.handleRenamePasskey))
	mux.HandleFunc("DELETE /passkeys/{id}", a.requireAuth(a.handleDeletePasskey))

	mux.HandleFunc("POST /admins", a.requireAuth(a.handleCreateAdmin, identity.RoleSuperuser))
	mux.HandleFunc("POST /professionals", a.requireAuth(a.handleCreateProfessional, identity.RoleAdmin))
	mux.HandleFunc("GET /users", a.requireAuth(a.handleListUsers, identity.RoleSuperuser, identity.RoleAdmin))
	mux.HandleFunc("POST /users/{id}/activate", a.requireAuth(a.handleActivateUser, identity.RoleSuperuser, identity.RoleAdmin))
	mux.HandleFunc("POST /users/{id}/deactivate", a.requireAuth(a.handleDeactivateUser, identity.RoleSuperuser, identity.RoleAdmin))

	return mux
}

func (a *API) now() time.Time {
	if a.clock != nil {
		return a.clock().UTC()
	}
	return time.Now().UTC()
}

func (a *API) newID() (string, error) {
	if a.idGenerator != nil {
		return a.idGenerator()
	}
	return id.NewID()
}

// writeJSON renders a JSON response.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps a domain error onto the wire.
//
// Unknown codes collapse to a generic 500 so internals never leak.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	message := err.Error()
	if code == apperrors.CodeUnknown || code == apperrors.CodeInternal {
		code = apperrors.CodeInternal
		message = "internal error"
		obs.Event("http.error", map[string]any{"error": err.Error()})
	}
	writeJSON(w, code.HTTPStatus(), errorBody{Error: errorDetail{
		Code:    string(code),
		Message: message,
	}})
}

// decodeJSON reads a request body into dst, capping it at 1 MiB.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "request body is invalid", err)
	}
	return nil
}

// clientIP resolves the caller address, honoring the first X-Forwarded-For
// entry set by the edge proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
