// Package passkey configures the WebAuthn relying party for staff passkeys.
package passkey
