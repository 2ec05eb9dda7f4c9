package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medmate/portal/internal/services/auth/storage"
)

const passkeyColumns = `credential_id, identity_id, label, sign_count, credential_json, created_at, updated_at, last_used_at`

func scanPasskey(row rowScanner) (storage.PasskeyCredential, error) {
	var credential storage.PasskeyCredential
	var signCount int64
	var createdAt, updatedAt int64
	var lastUsedAt sql.NullInt64
	if err := row.Scan(
		&credential.CredentialID,
		&credential.IdentityID,
		&credential.Label,
		&signCount,
		&credential.CredentialJSON,
		&createdAt,
		&updatedAt,
		&lastUsedAt,
	); err != nil {
		return storage.PasskeyCredential{}, err
	}
	credential.SignCount = uint32(signCount)
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	if lastUsedAt.Valid {
		value := fromMillis(lastUsedAt.Int64)
		credential.LastUsedAt = &value
	}
	return credential, nil
}

// PutPasskeyCredential stores a WebAuthn credential.
//
// On conflict the sign counter only moves forward: MAX(sign_count, ?) keeps
// a replayed assertion with a stale counter from rolling it back at the
// storage layer.
func (s *Store) PutPasskeyCredential(ctx context.Context, credential storage.PasskeyCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.IdentityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(credential.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	var lastUsedAt sql.NullInt64
	if credential.LastUsedAt != nil {
		lastUsedAt = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_credentials (`+passkeyColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(credential_id) DO UPDATE SET
	label = excluded.label,
	sign_count = MAX(passkey_credentials.sign_count, excluded.sign_count),
	credential_json = excluded.credential_json,
	updated_at = excluded.updated_at,
	last_used_at = COALESCE(excluded.last_used_at, passkey_credentials.last_used_at)
`,
		credential.CredentialID,
		credential.IdentityID,
		credential.Label,
		int64(credential.SignCount),
		credential.CredentialJSON,
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
		lastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("put passkey credential: %w", err)
	}
	return nil
}

// GetPasskeyCredential fetches a stored WebAuthn credential.
func (s *Store) GetPasskeyCredential(ctx context.Context, credentialID string) (storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.PasskeyCredential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.PasskeyCredential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.PasskeyCredential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+passkeyColumns+` FROM passkey_credentials WHERE credential_id = ?`, credentialID)
	credential, err := scanPasskey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PasskeyCredential{}, storage.ErrNotFound
		}
		return storage.PasskeyCredential{}, fmt.Errorf("get passkey credential: %w", err)
	}
	return credential, nil
}

// ListPasskeyCredentials returns credentials for an identity, oldest first.
func (s *Store) ListPasskeyCredentials(ctx context.Context, identityID string) ([]storage.PasskeyCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return nil, fmt.Errorf("identity id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+passkeyColumns+` FROM passkey_credentials
WHERE identity_id = ?
ORDER BY created_at, credential_id
`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list passkey credentials: %w", err)
	}
	defer rows.Close()

	var credentials []storage.PasskeyCredential
	for rows.Next() {
		credential, err := scanPasskey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan passkey credential: %w", err)
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list passkey credentials: %w", err)
	}
	return credentials, nil
}

// RenamePasskeyCredential updates a credential's label.
func (s *Store) RenamePasskeyCredential(ctx context.Context, credentialID, label string, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE passkey_credentials SET label = ?, updated_at = ? WHERE credential_id = ?
`, label, toMillis(updatedAt), credentialID)
	if err != nil {
		return fmt.Errorf("rename passkey credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename passkey credential: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeletePasskeyCredential removes a credential.
func (s *Store) DeletePasskeyCredential(ctx context.Context, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM passkey_credentials WHERE credential_id = ?`, credentialID)
	if err != nil {
		return fmt.Errorf("delete passkey credential: %w", err)
	}
	return nil
}
