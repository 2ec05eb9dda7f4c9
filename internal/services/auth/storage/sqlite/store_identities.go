package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medmate/portal/internal/services/auth/identity"
	"github.com/medmate/portal/internal/services/auth/storage"
)

const identityColumns = `id, email, role, phone, active, password_hash,
two_factor_enabled, two_factor_code, two_factor_code_expires_at,
created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (identity.Identity, error) {
	var account identity.Identity
	var role string
	var active int64
	var twoFactorEnabled int64
	var codeExpiresAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(
		&account.ID,
		&account.Email,
		&role,
		&account.Phone,
		&active,
		&account.PasswordHash,
		&twoFactorEnabled,
		&account.TwoFactorCode,
		&codeExpiresAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return identity.Identity{}, err
	}
	account.Role = identity.Role(role)
	account.Active = active != 0
	account.TwoFactorEnabled = twoFactorEnabled != 0
	if codeExpiresAt.Valid {
		value := fromMillis(codeExpiresAt.Int64)
		account.TwoFactorCodeExpiresAt = &value
	}
	account.CreatedAt = fromMillis(createdAt)
	account.UpdatedAt = fromMillis(updatedAt)
	return account, nil
}

func identityArgs(account identity.Identity) []any {
	var codeExpiresAt sql.NullInt64
	if account.TwoFactorCodeExpiresAt != nil {
		codeExpiresAt = sql.NullInt64{Int64: toMillis(*account.TwoFactorCodeExpiresAt), Valid: true}
	}
	return []any{
		account.ID,
		account.Email,
		string(account.Role),
		account.Phone,
		boolToInt(account.Active),
		account.PasswordHash,
		boolToInt(account.TwoFactorEnabled),
		account.TwoFactorCode,
		codeExpiresAt,
		toMillis(account.CreatedAt),
		toMillis(account.UpdatedAt),
	}
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putIdentity(ctx context.Context, target execContexter, account identity.Identity) error {
	if strings.TrimSpace(account.ID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(account.Email) == "" {
		return fmt.Errorf("identity email is required")
	}
	if account.Role == "" {
		return fmt.Errorf("identity role is required")
	}

	_, err := target.ExecContext(ctx, `
INSERT INTO identities (`+identityColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	email = excluded.email,
	role = excluded.role,
	phone = excluded.phone,
	active = excluded.active,
	password_hash = excluded.password_hash,
	two_factor_enabled = excluded.two_factor_enabled,
	two_factor_code = excluded.two_factor_code,
	two_factor_code_expires_at = excluded.two_factor_code_expires_at,
	updated_at = excluded.updated_at
`, identityArgs(account)...)
	if err != nil {
		return fmt.Errorf("put identity: %w", err)
	}
	return nil
}

// PutIdentity persists an identity record, updating it in place on conflict.
func (s *Store) PutIdentity(ctx context.Context, account identity.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return putIdentity(ctx, s.sqlDB, account)
}

// GetIdentity fetches an identity by id.
func (s *Store) GetIdentity(ctx context.Context, identityID string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	if s == nil || s.sqlDB == nil {
		return identity.Identity{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return identity.Identity{}, fmt.Errorf("identity id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, identityID)
	account, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Identity{}, storage.ErrNotFound
		}
		return identity.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	return account, nil
}

// GetIdentityByEmail fetches an identity by normalized email.
func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	if s == nil || s.sqlDB == nil {
		return identity.Identity{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(email) == "" {
		return identity.Identity{}, fmt.Errorf("email is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = ?`, email)
	account, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Identity{}, storage.ErrNotFound
		}
		return identity.Identity{}, fmt.Errorf("get identity by email: %w", err)
	}
	return account, nil
}

// ListIdentities returns a page of identities ordered by id.
//
// The page token is the last id of the previous page.
func (s *Store) ListIdentities(ctx context.Context, pageSize int, pageToken string) (storage.IdentityPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.IdentityPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.IdentityPage{}, fmt.Errorf("storage is not configured")
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+identityColumns+`
FROM identities
WHERE id > ?
ORDER BY id
LIMIT ?
`, pageToken, pageSize+1)
	if err != nil {
		return storage.IdentityPage{}, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var page storage.IdentityPage
	for rows.Next() {
		account, err := scanIdentity(rows)
		if err != nil {
			return storage.IdentityPage{}, fmt.Errorf("scan identity: %w", err)
		}
		page.Identities = append(page.Identities, account)
	}
	if err := rows.Err(); err != nil {
		return storage.IdentityPage{}, fmt.Errorf("list identities: %w", err)
	}

	if len(page.Identities) > pageSize {
		page.Identities = page.Identities[:pageSize]
		page.NextPageToken = page.Identities[pageSize-1].ID
	}
	return page, nil
}

// SetIdentityActive flips the active flag for an identity.
func (s *Store) SetIdentityActive(ctx context.Context, identityID string, active bool, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("identity id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE identities SET active = ?, updated_at = ? WHERE id = ?
`, boolToInt(active), toMillis(updatedAt), identityID)
	if err != nil {
		return fmt.Errorf("set identity active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set identity active: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
