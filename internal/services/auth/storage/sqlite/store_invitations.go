package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medmate/portal/internal/services/auth/identity"
	"github.com/medmate/portal/internal/services/auth/invitation"
	"github.com/medmate/portal/internal/services/auth/storage"
)

const invitationColumns = `id, code, type, email, role, hospital_id, inviter_id, expires_at, used_at, accepted_by, created_at`

func scanInvitation(row rowScanner) (invitation.Invitation, error) {
	var inv invitation.Invitation
	var invType, role string
	var expiresAt, createdAt int64
	var usedAt sql.NullInt64
	if err := row.Scan(
		&inv.ID,
		&inv.Code,
		&invType,
		&inv.Email,
		&role,
		&inv.HospitalID,
		&inv.InviterID,
		&expiresAt,
		&usedAt,
		&inv.AcceptedByID,
		&createdAt,
	); err != nil {
		return invitation.Invitation{}, err
	}
	inv.Type = invitation.Type(invType)
	inv.Role = identity.Role(role)
	inv.ExpiresAt = fromMillis(expiresAt)
	inv.CreatedAt = fromMillis(createdAt)
	if usedAt.Valid {
		value := fromMillis(usedAt.Int64)
		inv.UsedAt = &value
	}
	return inv, nil
}

// PutInvitation persists a freshly issued invitation.
func (s *Store) PutInvitation(ctx context.Context, inv invitation.Invitation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(inv.ID) == "" {
		return fmt.Errorf("invitation id is required")
	}
	if strings.TrimSpace(inv.Code) == "" {
		return fmt.Errorf("invitation code is required")
	}

	var usedAt sql.NullInt64
	if inv.UsedAt != nil {
		usedAt = sql.NullInt64{Int64: toMillis(*inv.UsedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO invitations (`+invitationColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		inv.ID,
		inv.Code,
		string(inv.Type),
		inv.Email,
		string(inv.Role),
		inv.HospitalID,
		inv.InviterID,
		toMillis(inv.ExpiresAt),
		usedAt,
		inv.AcceptedByID,
		toMillis(inv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put invitation: %w", err)
	}
	return nil
}

// GetInvitationByCode fetches an invitation by its code.
func (s *Store) GetInvitationByCode(ctx context.Context, code string) (invitation.Invitation, error) {
	if err := ctx.Err(); err != nil {
		return invitation.Invitation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return invitation.Invitation{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(code) == "" {
		return invitation.Invitation{}, fmt.Errorf("invitation code is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE code = ?`, code)
	inv, err := scanInvitation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invitation.Invitation{}, storage.ErrNotFound
		}
		return invitation.Invitation{}, fmt.Errorf("get invitation: %w", err)
	}
	return inv, nil
}

// ListInvitationsByInviter returns invitations issued by one identity,
// newest first.
func (s *Store) ListInvitationsByInviter(ctx context.Context, inviterID string) ([]invitation.Invitation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(inviterID) == "" {
		return nil, fmt.Errorf("inviter id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+invitationColumns+` FROM invitations
WHERE inviter_id = ?
ORDER BY created_at DESC, id
`, inviterID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	var invitations []invitation.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		invitations = append(invitations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	return invitations, nil
}

// AcceptInvitation consumes an invitation and creates the accepting account
// in one transaction.
//
// The consumption UPDATE is guarded by used_at IS NULL: when two acceptances
// race, exactly one sees RowsAffected == 1 and the other gets
// invitation.ErrAlreadyUsed with nothing written.
func (s *Store) AcceptInvitation(ctx context.Context, accepted storage.AcceptedInvitation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(accepted.Code) == "" {
		return fmt.Errorf("invitation code is required")
	}
	if strings.TrimSpace(accepted.Account.ID) == "" {
		return fmt.Errorf("accepting identity is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin accept invitation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
UPDATE invitations
SET used_at = ?, accepted_by = ?
WHERE code = ? AND used_at IS NULL
`, toMillis(accepted.UsedAt), accepted.Account.ID, accepted.Code)
	if err != nil {
		return fmt.Errorf("consume invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume invitation: %w", err)
	}
	if affected == 0 {
		return invitation.ErrAlreadyUsed
	}

	if err := putIdentity(ctx, tx, accepted.Account); err != nil {
		return err
	}
	if accepted.AdminProfile != nil {
		if err := putAdminProfile(ctx, tx, *accepted.AdminProfile); err != nil {
			return err
		}
	}
	if accepted.ProfessionalProfile != nil {
		if err := putProfessionalProfile(ctx, tx, *accepted.ProfessionalProfile); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit accept invitation: %w", err)
	}
	return nil
}

// DeleteExpiredInvitations removes unused invitations past their expiry.
func (s *Store) DeleteExpiredInvitations(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM invitations WHERE used_at IS NULL AND expires_at < ?
`, toMillis(now))
	if err != nil {
		return fmt.Errorf("delete expired invitations: %w", err)
	}
	return nil
}
