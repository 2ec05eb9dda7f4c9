package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/medmate/portal/internal/platform/id"
	"github.com/medmate/portal/internal/services/auth/storage"
)

const hospitalColumns = `id, name, registration_number, address, contact_email, contact_phone, created_at`

func scanHospital(row rowScanner) (storage.Hospital, error) {
	var hospital storage.Hospital
	var createdAt int64
	if err := row.Scan(
		&hospital.ID,
		&hospital.Name,
		&hospital.RegistrationNumber,
		&hospital.Address,
		&hospital.ContactEmail,
		&hospital.ContactPhone,
		&createdAt,
	); err != nil {
		return storage.Hospital{}, err
	}
	hospital.CreatedAt = fromMillis(createdAt)
	return hospital, nil
}

// GetOrCreateHospital resolves a hospital by exact name, creating it when
// absent.
//
// The insert ignores name conflicts so two concurrent callers converge on
// the same row.
func (s *Store) GetOrCreateHospital(ctx context.Context, hospital storage.Hospital) (storage.Hospital, error) {
	if err := ctx.Err(); err != nil {
		return storage.Hospital{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Hospital{}, fmt.Errorf("storage is not configured")
	}
	name := strings.TrimSpace(hospital.Name)
	if name == "" {
		return storage.Hospital{}, fmt.Errorf("hospital name is required")
	}

	if hospital.ID == "" {
		hospitalID, err := id.NewID()
		if err != nil {
			return storage.Hospital{}, fmt.Errorf("generate hospital id: %w", err)
		}
		hospital.ID = hospitalID
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO hospitals (`+hospitalColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO NOTHING
`,
		hospital.ID,
		name,
		hospital.RegistrationNumber,
		hospital.Address,
		hospital.ContactEmail,
		hospital.ContactPhone,
		toMillis(hospital.CreatedAt),
	)
	if err != nil {
		return storage.Hospital{}, fmt.Errorf("create hospital: %w", err)
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+hospitalColumns+` FROM hospitals WHERE name = ?`, name)
	created, err := scanHospital(row)
	if err != nil {
		return storage.Hospital{}, fmt.Errorf("get hospital by name: %w", err)
	}
	return created, nil
}

// GetHospital fetches a hospital by id.
func (s *Store) GetHospital(ctx context.Context, hospitalID string) (storage.Hospital, error) {
	if err := ctx.Err(); err != nil {
		return storage.Hospital{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Hospital{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(hospitalID) == "" {
		return storage.Hospital{}, fmt.Errorf("hospital id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+hospitalColumns+` FROM hospitals WHERE id = ?`, hospitalID)
	hospital, err := scanHospital(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Hospital{}, storage.ErrNotFound
		}
		return storage.Hospital{}, fmt.Errorf("get hospital: %w", err)
	}
	return hospital, nil
}
