package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/medmate/portal/internal/services/auth/storage"
)

func putAdminProfile(ctx context.Context, target execContexter, profile storage.AdminProfile) error {
	if strings.TrimSpace(profile.IdentityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(profile.HospitalID) == "" {
		return fmt.Errorf("hospital id is required")
	}

	_, err := target.ExecContext(ctx, `
INSERT INTO admin_profiles (identity_id, hospital_id, first_name, last_name, position, badge_number, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(identity_id) DO UPDATE SET
	hospital_id = excluded.hospital_id,
	first_name = excluded.first_name,
	last_name = excluded.last_name,
	position = excluded.position,
	badge_number = excluded.badge_number
`,
		profile.IdentityID,
		profile.HospitalID,
		profile.FirstName,
		profile.LastName,
		profile.Position,
		profile.BadgeNumber,
		toMillis(profile.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put admin profile: %w", err)
	}
	return nil
}

func putProfessionalProfile(ctx context.Context, target execContexter, profile storage.ProfessionalProfile) error {
	if strings.TrimSpace(profile.IdentityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(profile.HospitalID) == "" {
		return fmt.Errorf("hospital id is required")
	}

	_, err := target.ExecContext(ctx, `
INSERT INTO professional_profiles (identity_id, hospital_id, first_name, last_name, specialization, license_number, department, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(identity_id) DO UPDATE SET
	hospital_id = excluded.hospital_id,
	first_name = excluded.first_name,
	last_name = excluded.last_name,
	specialization = excluded.specialization,
	license_number = excluded.license_number,
	department = excluded.department
`,
		profile.IdentityID,
		profile.HospitalID,
		profile.FirstName,
		profile.LastName,
		profile.Specialization,
		profile.LicenseNumber,
		profile.Department,
		toMillis(profile.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put professional profile: %w", err)
	}
	return nil
}

// PutAdminProfile persists an admin profile.
func (s *Store) PutAdminProfile(ctx context.Context, profile storage.AdminProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return putAdminProfile(ctx, s.sqlDB, profile)
}

// GetAdminProfile fetches the admin profile for an identity.
func (s *Store) GetAdminProfile(ctx context.Context, identityID string) (storage.AdminProfile, error) {
	if err := ctx.Err(); err != nil {
		return storage.AdminProfile{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.AdminProfile{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return storage.AdminProfile{}, fmt.Errorf("identity id is required")
	}

	var profile storage.AdminProfile
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT identity_id, hospital_id, first_name, last_name, position, badge_number, created_at
FROM admin_profiles WHERE identity_id = ?
`, identityID).Scan(
		&profile.IdentityID,
		&profile.HospitalID,
		&profile.FirstName,
		&profile.LastName,
		&profile.Position,
		&profile.BadgeNumber,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AdminProfile{}, storage.ErrNotFound
		}
		return storage.AdminProfile{}, fmt.Errorf("get admin profile: %w", err)
	}
	profile.CreatedAt = fromMillis(createdAt)
	return profile, nil
}

// PutProfessionalProfile persists a professional profile.
func (s *Store) PutProfessionalProfile(ctx context.Context, profile storage.ProfessionalProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return putProfessionalProfile(ctx, s.sqlDB, profile)
}

// GetProfessionalProfile fetches the professional profile for an identity.
func (s *Store) GetProfessionalProfile(ctx context.Context, identityID string) (storage.ProfessionalProfile, error) {
	if err := ctx.Err(); err != nil {
		return storage.ProfessionalProfile{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ProfessionalProfile{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return storage.ProfessionalProfile{}, fmt.Errorf("identity id is required")
	}

	var profile storage.ProfessionalProfile
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT identity_id, hospital_id, first_name, last_name, specialization, license_number, department, created_at
FROM professional_profiles WHERE identity_id = ?
`, identityID).Scan(
		&profile.IdentityID,
		&profile.HospitalID,
		&profile.FirstName,
		&profile.LastName,
		&profile.Specialization,
		&profile.LicenseNumber,
		&profile.Department,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ProfessionalProfile{}, storage.ErrNotFound
		}
		return storage.ProfessionalProfile{}, fmt.Errorf("get professional profile: %w", err)
	}
	profile.CreatedAt = fromMillis(createdAt)
	return profile, nil
}
