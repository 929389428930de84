package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const familyColumns = `id, name, billing_street, billing_city, billing_region,
	billing_postal, session_balance, created_at, updated_at`

// InsertFamilyParams describes a new household.
type InsertFamilyParams struct {
	Name          string
	BillingStreet string
	BillingCity   string
	BillingRegion string
	BillingPostal string
}

// InsertFamily creates a family row.
func (s *Store) InsertFamily(ctx context.Context, arg InsertFamilyParams) (Family, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO families (name, billing_street, billing_city, billing_region, billing_postal)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+familyColumns,
		arg.Name, arg.BillingStreet, arg.BillingCity, arg.BillingRegion, arg.BillingPostal)
	return scanFamily(row)
}

// GetFamily loads one family by id.
func (s *Store) GetFamily(ctx context.Context, id uuid.UUID) (Family, error) {
	row := s.db.QueryRow(ctx, `SELECT `+familyColumns+` FROM families WHERE id = $1`, id)
	return scanFamily(row)
}

// UpdateFamilyParams carries mutable family fields.
type UpdateFamilyParams struct {
	ID            uuid.UUID
	Name          string
	BillingStreet string
	BillingCity   string
	BillingRegion string
	BillingPostal string
}

// UpdateFamily rewrites the mutable fields of a family.
func (s *Store) UpdateFamily(ctx context.Context, arg UpdateFamilyParams) (Family, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE families
		SET name = $2, billing_street = $3, billing_city = $4, billing_region = $5,
			billing_postal = $6, updated_at = now()
		WHERE id = $1
		RETURNING `+familyColumns,
		arg.ID, arg.Name, arg.BillingStreet, arg.BillingCity, arg.BillingRegion, arg.BillingPostal)
	return scanFamily(row)
}

const studentColumns = `id, family_id, first_name, last_name, birth_date, belt_rank,
	program, attendance_count, active, created_at, updated_at`

// InsertStudentParams describes a new student.
type InsertStudentParams struct {
	FamilyID  uuid.UUID
	FirstName string
	LastName  string
	BirthDate time.Time
	BeltRank  string
	Program   string
}

// InsertStudent creates a student under a family.
func (s *Store) InsertStudent(ctx context.Context, arg InsertStudentParams) (Student, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO students (family_id, first_name, last_name, birth_date, belt_rank, program)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+studentColumns,
		arg.FamilyID, arg.FirstName, arg.LastName, arg.BirthDate, arg.BeltRank, arg.Program)
	return scanStudent(row)
}

// GetStudent loads one student by id.
func (s *Store) GetStudent(ctx context.Context, id uuid.UUID) (Student, error) {
	row := s.db.QueryRow(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1`, id)
	return scanStudent(row)
}

// ListStudentsByFamily returns a family's students, oldest first.
func (s *Store) ListStudentsByFamily(ctx context.Context, familyID uuid.UUID) ([]Student, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+studentColumns+` FROM students WHERE family_id = $1 ORDER BY created_at`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PromoteStudentBelt updates the belt rank and returns the updated row.
func (s *Store) PromoteStudentBelt(ctx context.Context, id uuid.UUID, beltRank string) (Student, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE students SET belt_rank = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+studentColumns, id, beltRank)
	return scanStudent(row)
}

// IncrementAttendance bumps the attendance counter and returns the new count.
func (s *Store) IncrementAttendance(ctx context.Context, id uuid.UUID) (int32, error) {
	var count int32
	err := s.db.QueryRow(ctx, `
		UPDATE students SET attendance_count = attendance_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING attendance_count`, id).Scan(&count)
	return count, err
}

// DeactivateStudent soft-disables a student; rows are never hard-deleted.
func (s *Store) DeactivateStudent(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE students SET active = false, updated_at = now() WHERE id = $1`, id)
	return err
}

func scanFamily(row rowScanner) (Family, error) {
	var f Family
	err := row.Scan(&f.ID, &f.Name, &f.BillingStreet, &f.BillingCity, &f.BillingRegion,
		&f.BillingPostal, &f.SessionBalance, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func scanStudent(row rowScanner) (Student, error) {
	var st Student
	err := row.Scan(&st.ID, &st.FamilyID, &st.FirstName, &st.LastName, &st.BirthDate,
		&st.BeltRank, &st.Program, &st.AttendanceCount, &st.Active, &st.CreatedAt, &st.UpdatedAt)
	return st, err
}
