package store

import (
	"context"

	"github.com/google/uuid"
)

// UniqueActiveEnrollment is the partial unique index enforcing at most one
// non-dropped enrollment per (student, class).
const UniqueActiveEnrollment = "enrollments_student_class_active_key"

const enrollmentColumns = `id, student_id, class_id, status, created_at, updated_at`

// InsertEnrollment creates an enrollment in the given status. A unique
// violation on UniqueActiveEnrollment means the student already holds a
// non-dropped enrollment for the class.
func (s *Store) InsertEnrollment(ctx context.Context, studentID, classID uuid.UUID, status string) (Enrollment, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO enrollments (student_id, class_id, status)
		VALUES ($1, $2, $3)
		RETURNING `+enrollmentColumns, studentID, classID, status)
	return scanEnrollment(row)
}

// GetEnrollment loads one enrollment by id.
func (s *Store) GetEnrollment(ctx context.Context, id uuid.UUID) (Enrollment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id)
	return scanEnrollment(row)
}

// UpdateEnrollmentStatus transitions an enrollment, guarded by the expected
// current status so concurrent transitions cannot race. Returns true when the
// transition happened.
func (s *Store) UpdateEnrollmentStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE enrollments SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListEnrollmentsByStudent returns a student's enrollments, newest first.
func (s *Store) ListEnrollmentsByStudent(ctx context.Context, studentID uuid.UUID) ([]Enrollment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE student_id = $1 ORDER BY created_at DESC`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountActiveEnrollments counts non-dropped enrollments for a class.
func (s *Store) CountActiveEnrollments(ctx context.Context, classID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM enrollments
		WHERE class_id = $1 AND status NOT IN ('dropped', 'completed')`, classID).Scan(&count)
	return count, err
}

// CountTrialEnrollments counts a student's current trial enrollments.
func (s *Store) CountTrialEnrollments(ctx context.Context, studentID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM enrollments
		WHERE student_id = $1 AND status = 'trial'`, studentID).Scan(&count)
	return count, err
}

// GetClass loads one class by id.
func (s *Store) GetClass(ctx context.Context, id uuid.UUID) (Class, error) {
	var c Class
	err := s.db.QueryRow(ctx, `
		SELECT id, name, program, capacity, active FROM classes WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Program, &c.Capacity, &c.Active)
	return c, err
}

// ListClasses returns active classes ordered by name.
func (s *Store) ListClasses(ctx context.Context) ([]Class, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, program, capacity, active FROM classes WHERE active ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Class
	for rows.Next() {
		var c Class
		if err := rows.Scan(&c.ID, &c.Name, &c.Program, &c.Capacity, &c.Active); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanEnrollment(row rowScanner) (Enrollment, error) {
	var e Enrollment
	err := row.Scan(&e.ID, &e.StudentID, &e.ClassID, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}
