// Package enrollment manages the student × class join and its status machine.
//
// The "at most one non-dropped enrollment per class per student" rule is
// enforced structurally by a partial unique index rather than application
// checks, so every write path shares one source of truth.
package enrollment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-dojo/internal/common"
	"github.com/noah-isme/backend-dojo/internal/events"
	"github.com/noah-isme/backend-dojo/internal/store"
)

// Querier captures the database methods required by the enrollment service.
type Querier interface {
	GetStudent(ctx context.Context, id uuid.UUID) (store.Student, error)
	GetClass(ctx context.Context, id uuid.UUID) (store.Class, error)
	ListClasses(ctx context.Context) ([]store.Class, error)
	InsertEnrollment(ctx context.Context, studentID, classID uuid.UUID, status string) (store.Enrollment, error)
	GetEnrollment(ctx context.Context, id uuid.UUID) (store.Enrollment, error)
	UpdateEnrollmentStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	ListEnrollmentsByStudent(ctx context.Context, studentID uuid.UUID) ([]store.Enrollment, error)
	CountActiveEnrollments(ctx context.Context, classID uuid.UUID) (int64, error)
	CountTrialEnrollments(ctx context.Context, studentID uuid.UUID) (int64, error)
}

var transitions = map[string][]string{
	store.EnrollmentStatusTrial:    {store.EnrollmentStatusActive, store.EnrollmentStatusDropped},
	store.EnrollmentStatusWaitlist: {store.EnrollmentStatusActive, store.EnrollmentStatusDropped},
	store.EnrollmentStatusActive:   {store.EnrollmentStatusDropped, store.EnrollmentStatusCompleted},
}

// Service enrolls students into classes.
type Service struct {
	Q   Querier
	Bus *events.Bus
	// TrialLimit caps concurrent trial enrollments per student. Zero disables
	// the cap.
	TrialLimit int
	Now        func() time.Time
}

// EnrollInput describes an enrollment request.
type EnrollInput struct {
	StudentID uuid.UUID
	ClassID   uuid.UUID
	Trial     bool
}

// Enroll joins a student to a class. Full classes waitlist instead of
// rejecting; duplicate non-dropped enrollments surface as conflicts via the
// partial unique index.
func (s *Service) Enroll(ctx context.Context, in EnrollInput) (store.Enrollment, error) {
	st, err := s.Q.GetStudent(ctx, in.StudentID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return store.Enrollment{}, common.NotFoundError("student not found", err)
		}
		return store.Enrollment{}, common.TransientError("load student", err)
	}
	class, err := s.Q.GetClass(ctx, in.ClassID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return store.Enrollment{}, common.NotFoundError("class not found", err)
		}
		return store.Enrollment{}, common.TransientError("load class", err)
	}
	if !class.Active {
		return store.Enrollment{}, common.ValidationError("class is not open for enrollment", nil)
	}

	status := store.EnrollmentStatusActive
	if in.Trial {
		if s.TrialLimit > 0 {
			trials, err := s.Q.CountTrialEnrollments(ctx, in.StudentID)
			if err != nil {
				return store.Enrollment{}, common.TransientError("count trial enrollments", err)
			}
			if trials >= int64(s.TrialLimit) {
				return store.Enrollment{}, common.ValidationError("trial class limit reached", nil)
			}
		}
		status = store.EnrollmentStatusTrial
	}
	if class.Capacity > 0 {
		active, err := s.Q.CountActiveEnrollments(ctx, in.ClassID)
		if err != nil {
			return store.Enrollment{}, common.TransientError("count enrollments", err)
		}
		if active >= int64(class.Capacity) {
			status = store.EnrollmentStatusWaitlist
		}
	}

	e, err := s.Q.InsertEnrollment(ctx, in.StudentID, in.ClassID, status)
	if err != nil {
		if store.IsUniqueViolation(err, store.UniqueActiveEnrollment) {
			return store.Enrollment{}, common.ConflictError("student already enrolled in this class", err)
		}
		return store.Enrollment{}, common.TransientError("create enrollment", err)
	}

	if s.Bus != nil && status != store.EnrollmentStatusWaitlist {
		sid := st.ID
		_, _ = s.Bus.Emit(ctx, events.TopicEnrollmentCreated, e.ID, events.Payload{
			FamilyID:  st.FamilyID,
			StudentID: &sid,
			Context: map[string]any{
				"class_id":   class.ID.String(),
				"program":    class.Program,
				"belt_rank":  st.BeltRank,
				"attendance": st.AttendanceCount,
				"trial":      in.Trial,
			},
		})
	}
	return e, nil
}

// Transition moves an enrollment between statuses, validating the edge and
// guarding against concurrent writers with a compare-and-set.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to string) (store.Enrollment, error) {
	e, err := s.Q.GetEnrollment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return store.Enrollment{}, common.NotFoundError("enrollment not found", err)
		}
		return store.Enrollment{}, common.TransientError("load enrollment", err)
	}
	if !allowed(e.Status, to) {
		return store.Enrollment{}, common.ConflictError("invalid enrollment transition: "+e.Status+" -> "+to, nil)
	}
	ok, err := s.Q.UpdateEnrollmentStatus(ctx, id, e.Status, to)
	if err != nil {
		return store.Enrollment{}, common.TransientError("update enrollment", err)
	}
	if !ok {
		return store.Enrollment{}, common.ConflictError("enrollment changed concurrently", nil)
	}
	e.Status = to
	return e, nil
}

// ForStudent lists a student's enrollments.
func (s *Service) ForStudent(ctx context.Context, studentID uuid.UUID) ([]store.Enrollment, error) {
	out, err := s.Q.ListEnrollmentsByStudent(ctx, studentID)
	if err != nil {
		return nil, common.TransientError("list enrollments", err)
	}
	return out, nil
}

// Classes lists open classes.
func (s *Service) Classes(ctx context.Context) ([]store.Class, error) {
	out, err := s.Q.ListClasses(ctx)
	if err != nil {
		return nil, common.TransientError("list classes", err)
	}
	return out, nil
}

func allowed(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
