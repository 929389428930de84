package family

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-dojo/internal/common"
	"github.com/noah-isme/backend-dojo/internal/eligibility"
	"github.com/noah-isme/backend-dojo/internal/events"
	"github.com/noah-isme/backend-dojo/internal/obs"
	"github.com/noah-isme/backend-dojo/internal/store"
)

// Attendance milestones that fire automation events when crossed.
var attendanceMilestones = []int32{10, 25, 50, 100, 250, 500}

// Querier captures the database methods required by the family service.
type Querier interface {
	InsertFamily(ctx context.Context, arg store.InsertFamilyParams) (store.Family, error)
	GetFamily(ctx context.Context, id uuid.UUID) (store.Family, error)
	UpdateFamily(ctx context.Context, arg store.UpdateFamilyParams) (store.Family, error)
	InsertStudent(ctx context.Context, arg store.InsertStudentParams) (store.Student, error)
	GetStudent(ctx context.Context, id uuid.UUID) (store.Student, error)
	ListStudentsByFamily(ctx context.Context, familyID uuid.UUID) ([]store.Student, error)
	PromoteStudentBelt(ctx context.Context, id uuid.UUID, beltRank string) (store.Student, error)
	IncrementAttendance(ctx context.Context, id uuid.UUID) (int32, error)
	DeactivateStudent(ctx context.Context, id uuid.UUID) error
	DebitSessionBalance(ctx context.Context, familyID uuid.UUID) (bool, error)
	ListSucceededPaymentsForStudent(ctx context.Context, familyID, studentID uuid.UUID) ([]store.Payment, error)
}

// Service manages households and their students.
type Service struct {
	Q   Querier
	Bus *events.Bus
	Now func() time.Time
}

// RegisterInput describes a new household.
type RegisterInput struct {
	Name          string
	BillingStreet string
	BillingCity   string
	BillingRegion string
	BillingPostal string
}

// Register creates a family and emits the registration event.
func (s *Service) Register(ctx context.Context, in RegisterInput) (store.Family, error) {
	if in.Name == "" {
		return store.Family{}, common.ValidationError("family name is required", nil)
	}
	f, err := s.Q.InsertFamily(ctx, store.InsertFamilyParams{
		Name:          in.Name,
		BillingStreet: in.BillingStreet,
		BillingCity:   in.BillingCity,
		BillingRegion: in.BillingRegion,
		BillingPostal: in.BillingPostal,
	})
	if err != nil {
		return store.Family{}, common.TransientError("create family", err)
	}
	if s.Bus != nil {
		// Registration stands even when the event fan-out hiccups.
		_, _ = s.Bus.Emit(ctx, events.TopicFamilyRegistered, f.ID, events.Payload{FamilyID: f.ID})
	}
	return f, nil
}

// StudentView pairs a student row with its derived eligibility.
type StudentView struct {
	Student     store.Student      `json:"student"`
	Eligibility eligibility.Result `json:"eligibility"`
}

// FamilyView is the household detail presentation.
type FamilyView struct {
	Family   store.Family  `json:"family"`
	Students []StudentView `json:"students"`
}

// Get loads a family with students and their eligibility, computed fresh from
// payment rows on every call.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (FamilyView, error) {
	f, err := s.Q.GetFamily(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return FamilyView{}, common.NotFoundError("family not found", err)
		}
		return FamilyView{}, common.TransientError("load family", err)
	}
	students, err := s.Q.ListStudentsByFamily(ctx, id)
	if err != nil {
		return FamilyView{}, common.TransientError("load students", err)
	}
	view := FamilyView{Family: f, Students: make([]StudentView, 0, len(students))}
	now := s.now()
	for _, st := range students {
		res, err := s.evaluateEligibility(ctx, st, now)
		if err != nil {
			return FamilyView{}, err
		}
		view.Students = append(view.Students, StudentView{Student: st, Eligibility: res})
	}
	return view, nil
}

// Update rewrites family mutable fields.
func (s *Service) Update(ctx context.Context, arg store.UpdateFamilyParams) (store.Family, error) {
	if arg.Name == "" {
		return store.Family{}, common.ValidationError("family name is required", nil)
	}
	f, err := s.Q.UpdateFamily(ctx, arg)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return store.Family{}, common.NotFoundError("family not found", err)
		}
		return store.Family{}, common.TransientError("update family", err)
	}
	return f, nil
}

// AddStudentInput describes a new student.
type AddStudentInput struct {
	FamilyID  uuid.UUID
	FirstName string
	LastName  string
	BirthDate time.Time
	BeltRank  string
	Program   string
}

// AddStudent creates a student under the family.
func (s *Service) AddStudent(ctx context.Context, in AddStudentInput) (store.Student, error) {
	if in.FirstName == "" || in.LastName == "" {
		return store.Student{}, common.ValidationError("student name is required", nil)
	}
	if in.BirthDate.IsZero() || in.BirthDate.After(s.now()) {
		return store.Student{}, common.ValidationError("birth date must be in the past", nil)
	}
	if in.BeltRank == "" {
		in.BeltRank = "white"
	}
	st, err := s.Q.InsertStudent(ctx, store.InsertStudentParams{
		FamilyID:  in.FamilyID,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		BirthDate: in.BirthDate,
		BeltRank:  in.BeltRank,
		Program:   in.Program,
	})
	if err != nil {
		return store.Student{}, common.TransientError("create student", err)
	}
	return st, nil
}

// GetStudent loads a student with eligibility.
func (s *Service) GetStudent(ctx context.Context, id uuid.UUID) (StudentView, error) {
	st, err := s.Q.GetStudent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return StudentView{}, common.NotFoundError("student not found", err)
		}
		return StudentView{}, common.TransientError("load student", err)
	}
	res, err := s.evaluateEligibility(ctx, st, s.now())
	if err != nil {
		return StudentView{}, err
	}
	return StudentView{Student: st, Eligibility: res}, nil
}

// PromoteBelt updates a student's rank and emits the promotion event.
func (s *Service) PromoteBelt(ctx context.Context, id uuid.UUID, beltRank string) (store.Student, error) {
	if beltRank == "" {
		return store.Student{}, common.ValidationError("belt rank is required", nil)
	}
	st, err := s.Q.PromoteStudentBelt(ctx, id, beltRank)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return store.Student{}, common.NotFoundError("student not found", err)
		}
		return store.Student{}, common.TransientError("promote student", err)
	}
	if s.Bus != nil {
		sid := st.ID
		_, _ = s.Bus.Emit(ctx, events.TopicStudentPromoted, st.ID, events.Payload{
			FamilyID:  st.FamilyID,
			StudentID: &sid,
			Context: map[string]any{
				"belt_rank":  st.BeltRank,
				"program":    st.Program,
				"attendance": st.AttendanceCount,
				"age_years":  ageYears(st.BirthDate, s.now()),
			},
		})
	}
	return st, nil
}

// RecordAttendance bumps the counter and emits a milestone event when one is
// crossed.
func (s *Service) RecordAttendance(ctx context.Context, id uuid.UUID) (int32, error) {
	count, err := s.Q.IncrementAttendance(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return 0, common.NotFoundError("student not found", err)
		}
		return 0, common.TransientError("record attendance", err)
	}
	if s.Bus != nil && isMilestone(count) {
		st, err := s.Q.GetStudent(ctx, id)
		if err == nil {
			sid := st.ID
			_, _ = s.Bus.Emit(ctx, events.TopicAttendanceMilestone, st.ID, events.Payload{
				FamilyID:  st.FamilyID,
				StudentID: &sid,
				Context: map[string]any{
					"belt_rank":  st.BeltRank,
					"program":    st.Program,
					"attendance": count,
					"age_years":  ageYears(st.BirthDate, s.now()),
				},
			})
		}
	}
	return count, nil
}

// DeactivateStudent soft-disables a student. The row stays for payment and
// attendance history.
func (s *Service) DeactivateStudent(ctx context.Context, id uuid.UUID) error {
	if _, err := s.Q.GetStudent(ctx, id); err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return common.NotFoundError("student not found", err)
		}
		return common.TransientError("load student", err)
	}
	if err := s.Q.DeactivateStudent(ctx, id); err != nil {
		return common.TransientError("deactivate student", err)
	}
	return nil
}

// ConsumeSession debits one prepaid session from the family balance, typically
// at front-desk check-in for a session-pack visit.
func (s *Service) ConsumeSession(ctx context.Context, familyID uuid.UUID) (store.Family, error) {
	ok, err := s.Q.DebitSessionBalance(ctx, familyID)
	if err != nil {
		return store.Family{}, common.TransientError("debit session balance", err)
	}
	if !ok {
		return store.Family{}, common.ConflictError("no prepaid sessions remaining", nil)
	}
	f, err := s.Q.GetFamily(ctx, familyID)
	if err != nil {
		return store.Family{}, common.TransientError("load family", err)
	}
	return f, nil
}

func (s *Service) evaluateEligibility(ctx context.Context, st store.Student, now time.Time) (eligibility.Result, error) {
	payments, err := s.Q.ListSucceededPaymentsForStudent(ctx, st.FamilyID, st.ID)
	if err != nil {
		return eligibility.Result{}, common.TransientError("load payments", err)
	}
	records := make([]eligibility.PaymentRecord, 0, len(payments))
	for _, p := range payments {
		records = append(records, eligibility.PaymentRecord{
			Type:        p.Type,
			Succeeded:   p.Status == store.PaymentStatusSucceeded,
			PaymentDate: p.PaymentDate,
			CreatedAt:   p.CreatedAt,
		})
	}
	res := eligibility.Evaluate(records, now)
	obs.EligibilityCheckTotal.WithLabelValues(string(res.Reason)).Inc()
	return res, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func isMilestone(count int32) bool {
	for _, m := range attendanceMilestones {
		if count == m {
			return true
		}
	}
	return false
}

func ageYears(birth time.Time, now time.Time) int32 {
	years := now.Year() - birth.Year()
	anniversary := birth.AddDate(years, 0, 0)
	if anniversary.After(now) {
		years--
	}
	if years < 0 {
		years = 0
	}
	return int32(years)
}
