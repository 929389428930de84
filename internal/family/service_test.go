package family

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/noah-isme/backend-dojo/internal/common"
	"github.com/noah-isme/backend-dojo/internal/eligibility"
	"github.com/noah-isme/backend-dojo/internal/events"
	"github.com/noah-isme/backend-dojo/internal/obs"
	"github.com/noah-isme/backend-dojo/internal/store"
)

func TestMain(m *testing.M) {
	obs.MustRegisterDomainMetrics("dojo_test", prometheus.NewRegistry())
	os.Exit(m.Run())
}

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type stubQuerier struct {
	family   store.Family
	students map[uuid.UUID]store.Student
	payments map[uuid.UUID][]store.Payment
}

func newStub() *stubQuerier {
	return &stubQuerier{
		family:   store.Family{ID: uuid.New(), Name: "Silva"},
		students: map[uuid.UUID]store.Student{},
		payments: map[uuid.UUID][]store.Payment{},
	}
}

func (q *stubQuerier) addStudent(beltRank string, birth time.Time) store.Student {
	st := store.Student{
		ID: uuid.New(), FamilyID: q.family.ID, FirstName: "Ana", LastName: "Silva",
		BirthDate: birth, BeltRank: beltRank, Program: "kids", Active: true,
	}
	q.students[st.ID] = st
	return st
}

func (q *stubQuerier) InsertFamily(ctx context.Context, arg store.InsertFamilyParams) (store.Family, error) {
	return store.Family{ID: uuid.New(), Name: arg.Name, BillingCity: arg.BillingCity}, nil
}

func (q *stubQuerier) GetFamily(ctx context.Context, id uuid.UUID) (store.Family, error) {
	if id != q.family.ID {
		return store.Family{}, store.ErrNoRows
	}
	return q.family, nil
}

func (q *stubQuerier) UpdateFamily(ctx context.Context, arg store.UpdateFamilyParams) (store.Family, error) {
	if arg.ID != q.family.ID {
		return store.Family{}, store.ErrNoRows
	}
	q.family.Name = arg.Name
	return q.family, nil
}

func (q *stubQuerier) InsertStudent(ctx context.Context, arg store.InsertStudentParams) (store.Student, error) {
	st := store.Student{
		ID: uuid.New(), FamilyID: arg.FamilyID, FirstName: arg.FirstName, LastName: arg.LastName,
		BirthDate: arg.BirthDate, BeltRank: arg.BeltRank, Program: arg.Program, Active: true,
	}
	q.students[st.ID] = st
	return st, nil
}

func (q *stubQuerier) GetStudent(ctx context.Context, id uuid.UUID) (store.Student, error) {
	st, ok := q.students[id]
	if !ok {
		return store.Student{}, store.ErrNoRows
	}
	return st, nil
}

func (q *stubQuerier) ListStudentsByFamily(ctx context.Context, familyID uuid.UUID) ([]store.Student, error) {
	var out []store.Student
	for _, st := range q.students {
		if st.FamilyID == familyID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (q *stubQuerier) PromoteStudentBelt(ctx context.Context, id uuid.UUID, beltRank string) (store.Student, error) {
	st, ok := q.students[id]
	if !ok {
		return store.Student{}, store.ErrNoRows
	}
	st.BeltRank = beltRank
	q.students[id] = st
	return st, nil
}

func (q *stubQuerier) IncrementAttendance(ctx context.Context, id uuid.UUID) (int32, error) {
	st, ok := q.students[id]
	if !ok {
		return 0, store.ErrNoRows
	}
	st.AttendanceCount++
	q.students[id] = st
	return st.AttendanceCount, nil
}

func (q *stubQuerier) DeactivateStudent(ctx context.Context, id uuid.UUID) error {
	st, ok := q.students[id]
	if !ok {
		return store.ErrNoRows
	}
	st.Active = false
	q.students[id] = st
	return nil
}

func (q *stubQuerier) DebitSessionBalance(ctx context.Context, familyID uuid.UUID) (bool, error) {
	if familyID != q.family.ID || q.family.SessionBalance <= 0 {
		return false, nil
	}
	q.family.SessionBalance--
	return true, nil
}

func (q *stubQuerier) ListSucceededPaymentsForStudent(ctx context.Context, familyID, studentID uuid.UUID) ([]store.Payment, error) {
	return q.payments[studentID], nil
}

type captureEvents struct {
	emitted []struct {
		Topic   string
		Payload json.RawMessage
	}
}

func (c *captureEvents) InsertDomainEvent(ctx context.Context, topic string, aggregateID uuid.UUID, payload json.RawMessage) (store.DomainEvent, error) {
	c.emitted = append(c.emitted, struct {
		Topic   string
		Payload json.RawMessage
	}{topic, payload})
	return store.DomainEvent{ID: uuid.New(), Topic: topic, AggregateID: aggregateID, Payload: payload, OccurredAt: testNow}, nil
}

func newService(q Querier, bus *events.Bus) *Service {
	return &Service{Q: q, Bus: bus, Now: func() time.Time { return testNow }}
}

func TestGetDerivesEligibilityPerStudent(t *testing.T) {
	q := newStub()
	paid := q.addStudent("green", testNow.AddDate(-10, 0, 0))
	trial := q.addStudent("white", testNow.AddDate(-8, 0, 0))
	q.payments[paid.ID] = []store.Payment{{
		Type:        store.PaymentTypeMonthlyGroup,
		Status:      store.PaymentStatusSucceeded,
		PaymentDate: testNow.AddDate(0, 0, -10),
		CreatedAt:   testNow.AddDate(0, 0, -10),
	}}
	svc := newService(q, nil)

	view, err := svc.Get(context.Background(), q.family.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Students) != 2 {
		t.Fatalf("students = %d", len(view.Students))
	}
	byID := map[uuid.UUID]StudentView{}
	for _, sv := range view.Students {
		byID[sv.Student.ID] = sv
	}
	if byID[paid.ID].Eligibility.Reason != eligibility.ReasonPaid {
		t.Errorf("paying student reason = %s", byID[paid.ID].Eligibility.Reason)
	}
	if byID[trial.ID].Eligibility.Reason != eligibility.ReasonTrial {
		t.Errorf("new student reason = %s", byID[trial.ID].Eligibility.Reason)
	}
}

func TestAddStudentDefaultsAndValidation(t *testing.T) {
	q := newStub()
	svc := newService(q, nil)

	st, err := svc.AddStudent(context.Background(), AddStudentInput{
		FamilyID: q.family.ID, FirstName: "Ana", LastName: "Silva",
		BirthDate: testNow.AddDate(-9, 0, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.BeltRank != "white" {
		t.Errorf("belt rank = %s, want default white", st.BeltRank)
	}

	if _, err := svc.AddStudent(context.Background(), AddStudentInput{
		FamilyID: q.family.ID, FirstName: "Ana", LastName: "Silva",
		BirthDate: testNow.AddDate(1, 0, 0),
	}); !common.IsCode(err, common.CodeValidation) {
		t.Errorf("future birth date: err = %v", err)
	}
	if _, err := svc.AddStudent(context.Background(), AddStudentInput{FamilyID: q.family.ID}); !common.IsCode(err, common.CodeValidation) {
		t.Errorf("missing name: err = %v", err)
	}
}

func TestPromoteBeltEmitsEvent(t *testing.T) {
	q := newStub()
	st := q.addStudent("brown", testNow.AddDate(-17, 0, 0))
	capture := &captureEvents{}
	svc := newService(q, &events.Bus{Store: capture})

	updated, err := svc.PromoteBelt(context.Background(), st.ID, "black")
	if err != nil {
		t.Fatal(err)
	}
	if updated.BeltRank != "black" {
		t.Fatalf("belt = %s", updated.BeltRank)
	}
	if len(capture.emitted) != 1 || capture.emitted[0].Topic != events.TopicStudentPromoted {
		t.Fatalf("emitted = %+v", capture.emitted)
	}
	var p events.Payload
	if err := json.Unmarshal(capture.emitted[0].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Context["belt_rank"] != "black" {
		t.Errorf("event belt_rank = %v", p.Context["belt_rank"])
	}
	if age, ok := p.Context["age_years"].(float64); !ok || int(age) != 17 {
		t.Errorf("event age_years = %v", p.Context["age_years"])
	}
}

func TestRecordAttendanceMilestones(t *testing.T) {
	q := newStub()
	st := q.addStudent("green", testNow.AddDate(-12, 0, 0))
	stored := q.students[st.ID]
	stored.AttendanceCount = 8
	q.students[st.ID] = stored

	capture := &captureEvents{}
	svc := newService(q, &events.Bus{Store: capture})

	// 9 is not a milestone, 10 is.
	if _, err := svc.RecordAttendance(context.Background(), st.ID); err != nil {
		t.Fatal(err)
	}
	if len(capture.emitted) != 0 {
		t.Fatalf("count 9 emitted %d events", len(capture.emitted))
	}
	count, err := svc.RecordAttendance(context.Background(), st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 10 {
		t.Fatalf("count = %d", count)
	}
	if len(capture.emitted) != 1 || capture.emitted[0].Topic != events.TopicAttendanceMilestone {
		t.Fatalf("milestone event missing: %+v", capture.emitted)
	}
}

func TestAgeYears(t *testing.T) {
	cases := []struct {
		birth string
		want  int32
	}{
		{"2016-06-15", 10}, // birthday today
		{"2016-06-16", 9},  // birthday tomorrow
		{"2016-06-14", 10},
		{"2026-06-01", 0},
		{"2027-01-01", 0}, // clamped, never negative
	}
	for _, tc := range cases {
		birth, err := time.Parse("2006-01-02", tc.birth)
		if err != nil {
			t.Fatal(err)
		}
		if got := ageYears(birth, testNow); got != tc.want {
			t.Errorf("ageYears(%s) = %d, want %d", tc.birth, got, tc.want)
		}
	}
}

func TestDeactivateStudentSoftDeletes(t *testing.T) {
	q := newStub()
	st := q.addStudent("white", testNow.AddDate(-9, 0, 0))
	svc := newService(q, nil)

	if err := svc.DeactivateStudent(context.Background(), st.ID); err != nil {
		t.Fatal(err)
	}
	if q.students[st.ID].Active {
		t.Error("student still active")
	}
	if err := svc.DeactivateStudent(context.Background(), uuid.New()); !common.IsCode(err, common.CodeNotFound) {
		t.Errorf("unknown student: err = %v", err)
	}
}

func TestConsumeSession(t *testing.T) {
	q := newStub()
	q.family.SessionBalance = 1
	svc := newService(q, nil)

	f, err := svc.ConsumeSession(context.Background(), q.family.ID)
	if err != nil {
		t.Fatal(err)
	}
	if f.SessionBalance != 0 {
		t.Fatalf("balance = %d, want 0", f.SessionBalance)
	}
	// Empty balance refuses instead of going negative.
	if _, err := svc.ConsumeSession(context.Background(), q.family.ID); !common.IsCode(err, common.CodeConflict) {
		t.Errorf("empty balance: err = %v", err)
	}
}

func TestRegisterEmitsEvent(t *testing.T) {
	q := newStub()
	capture := &captureEvents{}
	svc := newService(q, &events.Bus{Store: capture})

	f, err := svc.Register(context.Background(), RegisterInput{Name: "Silva", BillingCity: "Austin"})
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != "Silva" {
		t.Fatalf("name = %s", f.Name)
	}
	if len(capture.emitted) != 1 || capture.emitted[0].Topic != events.TopicFamilyRegistered {
		t.Fatalf("emitted = %+v", capture.emitted)
	}
}
