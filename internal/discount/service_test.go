package discount

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-dojo/internal/obs"
	"github.com/noah-isme/backend-dojo/internal/store"
)

func TestMain(m *testing.M) {
	obs.MustRegisterDomainMetrics("dojo_test", prometheus.NewRegistry())
	os.Exit(m.Run())
}

type stubQuerier struct {
	rules     []store.DiscountRule
	templates map[uuid.UUID]store.DiscountTemplate
	uses      map[uuid.UUID]int64

	assignments []store.InsertAssignmentParams
	// seen marks (rule, family, event, sequence) tuples already inserted so
	// the stub raises the same unique violation the database would.
	seen map[string]bool
}

func (q *stubQuerier) ListActiveRulesByTrigger(ctx context.Context, trigger string) ([]store.DiscountRule, error) {
	var out []store.DiscountRule
	for _, r := range q.rules {
		if r.TriggerEvent == trigger && r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (q *stubQuerier) GetDiscountTemplate(ctx context.Context, id uuid.UUID) (store.DiscountTemplate, error) {
	t, ok := q.templates[id]
	if !ok {
		return store.DiscountTemplate{}, store.ErrNoRows
	}
	return t, nil
}

func (q *stubQuerier) CountRuleUsesByFamily(ctx context.Context, ruleID, familyID uuid.UUID) (int64, error) {
	return q.uses[ruleID], nil
}

func (q *stubQuerier) InsertAssignment(ctx context.Context, arg store.InsertAssignmentParams) (store.DiscountAssignment, error) {
	key := fmt.Sprintf("%s|%s|%s|%d", arg.RuleID, arg.FamilyID, arg.EventID, arg.Sequence)
	if q.seen == nil {
		q.seen = map[string]bool{}
	}
	if q.seen[key] {
		return store.DiscountAssignment{}, &pgconn.PgError{Code: "23505", ConstraintName: store.UniqueAssignmentPerEvent}
	}
	q.seen[key] = true
	q.assignments = append(q.assignments, arg)
	return store.DiscountAssignment{
		ID: uuid.New(), RuleID: arg.RuleID, TemplateID: arg.TemplateID,
		FamilyID: arg.FamilyID, EventID: arg.EventID, Code: arg.Code, Sequence: arg.Sequence,
	}, nil
}

func (q *stubQuerier) ListAssignmentsByFamily(ctx context.Context, familyID uuid.UUID) ([]store.DiscountAssignment, error) {
	return nil, nil
}

func newService(q Querier) *Service {
	return &Service{Q: q, Logger: zerolog.Nop(), Now: func() time.Time {
		return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	}}
}

func activeTemplate(prefix string) store.DiscountTemplate {
	return store.DiscountTemplate{ID: uuid.New(), Name: prefix, CodePrefix: prefix, Kind: "percent", ValueBps: 5000, Active: true}
}

func promotionEvent(belt string) Event {
	return Event{
		Trigger:    "belt_promotion",
		OccurredAt: time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC),
		BeltRank:   belt,
		Program:    "kids",
		Attendance: 80,
		AgeYears:   11,
	}
}

func TestEvaluateBeltPromotionMatch(t *testing.T) {
	tmpl := activeTemplate("BLACK")
	q := &stubQuerier{
		templates: map[uuid.UUID]store.DiscountTemplate{tmpl.ID: tmpl},
		rules: []store.DiscountRule{{
			ID: uuid.New(), Name: "black belt reward", TriggerEvent: "belt_promotion",
			Conditions:  json.RawMessage(`{"belt_rank":"black"}`),
			TemplateIDs: []uuid.UUID{tmpl.ID},
			Active:      true,
		}},
	}
	svc := newService(q)

	got, err := svc.Evaluate(context.Background(), EvaluateInput{
		EventID: uuid.New(), FamilyID: uuid.New(), Event: promotionEvent("black"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("assignments = %d, want 1", len(got))
	}
	if got[0].Code == "" || got[0].Code[:6] != "BLACK-" {
		t.Errorf("code = %q, want BLACK- prefix", got[0].Code)
	}

	// Same rule, brown belt: conditions do not match, nothing fires.
	got, err = svc.Evaluate(context.Background(), EvaluateInput{
		EventID: uuid.New(), FamilyID: uuid.New(), Event: promotionEvent("brown"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("brown belt produced %d assignments", len(got))
	}
}

func TestEvaluateSequencedTemplatesKeepOrder(t *testing.T) {
	first := activeTemplate("MONTH1")
	second := activeTemplate("MONTH2")
	q := &stubQuerier{
		templates: map[uuid.UUID]store.DiscountTemplate{first.ID: first, second.ID: second},
		rules: []store.DiscountRule{{
			ID: uuid.New(), Name: "welcome series", TriggerEvent: "student_enrollment",
			TemplateIDs: []uuid.UUID{first.ID, second.ID},
			Active:      true,
		}},
	}
	svc := newService(q)

	got, err := svc.Evaluate(context.Background(), EvaluateInput{
		EventID: uuid.New(), FamilyID: uuid.New(),
		Event: Event{Trigger: "student_enrollment", OccurredAt: svc.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("assignments = %d, want 2", len(got))
	}
	if got[0].TemplateID != first.ID || got[0].Sequence != 0 {
		t.Errorf("first assignment out of order: %+v", got[0])
	}
	if got[1].TemplateID != second.ID || got[1].Sequence != 1 {
		t.Errorf("second assignment out of order: %+v", got[1])
	}
}

func TestEvaluateMisconfiguredRuleSkipped(t *testing.T) {
	good := activeTemplate("GOOD")
	q := &stubQuerier{
		templates: map[uuid.UUID]store.DiscountTemplate{good.ID: good},
		rules: []store.DiscountRule{
			{
				ID: uuid.New(), Name: "broken conditions", TriggerEvent: "belt_promotion",
				Conditions:  json.RawMessage(`{"belt_rank":`),
				TemplateIDs: []uuid.UUID{good.ID},
				Active:      true,
			},
			{
				ID: uuid.New(), Name: "missing template", TriggerEvent: "belt_promotion",
				TemplateIDs: []uuid.UUID{uuid.New()},
				Active:      true,
			},
			{
				ID: uuid.New(), Name: "healthy", TriggerEvent: "belt_promotion",
				TemplateIDs: []uuid.UUID{good.ID},
				Active:      true,
			},
		},
	}
	svc := newService(q)

	got, err := svc.Evaluate(context.Background(), EvaluateInput{
		EventID: uuid.New(), FamilyID: uuid.New(), Event: promotionEvent("black"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("assignments = %d, want 1 from the healthy rule", len(got))
	}
}

func TestEvaluateEventIdempotent(t *testing.T) {
	tmpl := activeTemplate("ONCE")
	q := &stubQuerier{
		templates: map[uuid.UUID]store.DiscountTemplate{tmpl.ID: tmpl},
		rules: []store.DiscountRule{{
			ID: uuid.New(), Name: "once per event", TriggerEvent: "belt_promotion",
			TemplateIDs: []uuid.UUID{tmpl.ID},
			Active:      true,
		}},
	}
	svc := newService(q)
	in := EvaluateInput{EventID: uuid.New(), FamilyID: uuid.New(), Event: promotionEvent("black")}

	if _, err := svc.Evaluate(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	// Redelivered task for the same event: unique index absorbs the insert.
	got, err := svc.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("redelivery assigned %d new codes", len(got))
	}
	if len(q.assignments) != 1 {
		t.Fatalf("stored assignments = %d, want 1", len(q.assignments))
	}
}

func TestEvaluateFamilyCap(t *testing.T) {
	tmpl := activeTemplate("CAP")
	rule := store.DiscountRule{
		ID: uuid.New(), Name: "capped", TriggerEvent: "belt_promotion",
		TemplateIDs:      []uuid.UUID{tmpl.ID},
		MaxUsesPerFamily: 2,
		Active:           true,
	}
	q := &stubQuerier{
		templates: map[uuid.UUID]store.DiscountTemplate{tmpl.ID: tmpl},
		rules:     []store.DiscountRule{rule},
		uses:      map[uuid.UUID]int64{rule.ID: 2},
	}
	svc := newService(q)

	got, err := svc.Evaluate(context.Background(), EvaluateInput{
		EventID: uuid.New(), FamilyID: uuid.New(), Event: promotionEvent("black"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("cap exhausted but %d codes assigned", len(got))
	}
}

func TestEvaluateFirstPaymentOncePerFamily(t *testing.T) {
	tmpl := activeTemplate("WELCOME")
	// No configured cap: the trigger itself caps the offer at one use.
	rule := store.DiscountRule{
		ID: uuid.New(), Name: "new family welcome", TriggerEvent: "first_payment",
		TemplateIDs: []uuid.UUID{tmpl.ID},
		Active:      true,
	}
	q := &stubQuerier{
		templates: map[uuid.UUID]store.DiscountTemplate{tmpl.ID: tmpl},
		rules:     []store.DiscountRule{rule},
	}
	svc := newService(q)
	familyID := uuid.New()
	event := Event{Trigger: "first_payment", OccurredAt: svc.Now()}

	got, err := svc.Evaluate(context.Background(), EvaluateInput{
		EventID: uuid.New(), FamilyID: familyID, Event: event,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("first payment assigned %d codes, want 1", len(got))
	}

	// A renewal raises the same trigger; the prior use blocks a second code.
	q.uses = map[uuid.UUID]int64{rule.ID: 1}
	got, err = svc.Evaluate(context.Background(), EvaluateInput{
		EventID: uuid.New(), FamilyID: familyID, Event: event,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("renewal payment assigned %d codes, want 0", len(got))
	}
}

func TestEvaluateValidityWindow(t *testing.T) {
	tmpl := activeTemplate("EXPIRED")
	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := &stubQuerier{
		templates: map[uuid.UUID]store.DiscountTemplate{tmpl.ID: tmpl},
		rules: []store.DiscountRule{{
			ID: uuid.New(), Name: "january only", TriggerEvent: "belt_promotion",
			TemplateIDs: []uuid.UUID{tmpl.ID},
			ValidTo:     &past,
			Active:      true,
		}},
	}
	svc := newService(q)

	got, err := svc.Evaluate(context.Background(), EvaluateInput{
		EventID: uuid.New(), FamilyID: uuid.New(), Event: promotionEvent("black"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expired rule assigned %d codes", len(got))
	}
}
