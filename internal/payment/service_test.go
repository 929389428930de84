package payment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-dojo/internal/store"
)

type stubQuerier struct {
	family   store.Family
	inserted []store.InsertPaymentParams
	attached map[uuid.UUID]string
}

func (q *stubQuerier) GetFamily(ctx context.Context, id uuid.UUID) (store.Family, error) {
	if id != q.family.ID {
		return store.Family{}, store.ErrNoRows
	}
	return q.family, nil
}

func (q *stubQuerier) InsertPayment(ctx context.Context, arg store.InsertPaymentParams) (store.Payment, error) {
	q.inserted = append(q.inserted, arg)
	return store.Payment{
		ID:            uuid.New(),
		FamilyID:      arg.FamilyID,
		Type:          arg.Type,
		Status:        store.PaymentStatusPending,
		SubtotalCents: arg.SubtotalCents,
		TaxCents:      arg.TaxCents,
		TotalCents:    arg.TotalCents,
		Currency:      arg.Currency,
		SessionCount:  arg.SessionCount,
		PaymentDate:   arg.PaymentDate,
	}, nil
}

func (q *stubQuerier) AttachPaymentIntent(ctx context.Context, id uuid.UUID, intentID string) error {
	if q.attached == nil {
		q.attached = map[uuid.UUID]string{}
	}
	q.attached[id] = intentID
	return nil
}

func (q *stubQuerier) ListPaymentsByFamily(ctx context.Context, familyID uuid.UUID) ([]store.Payment, error) {
	return nil, nil
}

func newCheckoutService(q Querier) *Service {
	return &Service{
		Q:        q,
		Provider: &stubProvider{},
		TaxBps:   0,
		Currency: "usd",
		Now:      func() time.Time { return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC) },
	}
}

func TestCheckoutMonthlyGroup(t *testing.T) {
	q := &stubQuerier{family: store.Family{ID: uuid.New()}}
	svc := newCheckoutService(q)

	res, err := svc.Checkout(context.Background(), CheckoutInput{
		FamilyID: q.family.ID,
		Type:     store.PaymentTypeMonthlyGroup,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.TotalCents != 15000 {
		t.Errorf("total = %d, want price book 15000", res.Payment.TotalCents)
	}
	if res.Payment.SessionCount != 0 {
		t.Errorf("session count = %d, want 0 for subscriptions", res.Payment.SessionCount)
	}
	if res.ClientSecret == "" || res.Provider == "" {
		t.Error("checkout result missing intent details")
	}
	if got := q.attached[res.Payment.ID]; got != "pi_stub" {
		t.Errorf("intent not attached, got %q", got)
	}
}

func TestCheckoutSessionPackQuantity(t *testing.T) {
	q := &stubQuerier{family: store.Family{ID: uuid.New()}}
	svc := newCheckoutService(q)

	res, err := svc.Checkout(context.Background(), CheckoutInput{
		FamilyID:     q.family.ID,
		Type:         store.PaymentTypeIndividualSession,
		SessionCount: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.TotalCents != 75000 {
		t.Errorf("total = %d, want 10 x 7500", res.Payment.TotalCents)
	}
	if res.Payment.SessionCount != 10 {
		t.Errorf("session count = %d, want 10", res.Payment.SessionCount)
	}
}

func TestCheckoutValidation(t *testing.T) {
	q := &stubQuerier{family: store.Family{ID: uuid.New()}}
	svc := newCheckoutService(q)

	if _, err := svc.Checkout(context.Background(), CheckoutInput{FamilyID: q.family.ID, Type: "lunch"}); err == nil {
		t.Error("unknown payment type accepted")
	}
	if _, err := svc.Checkout(context.Background(), CheckoutInput{
		FamilyID: q.family.ID, Type: store.PaymentTypeIndividualSession,
	}); err == nil {
		t.Error("session pack without count accepted")
	}
	if _, err := svc.Checkout(context.Background(), CheckoutInput{
		FamilyID: uuid.New(), Type: store.PaymentTypeMonthlyGroup,
	}); err == nil {
		t.Error("unknown family accepted")
	}
}
