package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-dojo/internal/obs"
	"github.com/noah-isme/backend-dojo/internal/store"
)

func TestMain(m *testing.M) {
	obs.MustRegisterDomainMetrics("dojo_test", prometheus.NewRegistry())
	os.Exit(m.Run())
}

type stubProvider struct {
	result WebhookVerifyResult
	err    error
}

func (p *stubProvider) CreateIntent(ctx context.Context, req IntentRequest) (IntentResponse, error) {
	return IntentResponse{Provider: "stub", IntentID: "pi_stub", ClientSecret: "cs_stub"}, nil
}

func (p *stubProvider) VerifyWebhook(r *http.Request, body []byte) (WebhookVerifyResult, error) {
	return p.result, p.err
}

type stubReconcileStore struct {
	payment store.Payment
	getErr  error
	markErr error

	succeededCalls int
	failedCalls    int
	credits        []int32
	creditErr      error
}

func (s *stubReconcileStore) GetPayment(ctx context.Context, id uuid.UUID) (store.Payment, error) {
	if s.getErr != nil {
		return store.Payment{}, s.getErr
	}
	if id != s.payment.ID {
		return store.Payment{}, store.ErrNoRows
	}
	return s.payment, nil
}

func (s *stubReconcileStore) MarkPaymentSucceeded(ctx context.Context, arg store.MarkPaymentSucceededParams) (bool, error) {
	if s.markErr != nil {
		return false, s.markErr
	}
	s.succeededCalls++
	if s.payment.Status != store.PaymentStatusPending {
		return false, nil
	}
	s.payment.Status = store.PaymentStatusSucceeded
	return true, nil
}

func (s *stubReconcileStore) MarkPaymentFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	s.failedCalls++
	if s.payment.Status != store.PaymentStatusPending {
		return false, nil
	}
	s.payment.Status = store.PaymentStatusFailed
	return true, nil
}

func (s *stubReconcileStore) CreditSessionBalance(ctx context.Context, familyID uuid.UUID, sessions int32) error {
	if s.creditErr != nil {
		return s.creditErr
	}
	s.credits = append(s.credits, sessions)
	return nil
}

func newWebhook(provider Provider, st ReconcileStore) *Webhook {
	return &Webhook{
		Provider: provider,
		Store:    st,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC) },
	}
}

func deliver(t *testing.T, h *Webhook) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook/stripe", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestWebhookDuplicateDeliveryCreditsOnce(t *testing.T) {
	id := uuid.New()
	st := &stubReconcileStore{payment: store.Payment{
		ID:           id,
		FamilyID:     uuid.New(),
		Type:         store.PaymentTypeIndividualSession,
		Status:       store.PaymentStatusPending,
		SessionCount: 8,
	}}
	h := newWebhook(&stubProvider{result: WebhookVerifyResult{
		Valid: true, PaymentID: id.String(), Outcome: OutcomeSucceeded, ReceiptRef: "https://r", MethodDesc: "visa 4242",
	}}, st)

	for i := 0; i < 3; i++ {
		if rec := deliver(t, h); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status %d, body %s", i, rec.Code, rec.Body.String())
		}
	}
	if len(st.credits) != 1 || st.credits[0] != 8 {
		t.Fatalf("session credits = %v, want exactly one credit of 8", st.credits)
	}
	if st.payment.Status != store.PaymentStatusSucceeded {
		t.Fatalf("payment status = %s", st.payment.Status)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	st := &stubReconcileStore{}
	h := newWebhook(&stubProvider{result: WebhookVerifyResult{Valid: false, Err: errors.New("bad sig")}}, st)
	if rec := deliver(t, h); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if st.succeededCalls != 0 || st.failedCalls != 0 {
		t.Fatal("store touched despite failed verification")
	}
}

func TestWebhookMissingCorrelationID(t *testing.T) {
	h := newWebhook(&stubProvider{result: WebhookVerifyResult{Valid: true, Outcome: OutcomeSucceeded}}, &stubReconcileStore{})
	if rec := deliver(t, h); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookMalformedCorrelationID(t *testing.T) {
	h := newWebhook(&stubProvider{result: WebhookVerifyResult{
		Valid: true, PaymentID: "not-a-uuid", Outcome: OutcomeSucceeded,
	}}, &stubReconcileStore{})
	if rec := deliver(t, h); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookUnknownPayment(t *testing.T) {
	h := newWebhook(&stubProvider{result: WebhookVerifyResult{
		Valid: true, PaymentID: uuid.NewString(), Outcome: OutcomeSucceeded,
	}}, &stubReconcileStore{payment: store.Payment{ID: uuid.New()}})
	// Correlation ids we never issued are a 400, not a retryable 500.
	if rec := deliver(t, h); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookTransientStoreErrorRetries(t *testing.T) {
	id := uuid.New()
	st := &stubReconcileStore{
		payment: store.Payment{ID: id, Status: store.PaymentStatusPending, Type: store.PaymentTypeMonthlyGroup},
		markErr: errors.New("connection reset"),
	}
	h := newWebhook(&stubProvider{result: WebhookVerifyResult{
		Valid: true, PaymentID: id.String(), Outcome: OutcomeSucceeded,
	}}, st)
	if rec := deliver(t, h); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 so the processor redelivers", rec.Code)
	}
}

func TestWebhookReplayGuardReleasedOnTransientFailure(t *testing.T) {
	id := uuid.New()
	st := &stubReconcileStore{
		payment: store.Payment{
			ID:           id,
			FamilyID:     uuid.New(),
			Type:         store.PaymentTypeIndividualSession,
			Status:       store.PaymentStatusPending,
			SessionCount: 4,
		},
		markErr: errors.New("connection reset"),
	}
	h := newWebhook(&stubProvider{result: WebhookVerifyResult{
		Valid: true, PaymentID: id.String(), Outcome: OutcomeSucceeded,
	}}, st)
	mr := miniredis.RunT(t)
	h.Replay = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	h.ReplayTTL = time.Hour

	if rec := deliver(t, h); rec.Code != http.StatusInternalServerError {
		t.Fatalf("failed delivery: status = %d, want 500", rec.Code)
	}

	// The redelivery carries the identical body. The duplicate filter must
	// not answer for a delivery that never reached a terminal state.
	st.markErr = nil
	rec := deliver(t, h)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "duplicate") {
		t.Fatalf("redelivery swallowed as duplicate: %s", rec.Body.String())
	}
	if st.payment.Status != store.PaymentStatusSucceeded {
		t.Fatalf("payment status = %s, want succeeded", st.payment.Status)
	}
	if len(st.credits) != 1 || st.credits[0] != 4 {
		t.Fatalf("session credits = %v, want exactly one credit of 4", st.credits)
	}

	// A third identical delivery after success is a genuine replay.
	rec = deliver(t, h)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "duplicate") {
		t.Fatalf("replay after success: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(st.credits) != 1 {
		t.Fatalf("replay credited again: %v", st.credits)
	}
}

func TestWebhookIgnoredOutcome(t *testing.T) {
	st := &stubReconcileStore{}
	h := newWebhook(&stubProvider{result: WebhookVerifyResult{Valid: true, Outcome: OutcomeIgnored}}, st)
	rec := deliver(t, h)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if st.succeededCalls != 0 {
		t.Fatal("ignored outcome reached the store")
	}
}

func TestWebhookFailedOutcome(t *testing.T) {
	id := uuid.New()
	st := &stubReconcileStore{payment: store.Payment{
		ID: id, Status: store.PaymentStatusPending, Type: store.PaymentTypeMonthlyGroup,
	}}
	h := newWebhook(&stubProvider{result: WebhookVerifyResult{
		Valid: true, PaymentID: id.String(), Outcome: OutcomeFailed,
	}}, st)
	if rec := deliver(t, h); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if st.payment.Status != store.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want failed", st.payment.Status)
	}
	if len(st.credits) != 0 {
		t.Fatal("failed payment must not credit sessions")
	}
}
