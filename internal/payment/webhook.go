package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-dojo/internal/common"
	"github.com/noah-isme/backend-dojo/internal/events"
	"github.com/noah-isme/backend-dojo/internal/obs"
	"github.com/noah-isme/backend-dojo/internal/store"
)

// ReconcileStore captures the writes the reconciliation transaction performs.
type ReconcileStore interface {
	GetPayment(ctx context.Context, id uuid.UUID) (store.Payment, error)
	MarkPaymentSucceeded(ctx context.Context, arg store.MarkPaymentSucceededParams) (bool, error)
	MarkPaymentFailed(ctx context.Context, id uuid.UUID) (bool, error)
	CreditSessionBalance(ctx context.Context, familyID uuid.UUID, sessions int32) error
}

// Webhook reconciles processor notifications with internal payment rows.
//
// The at-least-once delivery contract: authentication failures return 401,
// malformed payloads 400 (no redelivery value), and any database failure 500
// so the processor redelivers. The conditional status update in the store
// makes redelivery a no-op, so the overall effect is exactly-once.
type Webhook struct {
	Provider Provider
	Store    ReconcileStore
	// Pool, when set, wraps reconciliation in a single transaction. Tests
	// inject a stub Store and leave it nil.
	Pool      *pgxpool.Pool
	Replay    *redis.Client
	ReplayTTL time.Duration
	Bus       *events.Bus
	Logger    zerolog.Logger
	Now       func() time.Time
}

type reconcileOutcome struct {
	payment      store.Payment
	transitioned bool
}

// Handle processes one webhook delivery.
func (h *Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Provider == nil || (h.Store == nil && h.Pool == nil) {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "webhook unavailable", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "unable to read payload", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	result, err := h.Provider.VerifyWebhook(r, body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	if !result.Valid {
		// Fails closed: unverifiable notifications are rejected outright.
		h.Logger.Warn().AnErr("cause", result.Err).Msg("webhook signature verification failed")
		obs.PaymentWebhookTotal.WithLabelValues("unauthenticated").Inc()
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "signature verification failed", nil)
		return
	}
	if result.Outcome == OutcomeIgnored {
		obs.PaymentWebhookTotal.WithLabelValues("ignored").Inc()
		common.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if result.PaymentID == "" {
		// Missing correlation id is a data-integrity fault, never guessed around.
		h.Logger.Error().Str("outcome", result.Outcome).Msg("webhook missing payment correlation id")
		obs.PaymentWebhookTotal.WithLabelValues("missing_correlation").Inc()
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "missing payment correlation id", nil)
		return
	}
	paymentID, err := uuid.Parse(result.PaymentID)
	if err != nil {
		h.Logger.Error().Str("payment_id", result.PaymentID).Msg("webhook carries malformed correlation id")
		obs.PaymentWebhookTotal.WithLabelValues("missing_correlation").Inc()
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "malformed payment correlation id", nil)
		return
	}

	ctx := r.Context()
	replayKey := h.replayKey(body)
	if h.replayed(ctx, replayKey) {
		obs.PaymentWebhookTotal.WithLabelValues("replay").Inc()
		common.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	outcome, err := h.reconcile(ctx, paymentID, result)
	if err != nil {
		var app *common.AppError
		if errors.As(err, &app) && app.Code == common.CodeValidation {
			obs.PaymentWebhookTotal.WithLabelValues("invalid").Inc()
			common.RenderError(w, err)
			return
		}
		// Retryable: release the duplicate filter before answering 500,
		// otherwise the redelivery this status asks for would be swallowed
		// as a replay while the payment stays pending.
		h.forgetReplay(ctx, replayKey)
		h.Logger.Error().Err(err).Str("payment_id", paymentID.String()).Msg("webhook reconciliation failed")
		obs.PaymentWebhookTotal.WithLabelValues("error").Inc()
		common.JSONError(w, http.StatusInternalServerError, common.CodeTransient, "reconciliation failed", nil)
		return
	}

	if outcome.transitioned && h.Bus != nil {
		topic := events.TopicPaymentSucceeded
		if result.Outcome == OutcomeFailed {
			topic = events.TopicPaymentFailed
		}
		payload := events.Payload{FamilyID: outcome.payment.FamilyID, StudentID: outcome.payment.StudentID,
			Context: map[string]any{"payment_type": outcome.payment.Type, "total_cents": outcome.payment.TotalCents}}
		if _, err := h.Bus.Emit(ctx, topic, outcome.payment.ID, payload); err != nil {
			h.Logger.Error().Err(err).Msg("emit payment event")
		}
	}
	obs.PaymentWebhookTotal.WithLabelValues(result.Outcome).Inc()
	common.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Webhook) reconcile(ctx context.Context, paymentID uuid.UUID, result WebhookVerifyResult) (reconcileOutcome, error) {
	if h.Pool != nil {
		var out reconcileOutcome
		err := store.InTx(ctx, h.Pool, func(st *store.Store) error {
			var innerErr error
			out, innerErr = h.apply(ctx, st, paymentID, result)
			return innerErr
		})
		return out, err
	}
	return h.apply(ctx, h.Store, paymentID, result)
}

// apply performs the idempotent state transition plus its side effects inside
// one transaction.
func (h *Webhook) apply(ctx context.Context, st ReconcileStore, paymentID uuid.UUID, result WebhookVerifyResult) (reconcileOutcome, error) {
	p, err := st.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return reconcileOutcome{}, common.ValidationError("unknown payment correlation id", err)
		}
		return reconcileOutcome{}, common.TransientError("load payment", err)
	}

	switch result.Outcome {
	case OutcomeSucceeded:
		transitioned, err := st.MarkPaymentSucceeded(ctx, store.MarkPaymentSucceededParams{
			ID:         p.ID,
			ReceiptRef: result.ReceiptRef,
			MethodDesc: result.MethodDesc,
			PaidAt:     h.now(),
		})
		if err != nil {
			return reconcileOutcome{}, common.TransientError("mark payment succeeded", err)
		}
		if !transitioned {
			// Already terminal: duplicate delivery is a no-op, not a re-apply.
			if p.Status != store.PaymentStatusSucceeded {
				h.Logger.Warn().Str("payment_id", p.ID.String()).Str("status", p.Status).
					Msg("success event for payment in conflicting terminal state")
			}
			return reconcileOutcome{payment: p}, nil
		}
		if p.Type == store.PaymentTypeIndividualSession && p.SessionCount > 0 {
			// Credited exactly once: only the delivery that performed the
			// transition reaches this branch.
			if err := st.CreditSessionBalance(ctx, p.FamilyID, p.SessionCount); err != nil {
				return reconcileOutcome{}, common.TransientError("credit session balance", err)
			}
		}
		p.Status = store.PaymentStatusSucceeded
		return reconcileOutcome{payment: p, transitioned: true}, nil

	case OutcomeFailed:
		transitioned, err := st.MarkPaymentFailed(ctx, p.ID)
		if err != nil {
			return reconcileOutcome{}, common.TransientError("mark payment failed", err)
		}
		if !transitioned {
			return reconcileOutcome{payment: p}, nil
		}
		p.Status = store.PaymentStatusFailed
		return reconcileOutcome{payment: p, transitioned: true}, nil

	default:
		return reconcileOutcome{}, fmt.Errorf("unexpected webhook outcome %q", result.Outcome)
	}
}

func (h *Webhook) replayKey(body []byte) string {
	return "wh:stripe:" + common.Sha256Hex(string(body))
}

// replayed is a cheap duplicate filter in front of the transaction. The
// conditional update does the real correctness work; retryable failures
// release their key via forgetReplay so a key only outlives deliveries that
// were actually processed.
func (h *Webhook) replayed(ctx context.Context, key string) bool {
	if h.Replay == nil || h.ReplayTTL <= 0 {
		return false
	}
	ok, err := h.Replay.SetNX(ctx, key, "1", h.ReplayTTL).Result()
	if err != nil {
		h.Logger.Warn().Err(err).Msg("webhook replay store unavailable")
		return false
	}
	return !ok
}

// forgetReplay drops the filter entry after a retryable failure.
func (h *Webhook) forgetReplay(ctx context.Context, key string) {
	if h.Replay == nil || h.ReplayTTL <= 0 {
		return
	}
	if err := h.Replay.Del(ctx, key).Err(); err != nil {
		h.Logger.Warn().Err(err).Msg("webhook replay key release failed")
	}
}

func (h *Webhook) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}
