package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Stripe implements Provider over the official client. The client is
// constructed once at process start and injected; nothing here reaches for a
// package-level singleton.
type Stripe struct {
	Client        *client.API
	WebhookSecret string
	Tolerance     time.Duration
}

// NewStripe builds a Stripe provider from an API key. Outbound calls go
// through an instrumented transport so processor latency shows up in traces.
func NewStripe(apiKey, webhookSecret string, tolerance time.Duration) *Stripe {
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	sc := &client.API{}
	sc.Init(apiKey, stripe.NewBackends(httpClient))
	return &Stripe{Client: sc, WebhookSecret: webhookSecret, Tolerance: tolerance}
}

// CreateIntent opens a PaymentIntent carrying the internal payment id in its
// metadata so the webhook can correlate the asynchronous result.
func (s *Stripe) CreateIntent(_ context.Context, req IntentRequest) (IntentResponse, error) {
	if strings.TrimSpace(req.PaymentID) == "" {
		return IntentResponse{}, errors.New("payment id is required")
	}
	if req.AmountCents <= 0 {
		return IntentResponse{}, errors.New("amount must be positive")
	}
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(req.Currency),
		Description: stripe.String(req.Description),
	}
	params.AddMetadata(MetadataPaymentID, req.PaymentID)
	intent, err := s.Client.PaymentIntents.New(params)
	if err != nil {
		return IntentResponse{}, fmt.Errorf("stripe create intent: %w", err)
	}
	return IntentResponse{
		Provider:     "stripe",
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
	}, nil
}

// VerifyWebhook checks the Stripe-Signature header over the raw body and
// normalises payment_intent events. Unknown event types verify as valid but
// ignored so the handler can acknowledge them without side effects.
func (s *Stripe) VerifyWebhook(r *http.Request, body []byte) (WebhookVerifyResult, error) {
	tolerance := s.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	event, err := webhook.ConstructEventWithTolerance(body, r.Header.Get("Stripe-Signature"), s.WebhookSecret, tolerance)
	if err != nil {
		return WebhookVerifyResult{Valid: false, Err: err}, nil
	}

	var outcome string
	switch event.Type {
	case "payment_intent.succeeded":
		outcome = OutcomeSucceeded
	case "payment_intent.payment_failed":
		outcome = OutcomeFailed
	default:
		return WebhookVerifyResult{Valid: true, Outcome: OutcomeIgnored}, nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return WebhookVerifyResult{Valid: true, Outcome: outcome, Err: fmt.Errorf("decode payment intent: %w", err)}, nil
	}
	result := WebhookVerifyResult{
		Valid:     true,
		Outcome:   outcome,
		PaymentID: strings.TrimSpace(intent.Metadata[MetadataPaymentID]),
	}
	if intent.Charges != nil && len(intent.Charges.Data) > 0 {
		charge := intent.Charges.Data[0]
		result.ReceiptRef = charge.ReceiptURL
		result.MethodDesc = describeMethod(charge)
	}
	return result, nil
}

func describeMethod(charge *stripe.Charge) string {
	if charge == nil || charge.PaymentMethodDetails == nil {
		return ""
	}
	details := charge.PaymentMethodDetails
	if details.Card != nil {
		return fmt.Sprintf("%s ending %s", details.Card.Brand, details.Card.Last4)
	}
	return string(details.Type)
}
