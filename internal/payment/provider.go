package payment

import (
	"context"
	"net/http"
)

// MetadataPaymentID is the metadata key carrying the internal payment id
// (correlation id) on processor objects.
const MetadataPaymentID = "payment_id"

// IntentRequest captures the information required to open a payment intent
// with a processor.
type IntentRequest struct {
	PaymentID   string
	AmountCents int64
	Currency    string
	Description string
}

// IntentResponse is the minimal information a processor returns when opening
// an intent.
type IntentResponse struct {
	Provider     string
	IntentID     string
	ClientSecret string
}

// Normalised webhook outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeIgnored   = "ignored"
)

// WebhookVerifyResult contains the normalised data extracted from a processor
// notification after signature verification.
type WebhookVerifyResult struct {
	Valid      bool
	PaymentID  string
	Outcome    string
	ReceiptRef string
	MethodDesc string
	Err        error
}

// Provider abstracts the operations required from an upstream payment
// processor.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (IntentResponse, error)
	VerifyWebhook(r *http.Request, body []byte) (WebhookVerifyResult, error)
}
