package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-dojo/internal/billing"
	"github.com/noah-isme/backend-dojo/internal/common"
	"github.com/noah-isme/backend-dojo/internal/money"
	"github.com/noah-isme/backend-dojo/internal/obs"
	"github.com/noah-isme/backend-dojo/internal/store"
)

// Querier captures the database methods required by the checkout service.
type Querier interface {
	GetFamily(ctx context.Context, id uuid.UUID) (store.Family, error)
	InsertPayment(ctx context.Context, arg store.InsertPaymentParams) (store.Payment, error)
	AttachPaymentIntent(ctx context.Context, id uuid.UUID, intentID string) error
	ListPaymentsByFamily(ctx context.Context, familyID uuid.UUID) ([]store.Payment, error)
}

// PriceBookEntry fixes the unit price for one payment type.
type PriceBookEntry struct {
	UnitPriceCents int64
	Description    string
}

// DefaultPriceBook mirrors the school's published schedule. Overridable at
// construction for tests and per-deployment pricing.
var DefaultPriceBook = map[string]PriceBookEntry{
	store.PaymentTypeMonthlyGroup:      {UnitPriceCents: 15000, Description: "Monthly group classes"},
	store.PaymentTypeYearlyGroup:       {UnitPriceCents: 150000, Description: "Yearly group classes"},
	store.PaymentTypeIndividualSession: {UnitPriceCents: 7500, Description: "Private session"},
	store.PaymentTypeEventRegistration: {UnitPriceCents: 5000, Description: "Event registration"},
}

// Service opens payment intents for families.
type Service struct {
	Q         Querier
	Provider  Provider
	PriceBook map[string]PriceBookEntry
	TaxBps    int32
	Currency  string
	Now       func() time.Time
}

// CheckoutInput describes a checkout initiation.
type CheckoutInput struct {
	FamilyID     uuid.UUID
	StudentID    *uuid.UUID
	Type         string
	SessionCount int32
}

// CheckoutResult returns everything the client needs to confirm the intent.
type CheckoutResult struct {
	Payment      store.Payment `json:"payment"`
	Provider     string        `json:"provider"`
	ClientSecret string        `json:"client_secret"`
}

// Checkout creates a pending payment and opens a processor intent carrying the
// payment id as correlation metadata.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (CheckoutResult, error) {
	if s == nil || s.Q == nil || s.Provider == nil {
		return CheckoutResult{}, errors.New("payment service not configured")
	}
	entry, ok := s.priceBook()[in.Type]
	if !ok {
		return CheckoutResult{}, common.ValidationError(fmt.Sprintf("unknown payment type %q", in.Type), nil)
	}
	qty := int64(1)
	if in.Type == store.PaymentTypeIndividualSession {
		if in.SessionCount <= 0 {
			return CheckoutResult{}, common.ValidationError("session packs need a positive session count", nil)
		}
		qty = int64(in.SessionCount)
	} else {
		in.SessionCount = 0
	}

	if _, err := s.Q.GetFamily(ctx, in.FamilyID); err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return CheckoutResult{}, common.NotFoundError("family not found", err)
		}
		return CheckoutResult{}, common.TransientError("load family", err)
	}

	line := billing.LineInput{
		ItemType:   in.Type,
		Quantity:   qty,
		UnitPrice:  money.FromCentsIn(entry.UnitPriceCents, s.currency()),
		TaxRateBps: s.TaxBps,
	}
	res, err := billing.ComputeLine(line)
	if err != nil {
		return CheckoutResult{}, err
	}

	p, err := s.Q.InsertPayment(ctx, store.InsertPaymentParams{
		FamilyID:      in.FamilyID,
		StudentID:     in.StudentID,
		Type:          in.Type,
		SubtotalCents: res.Subtotal.Cents,
		TaxCents:      res.Tax.Cents,
		TotalCents:    res.Total.Cents,
		Currency:      s.currency(),
		SessionCount:  in.SessionCount,
		PaymentDate:   s.now(),
	})
	if err != nil {
		return CheckoutResult{}, common.TransientError("create payment", err)
	}

	intent, err := s.Provider.CreateIntent(ctx, IntentRequest{
		PaymentID:   p.ID.String(),
		AmountCents: p.TotalCents,
		Currency:    p.Currency,
		Description: entry.Description,
	})
	if err != nil {
		obs.PaymentIntentTotal.WithLabelValues(in.Type, "error").Inc()
		return CheckoutResult{}, common.TransientError("open payment intent", err)
	}
	if err := s.Q.AttachPaymentIntent(ctx, p.ID, intent.IntentID); err != nil {
		return CheckoutResult{}, common.TransientError("attach intent", err)
	}
	id := intent.IntentID
	p.IntentID = &id
	obs.PaymentIntentTotal.WithLabelValues(in.Type, "ok").Inc()
	return CheckoutResult{Payment: p, Provider: intent.Provider, ClientSecret: intent.ClientSecret}, nil
}

// History lists a family's payments newest first.
func (s *Service) History(ctx context.Context, familyID uuid.UUID) ([]store.Payment, error) {
	out, err := s.Q.ListPaymentsByFamily(ctx, familyID)
	if err != nil {
		return nil, common.TransientError("list payments", err)
	}
	return out, nil
}

func (s *Service) priceBook() map[string]PriceBookEntry {
	if s.PriceBook != nil {
		return s.PriceBook
	}
	return DefaultPriceBook
}

func (s *Service) currency() string {
	if s.Currency != "" {
		return s.Currency
	}
	return money.DefaultCurrency
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
