// Package invoice drives the invoice lifecycle over the billing arithmetic:
// draft composition, issue, payment application and read-time status.
package invoice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-dojo/internal/billing"
	"github.com/noah-isme/backend-dojo/internal/common"
	"github.com/noah-isme/backend-dojo/internal/events"
	"github.com/noah-isme/backend-dojo/internal/money"
	"github.com/noah-isme/backend-dojo/internal/obs"
	"github.com/noah-isme/backend-dojo/internal/store"
)

// Querier captures the database methods required by the invoice service.
type Querier interface {
	GetFamily(ctx context.Context, id uuid.UUID) (store.Family, error)
	GetEntity(ctx context.Context, id uuid.UUID) (store.Entity, error)
	GetEntityForFamily(ctx context.Context, familyID uuid.UUID, name string) (store.Entity, error)
	InsertInvoice(ctx context.Context, arg store.InsertInvoiceParams) (store.Invoice, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (store.Invoice, error)
	ListInvoicesByEntity(ctx context.Context, entityID uuid.UUID) ([]store.Invoice, error)
	UpdateInvoiceTotals(ctx context.Context, arg store.UpdateInvoiceTotalsParams) error
	TransitionInvoiceStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	ApplyInvoicePayment(ctx context.Context, arg store.ApplyInvoicePaymentParams) (store.Invoice, error)
	InsertLineItem(ctx context.Context, arg store.InsertLineItemParams) (store.InvoiceLineItem, error)
	DeleteLineItem(ctx context.Context, invoiceID, lineID uuid.UUID) (bool, error)
	ListLineItems(ctx context.Context, invoiceID uuid.UUID) ([]store.InvoiceLineItem, error)
}

// Service manages invoices for billable entities.
type Service struct {
	Q        Querier
	Pool     *pgxpool.Pool // optional; line mutations run transactionally when set
	Bus      *events.Bus
	Currency string
	Now      func() time.Time
}

// LineInput is one requested invoice line.
type LineInput struct {
	ItemType           string
	Description        string
	Quantity           int64
	UnitPriceCents     int64
	TaxRateBps         int32
	DiscountRateBps    int32
	ServicePeriodStart *time.Time
	ServicePeriodEnd   *time.Time
}

// CreateInput describes a new draft invoice for a family's billing entity.
type CreateInput struct {
	FamilyID uuid.UUID
	DueDate  *time.Time
	Lines    []LineInput
}

// View is the read model: stored row, ordered lines and derived fields.
type View struct {
	Invoice       store.Invoice           `json:"invoice"`
	Lines         []store.InvoiceLineItem `json:"lines"`
	DisplayStatus string                  `json:"display_status"`
	AmountDue     money.Money             `json:"amount_due"`
}

// CreateDraft opens a draft invoice with its initial lines and persisted
// aggregates, all inside one transaction when a pool is configured.
func (s *Service) CreateDraft(ctx context.Context, in CreateInput) (View, error) {
	if len(in.Lines) == 0 {
		return View{}, common.ValidationError("invoice requires at least one line", nil)
	}
	f, err := s.Q.GetFamily(ctx, in.FamilyID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return View{}, common.NotFoundError("family not found", err)
		}
		return View{}, common.TransientError("load family", err)
	}

	var created store.Invoice
	err = s.inTx(ctx, func(q Querier) error {
		entity, err := q.GetEntityForFamily(ctx, f.ID, f.Name)
		if err != nil {
			return common.TransientError("resolve billing entity", err)
		}
		inv, err := q.InsertInvoice(ctx, store.InsertInvoiceParams{
			EntityID: entity.ID,
			Number:   s.nextNumber(),
			Currency: s.currency(),
			DueDate:  in.DueDate,
		})
		if err != nil {
			return common.TransientError("create invoice", err)
		}
		for i, line := range in.Lines {
			if _, err := q.InsertLineItem(ctx, s.lineParams(inv, int32(i), line)); err != nil {
				return common.TransientError("add line item", err)
			}
		}
		if err := recomputeTotals(ctx, q, &inv); err != nil {
			return err
		}
		created = inv
		return nil
	})
	if err != nil {
		return View{}, err
	}
	obs.InvoiceTransitionTotal.WithLabelValues(string(billing.StatusDraft)).Inc()
	return s.view(ctx, created)
}

// Get returns one invoice with lines and derived status.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (View, error) {
	inv, err := s.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, inv)
}

// ListForFamily returns a family's invoices with derived statuses.
func (s *Service) ListForFamily(ctx context.Context, familyID uuid.UUID) ([]View, error) {
	f, err := s.Q.GetFamily(ctx, familyID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, common.NotFoundError("family not found", err)
		}
		return nil, common.TransientError("load family", err)
	}
	entity, err := s.Q.GetEntityForFamily(ctx, f.ID, f.Name)
	if err != nil {
		return nil, common.TransientError("resolve billing entity", err)
	}
	invoices, err := s.Q.ListInvoicesByEntity(ctx, entity.ID)
	if err != nil {
		return nil, common.TransientError("list invoices", err)
	}
	now := s.now()
	out := make([]View, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, View{
			Invoice:       inv,
			DisplayStatus: displayStatus(inv, now),
			AmountDue:     displayDue(inv),
		})
	}
	return out, nil
}

// AddLine appends a line to a draft and recomputes aggregates.
func (s *Service) AddLine(ctx context.Context, id uuid.UUID, line LineInput) (View, error) {
	inv, err := s.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	if inv.Status != string(billing.StatusDraft) {
		return View{}, common.ConflictError("lines can only change while the invoice is draft", nil)
	}
	err = s.inTx(ctx, func(q Querier) error {
		existing, err := q.ListLineItems(ctx, inv.ID)
		if err != nil {
			return common.TransientError("list line items", err)
		}
		if _, err := q.InsertLineItem(ctx, s.lineParams(inv, int32(len(existing)), line)); err != nil {
			return common.TransientError("add line item", err)
		}
		return recomputeTotals(ctx, q, &inv)
	})
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, inv)
}

// RemoveLine deletes a draft line and recomputes aggregates.
func (s *Service) RemoveLine(ctx context.Context, id, lineID uuid.UUID) (View, error) {
	inv, err := s.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	if inv.Status != string(billing.StatusDraft) {
		return View{}, common.ConflictError("lines can only change while the invoice is draft", nil)
	}
	err = s.inTx(ctx, func(q Querier) error {
		deleted, err := q.DeleteLineItem(ctx, inv.ID, lineID)
		if err != nil {
			return common.TransientError("delete line item", err)
		}
		if !deleted {
			return common.NotFoundError("line item not found", nil)
		}
		return recomputeTotals(ctx, q, &inv)
	})
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, inv)
}

// Transition moves an invoice to a new stored status after validating the
// edge. Concurrent writers lose the compare-and-set and get a conflict.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to billing.InvoiceStatus) (View, error) {
	inv, err := s.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	if err := billing.ValidateTransition(billing.InvoiceStatus(inv.Status), to); err != nil {
		return View{}, err
	}
	ok, err := s.Q.TransitionInvoiceStatus(ctx, inv.ID, inv.Status, string(to))
	if err != nil {
		return View{}, common.TransientError("transition invoice", err)
	}
	if !ok {
		return View{}, common.ConflictError("invoice changed concurrently", nil)
	}
	obs.InvoiceTransitionTotal.WithLabelValues(string(to)).Inc()
	return s.Get(ctx, id)
}

// RecordPayment applies money received against an issued invoice and derives
// the next stored status. Full settlement emits the paid event.
func (s *Service) RecordPayment(ctx context.Context, id uuid.UUID, amountCents int64) (View, error) {
	if amountCents <= 0 {
		return View{}, common.ValidationError("payment amount must be positive", nil)
	}
	inv, err := s.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	current := billing.InvoiceStatus(inv.Status)
	switch current {
	case billing.StatusSent, billing.StatusViewed, billing.StatusPartiallyPaid:
	default:
		return View{}, common.ConflictError("invoice is not open for payment", nil)
	}

	// The store derives the new status from the incremented balance, so a
	// payment racing another never settles against a stale amount.
	updated, err := s.Q.ApplyInvoicePayment(ctx, store.ApplyInvoicePaymentParams{
		ID:          inv.ID,
		AmountCents: amountCents,
	})
	if err != nil {
		return View{}, common.TransientError("apply payment", err)
	}
	next := billing.InvoiceStatus(updated.Status)
	obs.InvoiceTransitionTotal.WithLabelValues(string(next)).Inc()

	if s.Bus != nil && next == billing.StatusPaid {
		entity, err := s.Q.GetEntity(ctx, updated.EntityID)
		if err == nil && entity.FamilyID != nil {
			_, _ = s.Bus.Emit(ctx, events.TopicInvoicePaid, updated.ID, events.Payload{
				FamilyID: *entity.FamilyID,
				Context: map[string]any{
					"invoice_number": updated.Number,
					"total_cents":    updated.TotalCents,
				},
			})
		}
	}
	return s.view(ctx, updated)
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (store.Invoice, error) {
	inv, err := s.Q.GetInvoice(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return store.Invoice{}, common.NotFoundError("invoice not found", err)
		}
		return store.Invoice{}, common.TransientError("load invoice", err)
	}
	return inv, nil
}

func (s *Service) view(ctx context.Context, inv store.Invoice) (View, error) {
	// Re-read so views reflect aggregates written inside the transaction.
	fresh, err := s.load(ctx, inv.ID)
	if err != nil {
		return View{}, err
	}
	lines, err := s.Q.ListLineItems(ctx, fresh.ID)
	if err != nil {
		return View{}, common.TransientError("list line items", err)
	}
	return View{
		Invoice:       fresh,
		Lines:         lines,
		DisplayStatus: displayStatus(fresh, s.now()),
		AmountDue:     displayDue(fresh),
	}, nil
}

// recomputeTotals rereads all lines, recomputes aggregates with one rounding
// pass at the invoice level, and persists them.
func recomputeTotals(ctx context.Context, q Querier, inv *store.Invoice) error {
	lines, err := q.ListLineItems(ctx, inv.ID)
	if err != nil {
		return common.TransientError("list line items", err)
	}
	inputs := make([]billing.LineInput, 0, len(lines))
	for _, li := range lines {
		inputs = append(inputs, billing.LineInput{
			ItemType:           li.ItemType,
			Description:        li.Description,
			Quantity:           li.Quantity,
			UnitPrice:          money.FromCentsIn(li.UnitPriceCents, inv.Currency),
			TaxRateBps:         li.TaxRateBps,
			DiscountRateBps:    li.DiscountRateBps,
			ServicePeriodStart: li.ServicePeriodStart,
			ServicePeriodEnd:   li.ServicePeriodEnd,
		})
	}
	totals, err := billing.ComputeInvoice(inputs)
	if err != nil {
		return err
	}
	if err := q.UpdateInvoiceTotals(ctx, store.UpdateInvoiceTotalsParams{
		ID:            inv.ID,
		SubtotalCents: totals.Subtotal.Cents,
		DiscountCents: totals.Discount.Cents,
		TaxCents:      totals.Tax.Cents,
		TotalCents:    totals.Total.Cents,
	}); err != nil {
		return common.TransientError("update invoice totals", err)
	}
	inv.SubtotalCents = totals.Subtotal.Cents
	inv.DiscountCents = totals.Discount.Cents
	inv.TaxCents = totals.Tax.Cents
	inv.TotalCents = totals.Total.Cents
	return nil
}

func (s *Service) lineParams(inv store.Invoice, position int32, line LineInput) store.InsertLineItemParams {
	return store.InsertLineItemParams{
		InvoiceID:          inv.ID,
		Position:           position,
		ItemType:           line.ItemType,
		Description:        line.Description,
		Quantity:           line.Quantity,
		UnitPriceCents:     line.UnitPriceCents,
		TaxRateBps:         line.TaxRateBps,
		DiscountRateBps:    line.DiscountRateBps,
		ServicePeriodStart: line.ServicePeriodStart,
		ServicePeriodEnd:   line.ServicePeriodEnd,
	}
}

func (s *Service) inTx(ctx context.Context, fn func(Querier) error) error {
	if s.Pool == nil {
		return fn(s.Q)
	}
	return store.InTx(ctx, s.Pool, func(st *store.Store) error {
		return fn(st)
	})
}

func (s *Service) nextNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return "INV-" + s.now().Format("200601") + "-" + suffix
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

func displayStatus(inv store.Invoice, now time.Time) string {
	return billing.DisplayStatus(
		billing.InvoiceStatus(inv.Status),
		money.FromCentsIn(inv.TotalCents, inv.Currency),
		money.FromCentsIn(inv.AmountPaidCents, inv.Currency),
		inv.DueDate, now)
}

func displayDue(inv store.Invoice) money.Money {
	return billing.DisplayAmountDue(
		money.FromCentsIn(inv.TotalCents, inv.Currency),
		money.FromCentsIn(inv.AmountPaidCents, inv.Currency))
}
