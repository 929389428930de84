package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const invoiceColumns = `id, entity_id, number, status, currency, subtotal_cents,
	discount_cents, tax_cents, total_cents, amount_paid_cents, due_date, issued_at,
	created_at, updated_at`

// GetEntity loads a billable party.
func (s *Store) GetEntity(ctx context.Context, id uuid.UUID) (Entity, error) {
	var e Entity
	err := s.db.QueryRow(ctx,
		`SELECT id, kind, name, family_id FROM entities WHERE id = $1`, id).
		Scan(&e.ID, &e.Kind, &e.Name, &e.FamilyID)
	return e, err
}

// GetEntityForFamily returns the billing entity backing a family, creating it
// on first use.
func (s *Store) GetEntityForFamily(ctx context.Context, familyID uuid.UUID, name string) (Entity, error) {
	var e Entity
	err := s.db.QueryRow(ctx, `
		INSERT INTO entities (kind, name, family_id)
		VALUES ('family', $2, $1)
		ON CONFLICT (family_id) WHERE family_id IS NOT NULL
		DO UPDATE SET name = EXCLUDED.name
		RETURNING id, kind, name, family_id`, familyID, name).
		Scan(&e.ID, &e.Kind, &e.Name, &e.FamilyID)
	return e, err
}

// InsertInvoiceParams describes a new draft invoice.
type InsertInvoiceParams struct {
	EntityID uuid.UUID
	Number   string
	Currency string
	DueDate  *time.Time
}

// InsertInvoice creates a draft invoice with zeroed aggregates.
func (s *Store) InsertInvoice(ctx context.Context, arg InsertInvoiceParams) (Invoice, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO invoices (entity_id, number, status, currency, due_date)
		VALUES ($1, $2, 'draft', $3, $4)
		RETURNING `+invoiceColumns,
		arg.EntityID, arg.Number, arg.Currency, arg.DueDate)
	return scanInvoice(row)
}

// GetInvoice loads one invoice by id.
func (s *Store) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	row := s.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	return scanInvoice(row)
}

// ListInvoicesByEntity returns an entity's invoices, newest first.
func (s *Store) ListInvoicesByEntity(ctx context.Context, entityID uuid.UUID) ([]Invoice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE entity_id = $1 ORDER BY created_at DESC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// UpdateInvoiceTotalsParams rewrites stored aggregates after a line mutation.
type UpdateInvoiceTotalsParams struct {
	ID            uuid.UUID
	SubtotalCents int64
	DiscountCents int64
	TaxCents      int64
	TotalCents    int64
}

// UpdateInvoiceTotals persists recomputed aggregates.
func (s *Store) UpdateInvoiceTotals(ctx context.Context, arg UpdateInvoiceTotalsParams) error {
	_, err := s.db.Exec(ctx, `
		UPDATE invoices
		SET subtotal_cents = $2, discount_cents = $3, tax_cents = $4, total_cents = $5,
			updated_at = now()
		WHERE id = $1`,
		arg.ID, arg.SubtotalCents, arg.DiscountCents, arg.TaxCents, arg.TotalCents)
	return err
}

// TransitionInvoiceStatus moves an invoice between states, guarded by the
// expected current status. Returns true when the transition happened.
func (s *Store) TransitionInvoiceStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE invoices SET status = $3,
			issued_at = CASE WHEN $3 = 'sent' THEN now() ELSE issued_at END,
			updated_at = now()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyInvoicePaymentParams records money received against an invoice.
type ApplyInvoicePaymentParams struct {
	ID          uuid.UUID
	AmountCents int64
}

// ApplyInvoicePayment adds to amount_paid and derives the new status from the
// incremented balance inside the same statement. Concurrent payments each see
// the running total their own increment produced, so the payment that settles
// the invoice marks it paid no matter how the writes interleave.
func (s *Store) ApplyInvoicePayment(ctx context.Context, arg ApplyInvoicePaymentParams) (Invoice, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE invoices
		SET amount_paid_cents = amount_paid_cents + $2,
			status = CASE
				WHEN amount_paid_cents + $2 >= total_cents THEN 'paid'
				ELSE 'partially_paid'
			END,
			updated_at = now()
		WHERE id = $1
		RETURNING `+invoiceColumns, arg.ID, arg.AmountCents)
	return scanInvoice(row)
}

const lineColumns = `id, invoice_id, position, item_type, description, quantity,
	unit_price_cents, tax_rate_bps, discount_rate_bps, service_period_start, service_period_end`

// InsertLineItemParams describes one new invoice line.
type InsertLineItemParams struct {
	InvoiceID          uuid.UUID
	Position           int32
	ItemType           string
	Description        string
	Quantity           int64
	UnitPriceCents     int64
	TaxRateBps         int32
	DiscountRateBps    int32
	ServicePeriodStart *time.Time
	ServicePeriodEnd   *time.Time
}

// InsertLineItem appends a line to a draft invoice.
func (s *Store) InsertLineItem(ctx context.Context, arg InsertLineItemParams) (InvoiceLineItem, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO invoice_line_items (invoice_id, position, item_type, description, quantity,
			unit_price_cents, tax_rate_bps, discount_rate_bps, service_period_start, service_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+lineColumns,
		arg.InvoiceID, arg.Position, arg.ItemType, arg.Description, arg.Quantity,
		arg.UnitPriceCents, arg.TaxRateBps, arg.DiscountRateBps,
		arg.ServicePeriodStart, arg.ServicePeriodEnd)
	return scanLineItem(row)
}

// DeleteLineItem removes a line from a draft invoice. Returns true when a row
// was deleted.
func (s *Store) DeleteLineItem(ctx context.Context, invoiceID, lineID uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM invoice_line_items WHERE id = $2 AND invoice_id = $1`, invoiceID, lineID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListLineItems returns an invoice's lines in declared order.
func (s *Store) ListLineItems(ctx context.Context, invoiceID uuid.UUID) ([]InvoiceLineItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+lineColumns+` FROM invoice_line_items
		WHERE invoice_id = $1 ORDER BY position`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InvoiceLineItem
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

func scanInvoice(row rowScanner) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.EntityID, &inv.Number, &inv.Status, &inv.Currency,
		&inv.SubtotalCents, &inv.DiscountCents, &inv.TaxCents, &inv.TotalCents,
		&inv.AmountPaidCents, &inv.DueDate, &inv.IssuedAt, &inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}

func scanLineItem(row rowScanner) (InvoiceLineItem, error) {
	var li InvoiceLineItem
	err := row.Scan(&li.ID, &li.InvoiceID, &li.Position, &li.ItemType, &li.Description,
		&li.Quantity, &li.UnitPriceCents, &li.TaxRateBps, &li.DiscountRateBps,
		&li.ServicePeriodStart, &li.ServicePeriodEnd)
	return li, err
}
