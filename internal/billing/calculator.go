// Package billing holds the pure invoice arithmetic: line-item calculation,
// invoice aggregation and status derivation. No I/O happens here; callers
// validate and persist.
package billing

import (
	"fmt"
	"time"

	"github.com/noah-isme/backend-dojo/internal/common"
	"github.com/noah-isme/backend-dojo/internal/money"
)

// Basis-point bounds for tax and discount rates (10000 bps = 100%).
const MaxRateBps = 10000

// LineInput describes one invoice line before calculation.
type LineInput struct {
	ItemType           string
	Description        string
	Quantity           int64
	UnitPrice          money.Money
	TaxRateBps         int32
	DiscountRateBps    int32
	ServicePeriodStart *time.Time
	ServicePeriodEnd   *time.Time
}

// Validate rejects malformed line inputs before any computation runs.
func (in LineInput) Validate() error {
	if in.Quantity <= 0 {
		return common.ValidationError("quantity must be positive", nil)
	}
	if in.UnitPrice.IsNegative() {
		return common.ValidationError("unit price must not be negative", nil)
	}
	if in.TaxRateBps < 0 || in.TaxRateBps > MaxRateBps {
		return common.ValidationError(fmt.Sprintf("tax rate %d out of range [0,%d] bps", in.TaxRateBps, MaxRateBps), nil)
	}
	if in.DiscountRateBps < 0 || in.DiscountRateBps > MaxRateBps {
		return common.ValidationError(fmt.Sprintf("discount rate %d out of range [0,%d] bps", in.DiscountRateBps, MaxRateBps), nil)
	}
	if in.ServicePeriodStart != nil && in.ServicePeriodEnd != nil && in.ServicePeriodStart.After(*in.ServicePeriodEnd) {
		// Rejected, never silently swapped.
		return common.ValidationError("service period start must not be after end", nil)
	}
	return nil
}

// LineResult carries the computed components of a single line.
// Discount and tax are both derived from the same subtotal base:
// discount = subtotal × discount_rate, tax = (subtotal − discount) × tax_rate.
type LineResult struct {
	Subtotal money.Money
	Discount money.Money
	Tax      money.Money
	Total    money.Money

	// Raw numerators in cent·bps units, kept so invoice aggregation can
	// round once across all lines instead of per line.
	discountNum int64
	taxNum      int64
}

// ComputeLine calculates one line. Inputs must already be validated.
func ComputeLine(in LineInput) (LineResult, error) {
	if err := in.Validate(); err != nil {
		return LineResult{}, err
	}
	subtotal := in.UnitPrice.MulInt(in.Quantity)

	discountNum := subtotal.Cents * int64(in.DiscountRateBps)
	discount := roundBps(discountNum, subtotal.Currency)

	taxableCents := subtotal.Cents - discount.Cents
	taxNum := taxableCents * int64(in.TaxRateBps)
	tax := roundBps(taxNum, subtotal.Currency)

	total := money.FromCentsIn(subtotal.Cents-discount.Cents+tax.Cents, subtotal.Currency)
	return LineResult{
		Subtotal:    subtotal,
		Discount:    discount,
		Tax:         tax,
		Total:       total,
		discountNum: discountNum,
		taxNum:      taxNum,
	}, nil
}

// InvoiceTotals aggregates line components at the invoice level.
type InvoiceTotals struct {
	Subtotal money.Money
	Discount money.Money
	Tax      money.Money
	Total    money.Money
}

// ComputeInvoice sums all lines. Component rounding happens here, once per
// invoice, so many small lines do not compound per-line rounding error.
func ComputeInvoice(lines []LineInput) (InvoiceTotals, error) {
	var (
		subtotalCents int64
		discountNum   int64
		taxNum        int64
		currency      string
	)
	for i, in := range lines {
		res, err := ComputeLine(in)
		if err != nil {
			return InvoiceTotals{}, common.ValidationError(fmt.Sprintf("line %d invalid", i+1), err)
		}
		if currency == "" {
			currency = res.Subtotal.Currency
		} else if currency != res.Subtotal.Currency {
			return InvoiceTotals{}, common.ValidationError("invoice lines must share one currency", nil)
		}
		subtotalCents += res.Subtotal.Cents
		discountNum += res.discountNum
		taxNum += res.taxNum
	}
	if currency == "" {
		currency = money.DefaultCurrency
	}
	discount := roundBps(discountNum, currency)
	tax := roundBps(taxNum, currency)
	total := subtotalCents - discount.Cents + tax.Cents
	return InvoiceTotals{
		Subtotal: money.FromCentsIn(subtotalCents, currency),
		Discount: discount,
		Tax:      tax,
		Total:    money.FromCentsIn(total, currency),
	}, nil
}

// AmountDue returns total − paid without clamping. Overpayment surfaces as a
// negative due amount; display-level clamping is the caller's concern.
func AmountDue(total, paid money.Money) money.Money {
	return money.FromCentsIn(total.Cents-paid.Cents, total.Currency)
}

func roundBps(numerator int64, currency string) money.Money {
	const half = MaxRateBps / 2
	var cents int64
	if numerator >= 0 {
		cents = (numerator + half) / MaxRateBps
	} else {
		cents = (numerator - half) / MaxRateBps
	}
	return money.FromCentsIn(cents, currency)
}
