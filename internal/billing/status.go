package billing

import (
	"time"

	"github.com/noah-isme/backend-dojo/internal/common"
	"github.com/noah-isme/backend-dojo/internal/money"
)

// InvoiceStatus enumerates stored invoice states. Overdue is intentionally
// absent: it is derived at read time from the due date and never written back.
type InvoiceStatus string

const (
	StatusDraft         InvoiceStatus = "draft"
	StatusSent          InvoiceStatus = "sent"
	StatusViewed        InvoiceStatus = "viewed"
	StatusPartiallyPaid InvoiceStatus = "partially_paid"
	StatusPaid          InvoiceStatus = "paid"
	StatusCancelled     InvoiceStatus = "cancelled"
)

// DerivedOverdue is the read-time status presented for unpaid invoices past
// their due date.
const DerivedOverdue = "overdue"

var allowedTransitions = map[InvoiceStatus][]InvoiceStatus{
	StatusDraft:         {StatusSent, StatusCancelled},
	StatusSent:          {StatusViewed, StatusPartiallyPaid, StatusPaid, StatusCancelled},
	StatusViewed:        {StatusPartiallyPaid, StatusPaid, StatusCancelled},
	StatusPartiallyPaid: {StatusPartiallyPaid, StatusPaid, StatusCancelled},
	StatusPaid:          {},
	StatusCancelled:     {},
}

// CanTransition reports whether an invoice may move between the two states.
func CanTransition(from, to InvoiceStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a ConflictError for disallowed moves.
func ValidateTransition(from, to InvoiceStatus) error {
	if !CanTransition(from, to) {
		return common.ConflictError("invalid invoice status transition: "+string(from)+" -> "+string(to), nil)
	}
	return nil
}

// StatusAfterPayment derives the stored status once a payment lands:
// paid when amount_paid covers the total, partially_paid for anything between.
// The store's payment update applies the same rule in SQL against the
// incremented balance; this is the reference form of that rule.
func StatusAfterPayment(current InvoiceStatus, total, paid money.Money) InvoiceStatus {
	if paid.Cents >= total.Cents && total.Cents > 0 {
		return StatusPaid
	}
	if paid.Cents > 0 {
		return StatusPartiallyPaid
	}
	return current
}

// DisplayStatus resolves the read-time status. Unpaid invoices past their due
// date present as overdue without a stored transition.
func DisplayStatus(stored InvoiceStatus, total, paid money.Money, dueDate *time.Time, now time.Time) string {
	switch stored {
	case StatusPaid, StatusCancelled, StatusDraft:
		return string(stored)
	}
	if dueDate != nil && dueDate.Before(now) && paid.Cents < total.Cents {
		return DerivedOverdue
	}
	return string(stored)
}

// DisplayAmountDue clamps negative due amounts to zero for presentation.
// Stored data keeps the signed value so overpayment stays visible.
func DisplayAmountDue(total, paid money.Money) money.Money {
	due := AmountDue(total, paid)
	if due.IsNegative() {
		return money.FromCentsIn(0, total.Currency)
	}
	return due
}
