// Package eligibility derives a student's access status from payment history.
// The result is computed fresh on every request and never stored.
package eligibility

import (
	"time"
)

// Reason classifies the derived status.
type Reason string

const (
	// ReasonTrial means no succeeded coverage-bearing payment exists yet.
	ReasonTrial Reason = "Trial"
	// ReasonPaid means the governing payment's coverage window includes now.
	ReasonPaid Reason = "Paid"
	// ReasonExpired means the governing payment's coverage ended before now.
	ReasonExpired Reason = "Expired"
)

// Payment types understood by the evaluator. Mirrors the payment domain.
const (
	TypeMonthlyGroup      = "monthly_group"
	TypeYearlyGroup       = "yearly_group"
	TypeIndividualSession = "individual_session"
)

// PaymentRecord is the slice of a payment row the evaluator needs.
type PaymentRecord struct {
	Type        string
	Succeeded   bool
	PaymentDate time.Time
	CreatedAt   time.Time
}

// Result reports the derived status and the payment that produced it.
type Result struct {
	Reason          Reason     `json:"reason"`
	LastPaymentDate *time.Time `json:"lastPaymentDate,omitempty"`
	CoverageEnd     *time.Time `json:"coverageEnd,omitempty"`
}

// CoverageEnd returns the end of the coverage window opened by a payment, or
// false when the payment type carries no window (session packs, store
// purchases and the like grant consumables, not time-based access).
func CoverageEnd(paymentType string, paymentDate time.Time) (time.Time, bool) {
	switch paymentType {
	case TypeMonthlyGroup:
		return paymentDate.AddDate(0, 1, 0), true
	case TypeYearlyGroup:
		return paymentDate.AddDate(1, 0, 0), true
	default:
		return time.Time{}, false
	}
}

// Evaluate determines the student's status at the given instant. The governing
// payment is the latest succeeded coverage-bearing payment by payment date,
// ties broken by created_at.
func Evaluate(payments []PaymentRecord, now time.Time) Result {
	var governing *PaymentRecord
	for i := range payments {
		p := &payments[i]
		if !p.Succeeded {
			continue
		}
		if _, ok := CoverageEnd(p.Type, p.PaymentDate); !ok {
			continue
		}
		if governing == nil || laterThan(*p, *governing) {
			governing = p
		}
	}
	if governing == nil {
		return Result{Reason: ReasonTrial}
	}
	end, _ := CoverageEnd(governing.Type, governing.PaymentDate)
	date := governing.PaymentDate
	res := Result{LastPaymentDate: &date, CoverageEnd: &end}
	if now.Before(end) {
		res.Reason = ReasonPaid
	} else {
		res.Reason = ReasonExpired
	}
	return res
}

func laterThan(a, b PaymentRecord) bool {
	if !a.PaymentDate.Equal(b.PaymentDate) {
		return a.PaymentDate.After(b.PaymentDate)
	}
	return a.CreatedAt.After(b.CreatedAt)
}
