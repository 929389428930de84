package eligibility

import (
	"testing"
	"time"
)

var now = time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)

func TestEvaluateNoPaymentsIsTrial(t *testing.T) {
	res := Evaluate(nil, now)
	if res.Reason != ReasonTrial {
		t.Fatalf("reason = %s, want Trial", res.Reason)
	}
	if res.LastPaymentDate != nil || res.CoverageEnd != nil {
		t.Fatal("trial result should carry no payment fields")
	}
}

func TestEvaluateMonthlyWithinWindow(t *testing.T) {
	paid := now.AddDate(0, 0, -20)
	res := Evaluate([]PaymentRecord{
		{Type: TypeMonthlyGroup, Succeeded: true, PaymentDate: paid, CreatedAt: paid},
	}, now)
	if res.Reason != ReasonPaid {
		t.Fatalf("20 days into a monthly payment: reason = %s, want Paid", res.Reason)
	}
	want := paid.AddDate(0, 1, 0)
	if !res.CoverageEnd.Equal(want) {
		t.Fatalf("coverage end = %v, want %v", res.CoverageEnd, want)
	}
}

func TestEvaluateMonthlyExpired(t *testing.T) {
	paid := now.AddDate(0, 0, -45)
	res := Evaluate([]PaymentRecord{
		{Type: TypeMonthlyGroup, Succeeded: true, PaymentDate: paid, CreatedAt: paid},
	}, now)
	if res.Reason != ReasonExpired {
		t.Fatalf("45 days into a monthly payment: reason = %s, want Expired", res.Reason)
	}
}

func TestEvaluateYearlyCoverage(t *testing.T) {
	paid := now.AddDate(0, -11, 0)
	res := Evaluate([]PaymentRecord{
		{Type: TypeYearlyGroup, Succeeded: true, PaymentDate: paid, CreatedAt: paid},
	}, now)
	if res.Reason != ReasonPaid {
		t.Fatalf("11 months into a yearly payment: reason = %s, want Paid", res.Reason)
	}
}

func TestEvaluateIgnoresNonCoverageAndFailed(t *testing.T) {
	res := Evaluate([]PaymentRecord{
		{Type: TypeIndividualSession, Succeeded: true, PaymentDate: now.AddDate(0, 0, -1), CreatedAt: now},
		{Type: "store_purchase", Succeeded: true, PaymentDate: now.AddDate(0, 0, -1), CreatedAt: now},
		{Type: TypeMonthlyGroup, Succeeded: false, PaymentDate: now.AddDate(0, 0, -1), CreatedAt: now},
	}, now)
	if res.Reason != ReasonTrial {
		t.Fatalf("reason = %s, want Trial (no governing payment)", res.Reason)
	}
}

func TestEvaluateGoverningPaymentLatestWins(t *testing.T) {
	older := now.AddDate(0, 0, -60)
	newer := now.AddDate(0, 0, -10)
	res := Evaluate([]PaymentRecord{
		{Type: TypeMonthlyGroup, Succeeded: true, PaymentDate: older, CreatedAt: older},
		{Type: TypeMonthlyGroup, Succeeded: true, PaymentDate: newer, CreatedAt: newer},
	}, now)
	if res.Reason != ReasonPaid {
		t.Fatalf("reason = %s, want Paid from the newer payment", res.Reason)
	}
	if !res.LastPaymentDate.Equal(newer) {
		t.Fatalf("governing payment date = %v, want %v", res.LastPaymentDate, newer)
	}
}

func TestEvaluateTieBrokenByCreatedAt(t *testing.T) {
	date := now.AddDate(0, 0, -5)
	first := PaymentRecord{Type: TypeMonthlyGroup, Succeeded: true, PaymentDate: date, CreatedAt: date}
	second := PaymentRecord{Type: TypeYearlyGroup, Succeeded: true, PaymentDate: date, CreatedAt: date.Add(time.Hour)}

	res := Evaluate([]PaymentRecord{first, second}, now)
	wantEnd := date.AddDate(1, 0, 0)
	if !res.CoverageEnd.Equal(wantEnd) {
		t.Fatalf("coverage end = %v, want yearly window %v (later created_at governs)", res.CoverageEnd, wantEnd)
	}

	// Order of the input slice must not change the outcome.
	res2 := Evaluate([]PaymentRecord{second, first}, now)
	if !res2.CoverageEnd.Equal(wantEnd) {
		t.Fatalf("evaluation depends on input order")
	}
}

func TestCoverageEndBoundaryExclusive(t *testing.T) {
	paid := now.AddDate(0, -1, 0)
	res := Evaluate([]PaymentRecord{
		{Type: TypeMonthlyGroup, Succeeded: true, PaymentDate: paid, CreatedAt: paid},
	}, now)
	// Coverage runs [paymentDate, paymentDate+1mo); the boundary instant is out.
	if res.Reason != ReasonExpired {
		t.Fatalf("at exact coverage end: reason = %s, want Expired", res.Reason)
	}
}
