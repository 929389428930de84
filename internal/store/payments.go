package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const paymentColumns = `id, family_id, student_id, type, status, subtotal_cents, tax_cents,
	total_cents, currency, session_count, intent_id, receipt_ref, method_desc,
	payment_date, paid_at, created_at`

// InsertPaymentParams describes a new pending payment.
type InsertPaymentParams struct {
	FamilyID      uuid.UUID
	StudentID     *uuid.UUID
	Type          string
	SubtotalCents int64
	TaxCents      int64
	TotalCents    int64
	Currency      string
	SessionCount  int32
	PaymentDate   time.Time
}

// InsertPayment creates a pending payment row and returns it.
func (s *Store) InsertPayment(ctx context.Context, arg InsertPaymentParams) (Payment, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO payments (family_id, student_id, type, status, subtotal_cents, tax_cents,
			total_cents, currency, session_count, payment_date)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9)
		RETURNING `+paymentColumns,
		arg.FamilyID, arg.StudentID, arg.Type, arg.SubtotalCents, arg.TaxCents,
		arg.TotalCents, arg.Currency, arg.SessionCount, arg.PaymentDate)
	return scanPayment(row)
}

// GetPayment loads one payment by id.
func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

// AttachPaymentIntent stores the external processor's intent id while pending.
func (s *Store) AttachPaymentIntent(ctx context.Context, id uuid.UUID, intentID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE payments SET intent_id = $2 WHERE id = $1 AND status = 'pending'`, id, intentID)
	return err
}

// MarkPaymentSucceededParams carries the reconciliation result for a success.
type MarkPaymentSucceededParams struct {
	ID         uuid.UUID
	ReceiptRef string
	MethodDesc string
	PaidAt     time.Time
}

// MarkPaymentSucceeded performs the single-row compare-and-set that makes
// webhook redelivery safe: only a pending payment transitions. Returns true
// when this call performed the transition.
func (s *Store) MarkPaymentSucceeded(ctx context.Context, arg MarkPaymentSucceededParams) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE payments
		SET status = 'succeeded', receipt_ref = $2, method_desc = $3, paid_at = $4
		WHERE id = $1 AND status = 'pending'`,
		arg.ID, arg.ReceiptRef, arg.MethodDesc, arg.PaidAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPaymentFailed transitions a pending payment to failed. Returns true when
// this call performed the transition.
func (s *Store) MarkPaymentFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE payments SET status = 'failed' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListPaymentsByFamily returns a family's payments newest first.
func (s *Store) ListPaymentsByFamily(ctx context.Context, familyID uuid.UUID) ([]Payment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE family_id = $1
		ORDER BY payment_date DESC, created_at DESC`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

// ListSucceededPaymentsForStudent returns succeeded payments relevant to a
// student's eligibility: rows tied to the student plus family-level group
// payments, newest first.
func (s *Store) ListSucceededPaymentsForStudent(ctx context.Context, familyID, studentID uuid.UUID) ([]Payment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE family_id = $1
		  AND status = 'succeeded'
		  AND (student_id IS NULL OR student_id = $2)
		ORDER BY payment_date DESC, created_at DESC`, familyID, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

// CreditSessionBalance adds purchased sessions to the family balance.
func (s *Store) CreditSessionBalance(ctx context.Context, familyID uuid.UUID, sessions int32) error {
	_, err := s.db.Exec(ctx, `
		UPDATE families
		SET session_balance = session_balance + $2, updated_at = now()
		WHERE id = $1`, familyID, sessions)
	return err
}

// DebitSessionBalance consumes one session, refusing to go negative. Returns
// true when a session was consumed.
func (s *Store) DebitSessionBalance(ctx context.Context, familyID uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE families
		SET session_balance = session_balance - 1, updated_at = now()
		WHERE id = $1 AND session_balance > 0`, familyID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.FamilyID, &p.StudentID, &p.Type, &p.Status,
		&p.SubtotalCents, &p.TaxCents, &p.TotalCents, &p.Currency, &p.SessionCount,
		&p.IntentID, &p.ReceiptRef, &p.MethodDesc, &p.PaymentDate, &p.PaidAt, &p.CreatedAt)
	return p, err
}

func collectPayments(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Payment, error) {
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
