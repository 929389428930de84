package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// InsertDomainEvent persists a business fact and returns the stored row.
func (s *Store) InsertDomainEvent(ctx context.Context, topic string, aggregateID uuid.UUID, payload json.RawMessage) (DomainEvent, error) {
	var ev DomainEvent
	err := s.db.QueryRow(ctx, `
		INSERT INTO domain_events (topic, aggregate_id, payload)
		VALUES ($1, $2, $3)
		RETURNING id, topic, aggregate_id, payload, occurred_at`,
		topic, aggregateID, payload).
		Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt)
	return ev, err
}

// GetDomainEvent loads one event by id.
func (s *Store) GetDomainEvent(ctx context.Context, id uuid.UUID) (DomainEvent, error) {
	var ev DomainEvent
	err := s.db.QueryRow(ctx, `
		SELECT id, topic, aggregate_id, payload, occurred_at
		FROM domain_events WHERE id = $1`, id).
		Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt)
	return ev, err
}

// ListOverdueInvoices returns sent or partially paid invoices whose due date
// has passed, for the worker's notification sweep.
func (s *Store) ListOverdueInvoices(ctx context.Context) ([]Invoice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status IN ('sent', 'viewed', 'partially_paid')
		  AND due_date IS NOT NULL AND due_date < now()
		  AND amount_paid_cents < total_cents
		ORDER BY due_date`)
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
