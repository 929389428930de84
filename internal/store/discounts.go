package store

import (
	"context"

	"github.com/google/uuid"
)

// ListActiveRulesByTrigger loads active automation rules for one trigger
// event, with their template ids in declared order.
func (s *Store) ListActiveRulesByTrigger(ctx context.Context, trigger string) ([]DiscountRule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.name, r.trigger_event, r.conditions,
			COALESCE(array_agg(rt.template_id::text ORDER BY rt.position) FILTER (WHERE rt.template_id IS NOT NULL), '{}'),
			r.valid_from, r.valid_to, r.max_uses_per_family, r.active
		FROM discount_rules r
		LEFT JOIN discount_rule_templates rt ON rt.rule_id = r.id
		WHERE r.trigger_event = $1 AND r.active
		GROUP BY r.id
		ORDER BY r.created_at`, trigger)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DiscountRule
	for rows.Next() {
		var (
			r       DiscountRule
			rawTmpl []string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.TriggerEvent, &r.Conditions, &rawTmpl,
			&r.ValidFrom, &r.ValidTo, &r.MaxUsesPerFamily, &r.Active); err != nil {
			return nil, err
		}
		r.TemplateIDs = make([]uuid.UUID, 0, len(rawTmpl))
		for _, raw := range rawTmpl {
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, err
			}
			r.TemplateIDs = append(r.TemplateIDs, id)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDiscountTemplate loads one template by id.
func (s *Store) GetDiscountTemplate(ctx context.Context, id uuid.UUID) (DiscountTemplate, error) {
	var t DiscountTemplate
	err := s.db.QueryRow(ctx, `
		SELECT id, name, code_prefix, kind, value_bps, value_cents, duration_months, active
		FROM discount_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.CodePrefix, &t.Kind, &t.ValueBps, &t.ValueCents,
			&t.DurationMonths, &t.Active)
	return t, err
}

// CountRuleUsesByFamily counts prior assignments of a rule to a family.
func (s *Store) CountRuleUsesByFamily(ctx context.Context, ruleID, familyID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, `
		SELECT count(DISTINCT event_id) FROM discount_assignments
		WHERE rule_id = $1 AND family_id = $2`, ruleID, familyID).Scan(&count)
	return count, err
}

// InsertAssignmentParams records one assigned code.
type InsertAssignmentParams struct {
	RuleID     uuid.UUID
	TemplateID uuid.UUID
	FamilyID   uuid.UUID
	EventID    uuid.UUID
	Code       string
	Sequence   int32
}

// InsertAssignment records a code assignment. The unique index on
// (rule_id, family_id, event_id, sequence) makes re-processing an event a
// no-op; callers treat a unique violation as already-assigned.
func (s *Store) InsertAssignment(ctx context.Context, arg InsertAssignmentParams) (DiscountAssignment, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO discount_assignments (rule_id, template_id, family_id, event_id, code, sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, rule_id, template_id, family_id, event_id, code, sequence, created_at`,
		arg.RuleID, arg.TemplateID, arg.FamilyID, arg.EventID, arg.Code, arg.Sequence)
	var a DiscountAssignment
	err := row.Scan(&a.ID, &a.RuleID, &a.TemplateID, &a.FamilyID, &a.EventID,
		&a.Code, &a.Sequence, &a.CreatedAt)
	return a, err
}

// ListAssignmentsByFamily returns a family's assigned codes, newest first.
func (s *Store) ListAssignmentsByFamily(ctx context.Context, familyID uuid.UUID) ([]DiscountAssignment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, rule_id, template_id, family_id, event_id, code, sequence, created_at
		FROM discount_assignments
		WHERE family_id = $1 ORDER BY created_at DESC`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DiscountAssignment
	for rows.Next() {
		var a DiscountAssignment
		if err := rows.Scan(&a.ID, &a.RuleID, &a.TemplateID, &a.FamilyID, &a.EventID,
			&a.Code, &a.Sequence, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UniqueAssignmentPerEvent is the unique index backing assignment idempotency.
const UniqueAssignmentPerEvent = "discount_assignments_rule_family_event_seq_key"
