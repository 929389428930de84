package discount

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-dojo/internal/common"
	"github.com/noah-isme/backend-dojo/internal/events"
	"github.com/noah-isme/backend-dojo/internal/obs"
	"github.com/noah-isme/backend-dojo/internal/store"
)

// Querier captures the database methods required by the rule service.
type Querier interface {
	ListActiveRulesByTrigger(ctx context.Context, trigger string) ([]store.DiscountRule, error)
	GetDiscountTemplate(ctx context.Context, id uuid.UUID) (store.DiscountTemplate, error)
	CountRuleUsesByFamily(ctx context.Context, ruleID, familyID uuid.UUID) (int64, error)
	InsertAssignment(ctx context.Context, arg store.InsertAssignmentParams) (store.DiscountAssignment, error)
	ListAssignmentsByFamily(ctx context.Context, familyID uuid.UUID) ([]store.DiscountAssignment, error)
}

// Service evaluates automation rules against trigger events.
type Service struct {
	Q      Querier
	Logger zerolog.Logger
	Now    func() time.Time
}

// EvaluateInput identifies the persisted event driving this evaluation.
type EvaluateInput struct {
	EventID  uuid.UUID
	FamilyID uuid.UUID
	Event    Event
}

// Evaluate runs every active rule for the event's trigger. A misconfigured
// rule is logged and skipped; it never aborts the remaining rules.
func (s *Service) Evaluate(ctx context.Context, in EvaluateInput) ([]store.DiscountAssignment, error) {
	if s == nil || s.Q == nil {
		return nil, errors.New("discount service not configured")
	}
	rules, err := s.Q.ListActiveRulesByTrigger(ctx, in.Event.Trigger)
	if err != nil {
		return nil, common.TransientError("load automation rules", err)
	}
	var assigned []store.DiscountAssignment
	for _, rule := range rules {
		out, err := s.applyRule(ctx, rule, in)
		if err != nil {
			if common.IsCode(err, common.CodeRuleConfig) {
				s.Logger.Warn().Err(err).Str("rule", rule.Name).Str("trigger", in.Event.Trigger).
					Msg("skipping misconfigured discount rule")
				obs.DiscountRuleSkippedTotal.WithLabelValues(in.Event.Trigger).Inc()
				continue
			}
			return assigned, err
		}
		assigned = append(assigned, out...)
	}
	if len(assigned) > 0 {
		obs.DiscountAssignedTotal.WithLabelValues(in.Event.Trigger).Add(float64(len(assigned)))
	}
	return assigned, nil
}

func (s *Service) applyRule(ctx context.Context, rule store.DiscountRule, in EvaluateInput) ([]store.DiscountAssignment, error) {
	if err := WithinWindow(rule.ValidFrom, rule.ValidTo, in.Event.OccurredAt); err != nil {
		return nil, nil
	}
	conditions, err := ParseConditions(rule.Conditions)
	if err != nil {
		return nil, common.RuleConfigError("malformed rule conditions", err)
	}
	if !Match(conditions, in.Event) {
		return nil, nil
	}
	if len(rule.TemplateIDs) == 0 {
		return nil, common.RuleConfigError("rule has no templates", nil)
	}
	maxUses := rule.MaxUsesPerFamily
	// First-payment offers are once per family by definition. Every later
	// succeeded payment raises the same trigger, so an unset cap would turn
	// the offer into a standing renewal discount.
	if in.Event.Trigger == events.TriggerFirstPayment && (maxUses == 0 || maxUses > 1) {
		maxUses = 1
	}
	if maxUses > 0 {
		used, err := s.Q.CountRuleUsesByFamily(ctx, rule.ID, in.FamilyID)
		if err != nil {
			return nil, common.TransientError("count rule uses", err)
		}
		if used >= int64(maxUses) {
			return nil, nil
		}
	}

	// Templates apply in declared order so sequenced offers ("first month
	// free, second month half") keep their sequence numbers stable.
	var assigned []store.DiscountAssignment
	for i, templateID := range rule.TemplateIDs {
		tmpl, err := s.Q.GetDiscountTemplate(ctx, templateID)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				return nil, common.RuleConfigError(fmt.Sprintf("template %s missing", templateID), err)
			}
			return nil, common.TransientError("load template", err)
		}
		if !tmpl.Active {
			return nil, common.RuleConfigError(fmt.Sprintf("template %s inactive", templateID), nil)
		}
		a, err := s.Q.InsertAssignment(ctx, store.InsertAssignmentParams{
			RuleID:     rule.ID,
			TemplateID: tmpl.ID,
			FamilyID:   in.FamilyID,
			EventID:    in.EventID,
			Code:       generateCode(tmpl.CodePrefix),
			Sequence:   int32(i),
		})
		if err != nil {
			if store.IsUniqueViolation(err, store.UniqueAssignmentPerEvent) {
				// Event already processed for this rule; re-delivery is a no-op.
				return nil, nil
			}
			return nil, common.TransientError("record assignment", err)
		}
		assigned = append(assigned, a)
	}
	return assigned, nil
}

// ListForFamily returns codes assigned to a family, newest first.
func (s *Service) ListForFamily(ctx context.Context, familyID uuid.UUID) ([]store.DiscountAssignment, error) {
	out, err := s.Q.ListAssignmentsByFamily(ctx, familyID)
	if err != nil {
		return nil, common.TransientError("list assignments", err)
	}
	return out, nil
}

func generateCode(prefix string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = "DOJO"
	}
	return prefix + "-" + suffix
}
