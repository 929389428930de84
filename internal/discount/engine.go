// Package discount implements the automation rule engine: trigger events are
// matched against admin-authored JSON conditions and matching rules assign
// discount codes from their templates.
package discount

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrRuleInactive is returned when the rule is outside its validity window.
	ErrRuleInactive = errors.New("rule not active at event time")
	// ErrFamilyCapReached indicates the family exhausted the rule's per-family cap.
	ErrFamilyCapReached = errors.New("rule per-family use cap reached")
)

// Event is the context an automation trigger carries.
type Event struct {
	Trigger    string
	OccurredAt time.Time
	BeltRank   string
	Program    string
	Attendance int32
	AgeYears   int32
}

// Conditions is the typed view of a rule's stored JSON. The schema is
// event-type-dependent; absent keys are wildcards and unknown keys are
// ignored rather than treated as constraints.
type Conditions struct {
	BeltRank      *string `json:"belt_rank"`
	Program       *string `json:"program"`
	MinAttendance *int32  `json:"min_attendance"`
	MinAge        *int32  `json:"min_age"`
	MaxAge        *int32  `json:"max_age"`
}

// ParseConditions decodes stored rule conditions, tolerating unknown keys.
func ParseConditions(raw json.RawMessage) (Conditions, error) {
	var c Conditions
	if len(raw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return Conditions{}, err
	}
	return c, nil
}

// Match evaluates all specified conditions against the event context with AND
// semantics.
func Match(c Conditions, ev Event) bool {
	if c.BeltRank != nil && !strings.EqualFold(*c.BeltRank, ev.BeltRank) {
		return false
	}
	if c.Program != nil && !strings.EqualFold(*c.Program, ev.Program) {
		return false
	}
	if c.MinAttendance != nil && ev.Attendance < *c.MinAttendance {
		return false
	}
	if c.MinAge != nil && ev.AgeYears < *c.MinAge {
		return false
	}
	if c.MaxAge != nil && ev.AgeYears > *c.MaxAge {
		return false
	}
	return true
}

// WithinWindow checks the rule validity window at the event instant.
func WithinWindow(validFrom, validTo *time.Time, at time.Time) error {
	if validFrom != nil && at.Before(*validFrom) {
		return ErrRuleInactive
	}
	if validTo != nil && at.After(*validTo) {
		return ErrRuleInactive
	}
	return nil
}
