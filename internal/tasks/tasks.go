// Package tasks defines the asynq task types exchanged between the API and
// the worker.
package tasks

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task type names registered with asynq.
const (
	TypeDiscountEvaluate = "discount:evaluate"
	TypeOverdueNotify    = "invoice:overdue_notify"
)

// DiscountEvaluatePayload asks the worker to run automation rules for one
// persisted domain event.
type DiscountEvaluatePayload struct {
	EventID  uuid.UUID `json:"event_id"`
	Trigger  string    `json:"trigger"`
	FamilyID uuid.UUID `json:"family_id"`
}

// NewDiscountEvaluateTask builds the asynq task for a discount evaluation.
func NewDiscountEvaluateTask(p DiscountEvaluatePayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDiscountEvaluate, data, asynq.MaxRetry(5)), nil
}

// NewOverdueNotifyTask builds the daily overdue-invoice sweep task.
func NewOverdueNotifyTask() *asynq.Task {
	return asynq.NewTask(TypeOverdueNotify, nil, asynq.MaxRetry(3))
}
