package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-dojo/internal/store"
	"github.com/noah-isme/backend-dojo/internal/tasks"
)

// EventStore defines the persistence operations required by the event bus.
type EventStore interface {
	InsertDomainEvent(ctx context.Context, topic string, aggregateID uuid.UUID, payload json.RawMessage) (store.DomainEvent, error)
}

// TaskEnqueuer schedules background work for emitted events. *asynq.Client
// satisfies it.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Bus persists domain events and hands automation-relevant ones to the worker.
type Bus struct {
	Store  EventStore
	Tasks  TaskEnqueuer
	Logger zerolog.Logger
}

// Payload is the common envelope attached to emitted events.
type Payload struct {
	FamilyID  uuid.UUID      `json:"family_id"`
	StudentID *uuid.UUID     `json:"student_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Emit records the event and, when its topic feeds a discount trigger,
// enqueues a worker evaluation. Enqueue failures are logged, not propagated:
// the event row is the source of truth and sweeps can recover missed work.
func (b *Bus) Emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload Payload) (store.DomainEvent, error) {
	if b == nil || b.Store == nil {
		return store.DomainEvent{}, errors.New("events: store not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return store.DomainEvent{}, errors.New("events: topic is required")
	}
	if aggregateID == uuid.Nil {
		return store.DomainEvent{}, errors.New("events: aggregate id is required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return store.DomainEvent{}, fmt.Errorf("events: encode payload: %w", err)
	}
	ev, err := b.Store.InsertDomainEvent(ctx, topic, aggregateID, encoded)
	if err != nil {
		return store.DomainEvent{}, fmt.Errorf("events: persist event: %w", err)
	}

	trigger, ok := AutomationTrigger(topic)
	if !ok || b.Tasks == nil {
		return ev, nil
	}
	task, err := tasks.NewDiscountEvaluateTask(tasks.DiscountEvaluatePayload{
		EventID:  ev.ID,
		Trigger:  trigger,
		FamilyID: payload.FamilyID,
	})
	if err != nil {
		b.Logger.Error().Err(err).Str("topic", topic).Msg("build discount task")
		return ev, nil
	}
	if _, err := b.Tasks.EnqueueContext(ctx, task); err != nil {
		b.Logger.Error().Err(err).Str("topic", topic).Str("event_id", ev.ID.String()).
			Msg("enqueue discount evaluation")
	}
	return ev, nil
}
