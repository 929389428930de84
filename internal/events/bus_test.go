package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/noah-isme/backend-dojo/internal/store"
	"github.com/noah-isme/backend-dojo/internal/tasks"
)

type fakeStore struct {
	inserted []store.DomainEvent
	err      error
}

func (f *fakeStore) InsertDomainEvent(ctx context.Context, topic string, aggregateID uuid.UUID, payload json.RawMessage) (store.DomainEvent, error) {
	if f.err != nil {
		return store.DomainEvent{}, f.err
	}
	ev := store.DomainEvent{ID: uuid.New(), Topic: topic, AggregateID: aggregateID, Payload: payload}
	f.inserted = append(f.inserted, ev)
	return ev, nil
}

type fakeEnqueuer struct {
	enqueued []*asynq.Task
	err      error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.enqueued = append(f.enqueued, task)
	return &asynq.TaskInfo{}, nil
}

func TestEmitPersistsAndEnqueuesAutomationTopics(t *testing.T) {
	st := &fakeStore{}
	q := &fakeEnqueuer{}
	bus := &Bus{Store: st, Tasks: q}
	familyID := uuid.New()

	ev, err := bus.Emit(context.Background(), TopicStudentPromoted, uuid.New(), Payload{FamilyID: familyID})
	if err != nil {
		t.Fatal(err)
	}
	if len(st.inserted) != 1 {
		t.Fatalf("inserted = %d", len(st.inserted))
	}
	if len(q.enqueued) != 1 || q.enqueued[0].Type() != tasks.TypeDiscountEvaluate {
		t.Fatalf("enqueued = %+v", q.enqueued)
	}
	var p tasks.DiscountEvaluatePayload
	if err := json.Unmarshal(q.enqueued[0].Payload(), &p); err != nil {
		t.Fatal(err)
	}
	if p.EventID != ev.ID || p.Trigger != TriggerBeltPromotion || p.FamilyID != familyID {
		t.Fatalf("task payload = %+v", p)
	}
}

func TestEmitSkipsNonAutomationTopics(t *testing.T) {
	st := &fakeStore{}
	q := &fakeEnqueuer{}
	bus := &Bus{Store: st, Tasks: q}

	if _, err := bus.Emit(context.Background(), TopicInvoicePaid, uuid.New(), Payload{FamilyID: uuid.New()}); err != nil {
		t.Fatal(err)
	}
	if len(st.inserted) != 1 {
		t.Fatalf("inserted = %d", len(st.inserted))
	}
	if len(q.enqueued) != 0 {
		t.Fatal("non-automation topic reached the worker queue")
	}
}

func TestEmitValidation(t *testing.T) {
	bus := &Bus{Store: &fakeStore{}}
	if _, err := bus.Emit(context.Background(), "", uuid.New(), Payload{}); err == nil {
		t.Error("empty topic accepted")
	}
	if _, err := bus.Emit(context.Background(), TopicInvoicePaid, uuid.Nil, Payload{}); err == nil {
		t.Error("nil aggregate accepted")
	}
}

func TestEmitSurvivesEnqueueFailure(t *testing.T) {
	st := &fakeStore{}
	q := &fakeEnqueuer{err: context.DeadlineExceeded}
	bus := &Bus{Store: st, Tasks: q}

	// The persisted row is the source of truth; a queue hiccup is logged only.
	if _, err := bus.Emit(context.Background(), TopicStudentPromoted, uuid.New(), Payload{FamilyID: uuid.New()}); err != nil {
		t.Fatalf("emit failed on enqueue error: %v", err)
	}
	if len(st.inserted) != 1 {
		t.Fatal("event row missing")
	}
}
