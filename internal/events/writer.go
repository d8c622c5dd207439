package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mentorline/internal/domain"
	"mentorline/internal/store"
)

const (
	GoalCreated     = "goal.created"
	GoalDeleted     = "goal.deleted"
	GoalsCleared    = "goals.cleared"
	TaskCreated     = "task.created"
	TaskStatus      = "task.status"
	ReminderCreated = "reminder.created"
	DigestSent      = "digest.sent"
	DigestFailed    = "digest.failed"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event through q, which is normally the transaction that
// performed the change.
func (w Writer) Append(ctx context.Context, q store.Queries, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	return q.InsertEvent(ctx, domain.Event{
		TS:         w.Now().UTC().Format(time.RFC3339),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	})
}
