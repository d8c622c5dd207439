package domain

import (
	"fmt"
	"strings"
)

type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusDone    TaskStatus = "done"
	StatusStuck   TaskStatus = "stuck"
	StatusBlocked TaskStatus = "blocked"
)

// Terminal reports whether a task in this status can never be queued again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusStuck, StatusBlocked:
		return true
	}
	return false
}

// ParseStatus maps user input ("Done", " stuck ") to a terminal status.
func ParseStatus(v string) (TaskStatus, bool) {
	s := TaskStatus(strings.ToLower(strings.TrimSpace(v)))
	if !s.Terminal() {
		return "", false
	}
	return s, true
}

type Goal struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID     int64      `json:"id"`
	GoalID int64      `json:"goal_id"`
	Text   string     `json:"text"`
	Status TaskStatus `json:"status" enum:"pending,done,stuck,blocked"`
}

type QueueEntry struct {
	ID     int64  `json:"id"`
	TaskID int64  `json:"task_id"`
	Day    string `json:"day"`
}

type Reminder struct {
	ID        int64   `json:"id"`
	Recipient string  `json:"recipient"`
	Offset    string  `json:"offset" enum:"30m,1h,tomorrow"`
	RemindAt  int64   `json:"remind_at"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	FiredAt   *string `json:"fired_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ValidationError reports malformed input. Nothing is mutated when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
