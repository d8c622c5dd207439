// Package store defines the persistence contract shared by the SQLite and
// PostgreSQL backends.
package store

import (
	"context"
	"errors"
	"time"

	"mentorline/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Queries is the set of record operations. Implementations run each call on
// either the plain connection or the transaction handed out by Atomic.
type Queries interface {
	InsertGoal(ctx context.Context, text, createdAt string) (int64, error)
	GetGoal(ctx context.Context, id int64) (domain.Goal, error)
	// ListGoals returns goals newest first.
	ListGoals(ctx context.Context) ([]domain.Goal, error)
	// DeleteLastGoal removes the goal with the highest id and every task left
	// without a goal. ErrNotFound when there are no goals.
	DeleteLastGoal(ctx context.Context) (domain.Goal, error)
	PruneOrphanTasks(ctx context.Context) (int64, error)
	// DeleteAllGoals clears goals, tasks and queue entries.
	DeleteAllGoals(ctx context.Context) error

	InsertTask(ctx context.Context, goalID int64, text string) (int64, error)
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	SetTaskStatus(ctx context.Context, id int64, status domain.TaskStatus) error
	// PendingTasks returns up to limit pending tasks, oldest first.
	PendingTasks(ctx context.Context, limit int) ([]domain.Task, error)
	CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)

	ClearQueue(ctx context.Context, day string) error
	Enqueue(ctx context.Context, taskID int64, day string) error
	// Dequeue removes the task from the queue of every day.
	Dequeue(ctx context.Context, taskID int64) error
	// QueuedTasks returns the tasks queued for day in insertion order.
	QueuedTasks(ctx context.Context, day string) ([]domain.Task, error)

	InsertReminder(ctx context.Context, r domain.Reminder) (int64, error)
	// DigestRecipients lists every recipient that registered a reminder.
	DigestRecipients(ctx context.Context) ([]string, error)
	DueReminders(ctx context.Context, now time.Time) ([]domain.Reminder, error)
	// ClaimReminder marks a reminder fired. It reports false when another
	// caller already claimed it.
	ClaimReminder(ctx context.Context, id int64, firedAt string) (bool, error)
	// ClaimDigest records that recipient was notified on day. It reports
	// false when the marker already exists.
	ClaimDigest(ctx context.Context, recipient, day string) (bool, error)

	InsertEvent(ctx context.Context, e domain.Event) error
	LatestEvents(ctx context.Context, limit int) ([]domain.Event, error)
	// EventsAfter returns up to limit events with id > afterID, oldest first.
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Store is a Queries bound to a connection plus transactional scoping.
type Store interface {
	Queries
	// Atomic runs fn inside one transaction, committing when fn returns nil.
	Atomic(ctx context.Context, fn func(q Queries) error) error
	Close() error
}
