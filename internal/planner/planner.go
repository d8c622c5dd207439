// Package planner maintains the bounded "today" queue derived from the
// pending-task backlog.
//
// The queue for a day is never a source of truth: every read rebuilds it from
// the backlog, so capacity and FIFO order hold even after out-of-band backlog
// changes such as goal deletion.
package planner

import (
	"context"
	"fmt"
	"time"

	"mentorline/internal/domain"
	"mentorline/internal/keylock"
	"mentorline/internal/store"
)

// DefaultCapacity is the number of tasks staged for a day.
const DefaultCapacity = 3

const dayLayout = "2006-01-02"

// Day returns the calendar day key of t in loc.
func Day(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(dayLayout)
}

// StatusResult describes the outcome of ApplyStatus. Applied is false when
// there was nothing queued, which callers report as "no tasks left".
type StatusResult struct {
	Applied bool              `json:"applied"`
	Status  domain.TaskStatus `json:"status,omitempty"`
	Task    *domain.Task      `json:"task,omitempty"`
	Queue   []domain.Task     `json:"queue"`
}

// AfterStatus runs inside the ApplyStatus transaction once task has moved to
// its new status. A returned error rolls the whole update back.
type AfterStatus func(ctx context.Context, q store.Queries, task domain.Task) error

type Manager struct {
	Store    store.Store
	Capacity int

	locks keylock.Map
}

func New(st store.Store, capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{Store: st, Capacity: capacity}
}

// dayLock serialises refill+read sequences for one day within the process.
func (m *Manager) dayLock(day string) func() {
	return m.locks.Lock(day)
}

func (m *Manager) capacity() int {
	if m.Capacity <= 0 {
		return DefaultCapacity
	}
	return m.Capacity
}

// Refill rebuilds the queue for day from the oldest pending tasks.
func (m *Manager) Refill(ctx context.Context, day string) error {
	defer m.dayLock(day)()
	return m.Store.Atomic(ctx, func(q store.Queries) error {
		return m.refill(ctx, q, day)
	})
}

func (m *Manager) refill(ctx context.Context, q store.Queries, day string) error {
	if err := q.ClearQueue(ctx, day); err != nil {
		return fmt.Errorf("clear queue %s: %w", day, err)
	}
	pending, err := q.PendingTasks(ctx, m.capacity())
	if err != nil {
		return fmt.Errorf("select pending: %w", err)
	}
	for _, t := range pending {
		if err := q.Enqueue(ctx, t.ID, day); err != nil {
			return fmt.Errorf("enqueue task %d: %w", t.ID, err)
		}
	}
	return nil
}

// TodayTasks refills the queue for day and returns it in queue order.
func (m *Manager) TodayTasks(ctx context.Context, day string) ([]domain.Task, error) {
	defer m.dayLock(day)()
	var tasks []domain.Task
	err := m.Store.Atomic(ctx, func(q store.Queries) error {
		if err := m.refill(ctx, q, day); err != nil {
			return err
		}
		var err error
		tasks, err = q.QueuedTasks(ctx, day)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ApplyStatus moves the first queued task for day to status, removes it from
// the queue and refills. Exactly one task changes per call. An unmaterialised
// or empty queue yields Applied=false and leaves the store untouched.
func (m *Manager) ApplyStatus(ctx context.Context, day string, status domain.TaskStatus) (StatusResult, error) {
	return m.ApplyStatusThen(ctx, day, status, nil)
}

// ApplyStatusThen is ApplyStatus with after run in the same transaction.
func (m *Manager) ApplyStatusThen(ctx context.Context, day string, status domain.TaskStatus, after AfterStatus) (StatusResult, error) {
	if !status.Terminal() {
		return StatusResult{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not one of done, stuck, blocked", status)}
	}
	defer m.dayLock(day)()
	res := StatusResult{Queue: []domain.Task{}}
	err := m.Store.Atomic(ctx, func(q store.Queries) error {
		queued, err := q.QueuedTasks(ctx, day)
		if err != nil {
			return err
		}
		if len(queued) == 0 {
			return nil
		}
		first := queued[0]
		if err := q.SetTaskStatus(ctx, first.ID, status); err != nil {
			return fmt.Errorf("set status of task %d: %w", first.ID, err)
		}
		if err := q.Dequeue(ctx, first.ID); err != nil {
			return fmt.Errorf("dequeue task %d: %w", first.ID, err)
		}
		if err := m.refill(ctx, q, day); err != nil {
			return err
		}
		first.Status = status
		if after != nil {
			if err := after(ctx, q, first); err != nil {
				return err
			}
		}
		res.Applied, res.Status, res.Task = true, status, &first
		res.Queue, err = q.QueuedTasks(ctx, day)
		return err
	})
	if err != nil {
		return StatusResult{}, err
	}
	if res.Queue == nil {
		res.Queue = []domain.Task{}
	}
	return res, nil
}
