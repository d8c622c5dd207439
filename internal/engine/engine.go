package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mentorline/internal/config"
	"mentorline/internal/domain"
	"mentorline/internal/events"
	"mentorline/internal/extract"
	"mentorline/internal/observability"
	"mentorline/internal/planner"
	"mentorline/internal/store"
)

// Reminder offsets accepted by RegisterReminder.
const (
	Offset30m      = "30m"
	Offset1h       = "1h"
	OffsetTomorrow = "tomorrow"
)

type Engine struct {
	Store   store.Store
	Planner *planner.Manager
	Events  events.Writer
	Config  *config.Config
	Metrics *observability.Metrics
	Now     func() time.Time
}

func New(st store.Store, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Store:   st,
		Planner: planner.New(st, cfg.Queue.Capacity),
		Events:  events.Writer{Now: time.Now},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) location() *time.Location {
	if e.Config == nil {
		return time.UTC
	}
	return e.Config.Location()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// Day is the calendar day key of the current instant in the configured zone.
func (e Engine) Day() string {
	return planner.Day(e.now(), e.location())
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) refillToday(ctx context.Context) error {
	if err := e.Planner.Refill(ctx, e.Day()); err != nil {
		return fmt.Errorf("refill queue: %w", err)
	}
	return nil
}

func (e Engine) CreateGoal(ctx context.Context, text, actorID string) (domain.Goal, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Goal{}, domain.ValidationError{Field: "text", Reason: "goal text is required"}
	}
	g := domain.Goal{Text: text, CreatedAt: e.stamp()}
	err := e.Store.Atomic(ctx, func(q store.Queries) error {
		id, err := q.InsertGoal(ctx, g.Text, g.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert goal: %w", err)
		}
		g.ID = id
		return e.events().Append(ctx, q, events.GoalCreated, "goal", strconv.FormatInt(id, 10), actorID, events.EventPayload{"text": g.Text})
	})
	if err != nil {
		return domain.Goal{}, err
	}
	return g, nil
}

func (e Engine) ListGoals(ctx context.Context) ([]domain.Goal, error) {
	goals, err := e.Store.ListGoals(ctx)
	if err != nil {
		return nil, err
	}
	if goals == nil {
		goals = []domain.Goal{}
	}
	return goals, nil
}

// AddTask appends a pending task to an existing goal and refreshes today's queue.
func (e Engine) AddTask(ctx context.Context, goalID int64, text, actorID string) (domain.Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Task{}, domain.ValidationError{Field: "text", Reason: "task text is required"}
	}
	t := domain.Task{GoalID: goalID, Text: text, Status: domain.StatusPending}
	err := e.Store.Atomic(ctx, func(q store.Queries) error {
		if _, err := q.GetGoal(ctx, goalID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("goal %d: %w", goalID, store.ErrNotFound)
			}
			return err
		}
		id, err := q.InsertTask(ctx, goalID, text)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		t.ID = id
		return e.events().Append(ctx, q, events.TaskCreated, "task", strconv.FormatInt(id, 10), actorID, events.EventPayload{"goal_id": goalID, "text": text})
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.refillToday(ctx); err != nil {
		return t, err
	}
	return t, nil
}

// SaveProposal persists a goal and its tasks as one unit.
func (e Engine) SaveProposal(ctx context.Context, goal string, tasks []string, actorID string) (domain.Goal, []domain.Task, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return domain.Goal{}, nil, domain.ValidationError{Field: "goal", Reason: "goal text is required"}
	}
	if len(tasks) == 0 {
		return domain.Goal{}, nil, domain.ValidationError{Field: "tasks", Reason: "at least one task is required"}
	}
	if len(tasks) > extract.MaxTasks {
		return domain.Goal{}, nil, domain.ValidationError{Field: "tasks", Reason: fmt.Sprintf("at most %d tasks", extract.MaxTasks)}
	}
	g := domain.Goal{Text: goal, CreatedAt: e.stamp()}
	var saved []domain.Task
	err := e.Store.Atomic(ctx, func(q store.Queries) error {
		id, err := q.InsertGoal(ctx, g.Text, g.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert goal: %w", err)
		}
		g.ID = id
		if err := e.events().Append(ctx, q, events.GoalCreated, "goal", strconv.FormatInt(id, 10), actorID, events.EventPayload{"text": g.Text, "tasks": len(tasks)}); err != nil {
			return err
		}
		for _, text := range tasks {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			tid, err := q.InsertTask(ctx, id, text)
			if err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
			saved = append(saved, domain.Task{ID: tid, GoalID: id, Text: text, Status: domain.StatusPending})
		}
		return nil
	})
	if err != nil {
		return domain.Goal{}, nil, err
	}
	if err := e.refillToday(ctx); err != nil {
		return g, saved, err
	}
	return g, saved, nil
}

// DeleteLastGoal removes the newest goal and its tasks. store.ErrNotFound
// when there is nothing to delete.
func (e Engine) DeleteLastGoal(ctx context.Context, actorID string) (domain.Goal, error) {
	var g domain.Goal
	err := e.Store.Atomic(ctx, func(q store.Queries) error {
		var err error
		g, err = q.DeleteLastGoal(ctx)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, q, events.GoalDeleted, "goal", strconv.FormatInt(g.ID, 10), actorID, events.EventPayload{"text": g.Text})
	})
	if err != nil {
		return domain.Goal{}, err
	}
	if err := e.refillToday(ctx); err != nil {
		return g, err
	}
	return g, nil
}

func (e Engine) DeleteAllGoals(ctx context.Context, actorID string) error {
	return e.Store.Atomic(ctx, func(q store.Queries) error {
		if err := q.DeleteAllGoals(ctx); err != nil {
			return fmt.Errorf("delete goals: %w", err)
		}
		return e.events().Append(ctx, q, events.GoalsCleared, "goal", "", actorID, nil)
	})
}

// RemindAt computes when a reminder registered at now fires. "tomorrow"
// means the next calendar day at the digest time.
func (e Engine) RemindAt(offset string, now time.Time) (time.Time, error) {
	switch offset {
	case Offset30m:
		return now.Add(30 * time.Minute), nil
	case Offset1h:
		return now.Add(time.Hour), nil
	case OffsetTomorrow:
		local := now.In(e.location())
		hour, minute := 9, 0
		if e.Config != nil {
			hour, minute = e.Config.Digest.Hour, e.Config.Digest.Minute
		}
		return time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, local.Location()), nil
	}
	return time.Time{}, domain.ValidationError{Field: "offset", Reason: fmt.Sprintf("%q is not one of 30m, 1h, tomorrow", offset)}
}

// RegisterReminder records a one-shot reminder and enrolls recipient in the
// daily digest.
func (e Engine) RegisterReminder(ctx context.Context, recipient, offset string) (domain.Reminder, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return domain.Reminder{}, domain.ValidationError{Field: "recipient", Reason: "recipient is required"}
	}
	offset = strings.ToLower(strings.TrimSpace(offset))
	now := e.now()
	at, err := e.RemindAt(offset, now)
	if err != nil {
		return domain.Reminder{}, err
	}
	rem := domain.Reminder{Recipient: recipient, Offset: offset, RemindAt: at.Unix(), CreatedAt: e.stamp()}
	err = e.Store.Atomic(ctx, func(q store.Queries) error {
		id, err := q.InsertReminder(ctx, rem)
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
		rem.ID = id
		return e.events().Append(ctx, q, events.ReminderCreated, "reminder", strconv.FormatInt(id, 10), recipient, events.EventPayload{
			"offset":    offset,
			"remind_at": at.UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return domain.Reminder{}, err
	}
	return rem, nil
}

// Today returns the refreshed queue for the current day.
func (e Engine) Today(ctx context.Context) ([]domain.Task, error) {
	return e.TodayFor(ctx, e.Day())
}

func (e Engine) TodayFor(ctx context.Context, day string) ([]domain.Task, error) {
	tasks, err := e.Planner.TodayTasks(ctx, day)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	e.Metrics.ObserveQueue(len(tasks))
	return tasks, nil
}

// ApplyStatus moves the head of today's queue to status.
func (e Engine) ApplyStatus(ctx context.Context, status domain.TaskStatus, actorID string) (planner.StatusResult, error) {
	res, err := e.Planner.ApplyStatusThen(ctx, e.Day(), status, func(ctx context.Context, q store.Queries, task domain.Task) error {
		if err := e.events().Append(ctx, q, events.TaskStatus, "task", strconv.FormatInt(task.ID, 10), actorID, events.EventPayload{"status": status}); err != nil {
			return fmt.Errorf("record status event: %w", err)
		}
		return nil
	})
	if err != nil {
		return planner.StatusResult{}, err
	}
	if !res.Applied {
		return res, nil
	}
	e.Metrics.ObserveStatus(string(status))
	e.Metrics.ObserveQueue(len(res.Queue))
	return res, nil
}

type Stats struct {
	Goals   int `json:"goals"`
	Pending int `json:"pending"`
	Done    int `json:"done"`
	Stuck   int `json:"stuck"`
	Blocked int `json:"blocked"`
}

func (e Engine) Stats(ctx context.Context) (Stats, error) {
	goals, err := e.Store.ListGoals(ctx)
	if err != nil {
		return Stats{}, err
	}
	counts, err := e.Store.CountTasksByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Goals:   len(goals),
		Pending: counts[domain.StatusPending],
		Done:    counts[domain.StatusDone],
		Stuck:   counts[domain.StatusStuck],
		Blocked: counts[domain.StatusBlocked],
	}, nil
}

// RecentEvents returns the newest activity events first.
func (e Engine) RecentEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	evs, err := e.Store.LatestEvents(ctx, limit)
	if err != nil {
		return nil, err
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	return evs, nil
}

// RecordDelivery logs the outcome of an outbound digest or reminder message.
func (e Engine) RecordDelivery(ctx context.Context, kind, recipient string, sendErr error) error {
	e.Metrics.ObserveDelivery(kind, sendErr)
	typ := events.DigestSent
	payload := events.EventPayload{"kind": kind}
	if sendErr != nil {
		typ = events.DigestFailed
		payload["error"] = sendErr.Error()
	}
	return e.events().Append(ctx, e.Store, typ, "recipient", recipient, "system", payload)
}
