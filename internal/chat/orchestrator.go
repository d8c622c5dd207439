// Package chat routes inbound conversation messages to the engine and
// renders the replies.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"mentorline/internal/domain"
	"mentorline/internal/engine"
	"mentorline/internal/extract"
	"mentorline/internal/keylock"
	"mentorline/internal/observability"
	"mentorline/internal/store"
)

// Route names label how a message was handled.
const (
	RouteCommand       = "command"
	RouteDeleteConfirm = "delete_confirm"
	RouteReminder      = "reminder"
	RouteStatus        = "status"
	RouteProposal      = "proposal_confirm"
	RouteExtract       = "extract"
	RouteUnmatched     = "unmatched"
)

// Reply is the ordered list of messages to send back for one inbound message.
type Reply struct {
	Route    string    `json:"route"`
	Messages []string  `json:"messages"`
	Proposal *Proposal `json:"proposal,omitempty"`
}

func reply(route string, msgs ...string) Reply {
	return Reply{Route: route, Messages: msgs}
}

type Orchestrator struct {
	Engine   engine.Engine
	Sessions *Sessions
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	locks keylock.Map
}

func New(eng engine.Engine, sessions *Sessions) *Orchestrator {
	if sessions == nil {
		sessions = NewSessions(DefaultSessionTTL)
	}
	return &Orchestrator{
		Engine:   eng,
		Sessions: sessions,
		Metrics:  eng.Metrics,
		Logger:   slog.Default(),
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// lock serialises messages of one conversation.
func (o *Orchestrator) lock(conv string) func() {
	return o.locks.Lock(conv)
}

// Handle processes one inbound message for conversation conv.
func (o *Orchestrator) Handle(ctx context.Context, conv, text string) (Reply, error) {
	conv = strings.TrimSpace(conv)
	if conv == "" {
		return Reply{}, domain.ValidationError{Field: "conversation", Reason: "conversation id is required"}
	}
	defer o.lock(conv)()

	raw := strings.TrimSpace(text)
	var (
		r   Reply
		err error
	)
	if strings.HasPrefix(raw, "/") {
		r, err = o.command(ctx, conv, raw)
	} else {
		r, err = o.text(ctx, conv, raw)
	}
	var verr domain.ValidationError
	if errors.As(err, &verr) {
		r, err = reply(r.Route, "⚠ "+verr.Error()), nil
	}
	if err != nil {
		o.logger().Error("chat message failed", "conversation", conv, "route", r.Route, "err", err)
		return Reply{}, err
	}
	o.Metrics.ObserveChat(r.Route)
	o.logger().Debug("chat message handled", "conversation", conv, "route", r.Route, "messages", len(r.Messages))
	return r, nil
}

func (o *Orchestrator) command(ctx context.Context, conv, raw string) (Reply, error) {
	fields := strings.Fields(raw)
	name := strings.ToLower(fields[0])
	// "/tasks@mentor_bot" addresses a specific bot in group chats
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	args := fields[1:]

	switch name {
	case "/start":
		today, err := o.Engine.Today(ctx)
		if err != nil {
			return reply(RouteCommand), err
		}
		return reply(RouteCommand, helpText, FormatToday(today)), nil
	case "/help":
		return reply(RouteCommand, helpText), nil
	case "/goals":
		goals, err := o.Engine.ListGoals(ctx)
		if err != nil {
			return reply(RouteCommand), err
		}
		return reply(RouteCommand, FormatGoals(goals)), nil
	case "/tasks":
		today, err := o.Engine.Today(ctx)
		if err != nil {
			return reply(RouteCommand), err
		}
		return reply(RouteCommand, FormatToday(today)), nil
	case "/addgoal":
		if len(args) == 0 {
			return reply(RouteCommand, msgAddGoalUsage), nil
		}
		g, err := o.Engine.CreateGoal(ctx, strings.Join(args, " "), conv)
		if err != nil {
			return reply(RouteCommand), err
		}
		return reply(RouteCommand, formatGoalAdded(g.ID)), nil
	case "/addtask":
		if len(args) < 2 {
			return reply(RouteCommand, msgAddTaskUsage), nil
		}
		goalID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return reply(RouteCommand, msgGoalIDNumber), nil
		}
		if _, err := o.Engine.AddTask(ctx, goalID, strings.Join(args[1:], " "), conv); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return reply(RouteCommand, fmt.Sprintf("Goal %d not found", goalID)), nil
			}
			return reply(RouteCommand), err
		}
		return reply(RouteCommand, msgTaskAdded), nil
	case "/delete_recent_goal":
		if _, err := o.Engine.DeleteLastGoal(ctx, conv); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return reply(RouteCommand, msgNoGoals), nil
			}
			return reply(RouteCommand), err
		}
		return reply(RouteCommand, msgLastGoalDeleted), nil
	case "/delete_all_goals":
		o.Sessions.ArmDeleteAll(conv)
		return reply(RouteCommand, msgConfirmDelete), nil
	case "/stats":
		stats, err := o.Engine.Stats(ctx)
		if err != nil {
			return reply(RouteCommand), err
		}
		return reply(RouteCommand, formatStats(stats)), nil
	}
	return reply(RouteCommand, msgUnknownCommand), nil
}

func (o *Orchestrator) text(ctx context.Context, conv, raw string) (Reply, error) {
	low := strings.ToLower(raw)

	if o.Sessions.TakeDeleteAll(conv) {
		if low != "yes" {
			return reply(RouteDeleteConfirm, msgCancelled), nil
		}
		if err := o.Engine.DeleteAllGoals(ctx, conv); err != nil {
			return reply(RouteDeleteConfirm), err
		}
		return reply(RouteDeleteConfirm, msgAllDeleted), nil
	}

	if ack, ok := reminderAck[low]; ok {
		if _, err := o.Engine.RegisterReminder(ctx, conv, low); err != nil {
			return reply(RouteReminder), err
		}
		return reply(RouteReminder, ack), nil
	}

	if status, ok := domain.ParseStatus(low); ok {
		res, err := o.Engine.ApplyStatus(ctx, status, conv)
		if err != nil {
			return reply(RouteStatus), err
		}
		first := FormatStatusResult(res)
		today, err := o.Engine.Today(ctx)
		if err != nil {
			return reply(RouteStatus), err
		}
		return reply(RouteStatus, first, FormatToday(today)), nil
	}

	if low == "yes" || low == "no" {
		if p, ok := o.Sessions.TakeProposal(conv); ok {
			if low == "no" {
				return reply(RouteProposal, msgDiscarded), nil
			}
			if _, _, err := o.Engine.SaveProposal(ctx, p.Goal, p.Tasks, conv); err != nil {
				return reply(RouteProposal), err
			}
			today, err := o.Engine.Today(ctx)
			if err != nil {
				return reply(RouteProposal), err
			}
			return reply(RouteProposal, msgSaved, FormatToday(today)), nil
		}
	}

	res := extract.Extract(raw)
	if !res.Proposable() {
		return reply(RouteUnmatched, msgNotUnderstood), nil
	}
	p := o.Sessions.StageProposal(conv, res.Goal, res.Tasks)
	r := reply(RouteExtract, FormatProposal(p))
	r.Proposal = &p
	return r, nil
}
