// Package digest sends the morning digest and fires one-shot reminders.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mentorline/internal/chat"
	"mentorline/internal/config"
	"mentorline/internal/engine"
	"mentorline/internal/notify"
	"mentorline/internal/planner"
)

const (
	KindDigest   = "digest"
	KindReminder = "reminder"
)

// Report summarises one Tick.
type Report struct {
	Day       string `json:"day"`
	InWindow  bool   `json:"in_window"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Reminders int    `json:"reminders"`
}

type Scheduler struct {
	Engine   engine.Engine
	Notifier notify.Notifier
	Config   config.Digest
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(eng engine.Engine, n notify.Notifier) *Scheduler {
	cfg := config.Default().Digest
	loc := time.UTC
	if eng.Config != nil {
		cfg = eng.Config.Digest
		loc = eng.Config.Location()
	}
	return &Scheduler{
		Engine:   eng,
		Notifier: n,
		Config:   cfg,
		Location: loc,
		Logger:   slog.Default(),
		Now:      eng.Now,
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run ticks every poll interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Config.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx, s.now()); err != nil {
			s.logger().Error("digest tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// InWindow reports whether now falls in [hour:minute, hour:minute+window) of
// its local day.
func (s *Scheduler) InWindow(now time.Time) bool {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), s.Config.Hour, s.Config.Minute, 0, 0, loc)
	window := s.Config.Window
	if window <= 0 {
		window = time.Minute
	}
	return !local.Before(start) && local.Before(start.Add(window))
}

// Tick runs one evaluation at now. Errors from individual deliveries are
// isolated; only store failures that prevent the pass are returned.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (Report, error) {
	day := planner.Day(now, s.Location)
	rep := Report{Day: day, InWindow: s.InWindow(now)}
	if rep.InWindow && s.Config.Enabled {
		if err := s.sendDigests(ctx, day, &rep); err != nil {
			return rep, err
		}
	}
	if err := s.fireReminders(ctx, now, day, &rep); err != nil {
		return rep, err
	}
	return rep, nil
}

func (s *Scheduler) sendDigests(ctx context.Context, day string, rep *Report) error {
	recipients, err := s.Engine.Store.DigestRecipients(ctx)
	if err != nil {
		return fmt.Errorf("list digest recipients: %w", err)
	}
	for _, rcpt := range recipients {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// the marker is claimed before sending: a failed send is not retried that day
		claimed, err := s.Engine.Store.ClaimDigest(ctx, rcpt, day)
		if err != nil {
			s.logger().Error("claim digest marker failed", "recipient", rcpt, "err", err)
			rep.Failed++
			continue
		}
		if !claimed {
			rep.Skipped++
			continue
		}
		tasks, err := s.Engine.TodayFor(ctx, day)
		if err != nil {
			return fmt.Errorf("compute queue: %w", err)
		}
		s.deliver(ctx, KindDigest, rcpt, chat.FormatDigest(tasks), rep)
	}
	return nil
}

func (s *Scheduler) fireReminders(ctx context.Context, now time.Time, day string, rep *Report) error {
	due, err := s.Engine.Store.DueReminders(ctx, now)
	if err != nil {
		return fmt.Errorf("list due reminders: %w", err)
	}
	for _, rem := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		claimed, err := s.Engine.Store.ClaimReminder(ctx, rem.ID, now.UTC().Format(time.RFC3339))
		if err != nil {
			s.logger().Error("claim reminder failed", "reminder", rem.ID, "err", err)
			continue
		}
		if !claimed {
			continue
		}
		tasks, err := s.Engine.TodayFor(ctx, day)
		if err != nil {
			return fmt.Errorf("compute queue: %w", err)
		}
		rep.Reminders++
		s.deliver(ctx, KindReminder, rem.Recipient, chat.FormatReminder(tasks), rep)
	}
	return nil
}

func (s *Scheduler) deliver(ctx context.Context, kind, recipient, text string, rep *Report) {
	var sendErr error
	if s.Notifier == nil {
		sendErr = notify.ErrNoNotifier
	} else {
		sendErr = s.Notifier.Send(ctx, recipient, text)
	}
	if sendErr != nil {
		rep.Failed++
		s.logger().Warn("delivery failed", "kind", kind, "recipient", recipient, "err", sendErr)
	} else {
		rep.Sent++
	}
	if err := s.Engine.RecordDelivery(ctx, kind, recipient, sendErr); err != nil {
		s.logger().Error("record delivery failed", "kind", kind, "recipient", recipient, "err", err)
	}
}
