// Package notify delivers outbound messages (digests, reminders) to
// recipients over the configured channels.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

var (
	ErrNoNotifier   = errors.New("no notifier configured")
	ErrNoConnection = errors.New("recipient has no live connection")
)

type Notifier interface {
	Send(ctx context.Context, recipient, text string) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, recipient, text string) error

func (f Func) Send(ctx context.Context, recipient, text string) error {
	return f(ctx, recipient, text)
}

// Log writes messages to a structured logger. It never fails.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Send(ctx context.Context, recipient, text string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "outbound message", "recipient", recipient, "text", text)
	return nil
}

// Fanout tries every notifier and succeeds when at least one did.
type Fanout []Notifier

func (f Fanout) Send(ctx context.Context, recipient, text string) error {
	if len(f) == 0 {
		return ErrNoNotifier
	}
	var errs []error
	delivered := false
	for _, n := range f {
		if err := n.Send(ctx, recipient, text); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	return errors.Join(errs...)
}
