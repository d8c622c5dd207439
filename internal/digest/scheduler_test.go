package digest_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mentorline/internal/config"
	"mentorline/internal/db"
	"mentorline/internal/digest"
	"mentorline/internal/engine"
	"mentorline/internal/migrate"
	"mentorline/internal/repo"
)

type fakeNotifier struct {
	mu   sync.Mutex
	fail map[string]bool
	sent map[string][]string
}

func (f *fakeNotifier) Send(_ context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[recipient] {
		return errors.New("unreachable")
	}
	if f.sent == nil {
		f.sent = map[string][]string{}
	}
	f.sent[recipient] = append(f.sent[recipient], text)
	return nil
}

type testEnv struct {
	eng      engine.Engine
	sched    *digest.Scheduler
	notifier *fakeNotifier
	ctx      context.Context
	now      *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Digest.Hour, cfg.Digest.Minute, cfg.Digest.Window = 7, 0, 10*time.Minute
	now := time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC)
	eng := engine.New(repo.New(conn), cfg)
	eng.Now = func() time.Time { return now }
	n := &fakeNotifier{fail: map[string]bool{}}
	return testEnv{eng: eng, sched: digest.New(eng, n), notifier: n, ctx: ctx, now: &now}
}

func TestInWindow(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]bool{
		"06:59:59": false,
		"07:00:00": true,
		"07:09:59": true,
		"07:10:00": false,
	}
	for clock, want := range cases {
		ts, _ := time.Parse("2006-01-02 15:04:05", "2024-02-01 "+clock)
		if got := env.sched.InWindow(ts); got != want {
			t.Errorf("InWindow(%s) = %v, want %v", clock, got, want)
		}
	}
}

func TestDigestAtMostOncePerDay(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.eng.SaveProposal(env.ctx, "G", []string{"a", "b"}, "x"); err != nil {
		t.Fatal(err)
	}
	// registering any reminder enrolls the recipient
	if _, err := env.eng.RegisterReminder(env.ctx, "alice", "tomorrow"); err != nil {
		t.Fatal(err)
	}

	rep, err := env.sched.Tick(env.ctx, time.Date(2024, 2, 1, 6, 59, 0, 0, time.UTC))
	if err != nil || rep.InWindow || rep.Sent != 0 {
		t.Fatalf("before window: %+v, %v", rep, err)
	}
	for _, minute := range []int{0, 1, 5} {
		if _, err := env.sched.Tick(env.ctx, time.Date(2024, 2, 1, 7, minute, 0, 0, time.UTC)); err != nil {
			t.Fatal(err)
		}
	}
	msgs := env.notifier.sent["alice"]
	if len(msgs) != 1 {
		t.Fatalf("alice got %d digests, want 1", len(msgs))
	}
	if msgs[0] != "🌅 Good morning!\n📌 Today’s Tasks:\n1. a\n2. b" {
		t.Fatalf("digest = %q", msgs[0])
	}

	if _, err := env.sched.Tick(env.ctx, time.Date(2024, 2, 2, 7, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	// next day brings a new digest and the "tomorrow" reminder, due at digest time
	if len(env.notifier.sent["alice"]) != 3 {
		t.Fatalf("alice messages = %v", env.notifier.sent["alice"])
	}
}

func TestDigestFailureIsIsolatedAndNotRetried(t *testing.T) {
	env := newTestEnv(t)
	for _, rcpt := range []string{"bob", "carol"} {
		if _, err := env.eng.RegisterReminder(env.ctx, rcpt, "tomorrow"); err != nil {
			t.Fatal(err)
		}
	}
	env.notifier.fail["bob"] = true
	rep, err := env.sched.Tick(env.ctx, time.Date(2024, 2, 1, 7, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sent != 1 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := env.notifier.sent["carol"]; len(got) != 1 || got[0] != "🌅 Good morning!\n🎉 No tasks today." {
		t.Fatalf("carol = %v", got)
	}

	env.notifier.fail["bob"] = false
	rep, _ = env.sched.Tick(env.ctx, time.Date(2024, 2, 1, 7, 1, 0, 0, time.UTC))
	if rep.Sent != 0 || rep.Skipped != 2 {
		t.Fatalf("second tick report = %+v", rep)
	}
	if len(env.notifier.sent["bob"]) != 0 {
		t.Fatalf("failed digest was retried")
	}
	evs, _ := env.eng.RecentEvents(env.ctx, 10)
	failed := 0
	for _, e := range evs {
		if e.Type == "digest.failed" {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("digest.failed events = %d", failed)
	}
}

func TestRemindersFireOnce(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.eng.RegisterReminder(env.ctx, "dave", "30m"); err != nil {
		t.Fatal(err)
	}
	rep, _ := env.sched.Tick(env.ctx, env.now.Add(29*time.Minute))
	if rep.Reminders != 0 {
		t.Fatalf("fired early: %+v", rep)
	}
	rep, _ = env.sched.Tick(env.ctx, env.now.Add(31*time.Minute))
	if rep.Reminders != 1 {
		t.Fatalf("report = %+v", rep)
	}
	rep, _ = env.sched.Tick(env.ctx, env.now.Add(32*time.Minute))
	if rep.Reminders != 0 {
		t.Fatalf("fired twice: %+v", rep)
	}
	got := env.notifier.sent["dave"]
	if len(got) != 1 || !strings.HasPrefix(got[0], "⏰ Reminder!") {
		t.Fatalf("dave = %v", got)
	}
}

func TestDisabledDigestStillFiresReminders(t *testing.T) {
	env := newTestEnv(t)
	env.sched.Config.Enabled = false
	if _, err := env.eng.RegisterReminder(env.ctx, "erin", "1h"); err != nil {
		t.Fatal(err)
	}
	rep, err := env.sched.Tick(env.ctx, time.Date(2024, 2, 1, 7, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Reminders != 1 || len(env.notifier.sent["erin"]) != 1 {
		t.Fatalf("report = %+v sent = %v", rep, env.notifier.sent)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.sched.Config.PollInterval = time.Millisecond
	ctx, cancel := context.WithCancel(env.ctx)
	done := make(chan error, 1)
	go func() { done <- env.sched.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
