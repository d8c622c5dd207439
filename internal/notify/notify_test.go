package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mentorline/internal/config"
	"mentorline/internal/db"
	"mentorline/internal/domain"
	"mentorline/internal/migrate"
	"mentorline/internal/repo"
)

func TestFanoutSucceedsWhenAnySucceeds(t *testing.T) {
	boom := errors.New("boom")
	var got []string
	ok := Func(func(_ context.Context, recipient, text string) error {
		got = append(got, recipient+":"+text)
		return nil
	})
	fail := Func(func(context.Context, string, string) error { return boom })

	if err := (Fanout{fail, ok}).Send(context.Background(), "r", "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(got) != 1 || got[0] != "r:hi" {
		t.Fatalf("delivered = %v", got)
	}
	if err := (Fanout{fail, fail}).Send(context.Background(), "r", "hi"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if err := (Fanout{}).Send(context.Background(), "r", "hi"); !errors.Is(err, ErrNoNotifier) {
		t.Fatalf("err = %v", err)
	}
}

func TestHubDeliversToRecipientOnly(t *testing.T) {
	h := NewHub(nil)
	a := h.Register("a", 1)
	b := h.Register("b", 1)
	if err := h.Send(context.Background(), "a", "morning"); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-a.Outbound():
		if f.Type != FrameNotification || f.Text != "morning" {
			t.Fatalf("frame = %+v", f)
		}
	default:
		t.Fatalf("a got nothing")
	}
	select {
	case f := <-b.Outbound():
		t.Fatalf("b got %+v", f)
	default:
	}
	if err := h.Send(context.Background(), "nobody", "x"); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("err = %v", err)
	}
	h.Unregister(a)
	h.Unregister(a)
	if h.Connected("a") != 0 {
		t.Fatalf("a still connected")
	}
	if _, open := <-a.Outbound(); open {
		t.Fatalf("outbound not closed")
	}
}

func TestHubFullBuffer(t *testing.T) {
	h := NewHub(nil)
	h.Register("a", 1)
	if err := h.Send(context.Background(), "a", "one"); err != nil {
		t.Fatal(err)
	}
	if err := h.Send(context.Background(), "a", "two"); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("err = %v", err)
	}
}

type captured struct {
	mu       sync.Mutex
	headers  []http.Header
	bodies   [][]byte
	failNext bool
}

func (c *captured) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	c.headers = append(c.headers, r.Header.Clone())
	c.bodies = append(c.bodies, body)
	w.WriteHeader(http.StatusNoContent)
}

func TestWebhookSend(t *testing.T) {
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	w := NewWebhook(config.Webhook{URL: srv.URL, Secret: "s3cret", Messages: true})
	w.Now = func() time.Time { return time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC) }
	if err := w.Send(context.Background(), "chat-9", "🌅 Good morning!"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(c.bodies) != 1 {
		t.Fatalf("requests = %d", len(c.bodies))
	}
	h := c.headers[0]
	if h.Get("X-Mentor-Event") != "message" || h.Get("X-Mentor-Secret") != "s3cret" || h.Get("X-Mentor-Delivery") == "" {
		t.Fatalf("headers = %v", h)
	}
	var body messageBody
	if err := json.Unmarshal(c.bodies[0], &body); err != nil {
		t.Fatal(err)
	}
	if body.Recipient != "chat-9" || body.SentAt != "2024-01-01T07:00:00Z" {
		t.Fatalf("body = %+v", body)
	}

	c.failNext = true
	if err := w.Send(context.Background(), "chat-9", "again"); err == nil {
		t.Fatalf("expected error on 503")
	}
}

func TestMessageWebhooksFiltersHooks(t *testing.T) {
	off := false
	hooks := []config.Webhook{
		{URL: "http://a.example", Messages: true},
		{URL: "http://b.example"},
		{URL: "http://c.example", Messages: true, Enabled: &off},
	}
	if got := MessageWebhooks(hooks); len(got) != 1 {
		t.Fatalf("notifiers = %d, want 1", len(got))
	}
}

func TestEventDispatcherResumesAfterFailure(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatal(err)
	}
	r := repo.New(conn)
	insert := func(typ string) {
		t.Helper()
		if err := r.InsertEvent(ctx, domain.Event{TS: "2024-01-01T00:00:00Z", Type: typ, EntityKind: "task", ActorID: "t", Payload: `{"k":1}`}); err != nil {
			t.Fatal(err)
		}
	}
	insert("goal.created") // history before the dispatcher starts is skipped

	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()
	d := NewEventDispatcher(r, []config.Webhook{{URL: srv.URL, Events: []string{"task.status"}}}, nil)
	d.DispatchAll(ctx)

	insert("task.created")
	insert("task.status")
	c.failNext = true
	d.DispatchAll(ctx)
	if len(c.bodies) != 0 {
		t.Fatalf("delivered despite failure: %d", len(c.bodies))
	}
	d.DispatchAll(ctx)
	if len(c.bodies) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(c.bodies))
	}
	var evt webhookEvent
	if err := json.Unmarshal(c.bodies[0], &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != "task.status" || string(evt.Payload) != `{"k":1}` {
		t.Fatalf("event = %+v", evt)
	}
	d.DispatchAll(ctx)
	if len(c.bodies) != 1 {
		t.Fatalf("event delivered twice")
	}
}
