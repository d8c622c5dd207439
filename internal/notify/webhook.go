package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mentorline/internal/config"
	"mentorline/internal/domain"
	"mentorline/internal/store"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type delivery struct {
	url     string
	secret  string
	event   string
	id      string
	timeout time.Duration
}

func post(ctx context.Context, client *http.Client, d delivery, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if d.timeout <= 0 {
		d.timeout = defaultWebhookTimeout
	}
	if client == nil || client.Timeout != d.timeout {
		client = &http.Client{Timeout: d.timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mentor-Event", d.event)
	req.Header.Set("X-Mentor-Delivery", d.id)
	if strings.TrimSpace(d.secret) != "" {
		req.Header.Set("X-Mentor-Secret", d.secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// Webhook delivers messages as JSON POSTs.
type Webhook struct {
	Hook   config.Webhook
	Client *http.Client
	Now    func() time.Time
}

func NewWebhook(hook config.Webhook) *Webhook {
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{Hook: hook, Client: &http.Client{Timeout: timeout}, Now: time.Now}
}

type messageBody struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	SentAt    string `json:"sent_at"`
}

func (w *Webhook) Send(ctx context.Context, recipient, text string) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	err := post(ctx, w.Client, delivery{
		url:     w.Hook.URL,
		secret:  w.Hook.Secret,
		event:   "message",
		id:      uuid.NewString(),
		timeout: w.Hook.Timeout,
	}, messageBody{Recipient: recipient, Text: text, SentAt: now().UTC().Format(time.RFC3339)})
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.Hook.URL, err)
	}
	return nil
}

// MessageWebhooks returns a notifier for every active hook that opted into messages.
func MessageWebhooks(hooks []config.Webhook) []Notifier {
	var out []Notifier
	for _, h := range hooks {
		if h.Active() && h.Messages && strings.TrimSpace(h.URL) != "" {
			out = append(out, NewWebhook(h))
		}
	}
	return out
}

// EventDispatcher streams the activity log to webhooks, remembering a cursor
// per hook. Delivery stops at the first failure and resumes from the same
// event on the next pass.
type EventDispatcher struct {
	Store    store.Queries
	Hooks    []config.Webhook
	Interval time.Duration
	Logger   *slog.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func NewEventDispatcher(q store.Queries, hooks []config.Webhook, logger *slog.Logger) *EventDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventDispatcher{
		Store:    q,
		Hooks:    hooks,
		Interval: defaultWebhookInterval,
		Logger:   logger,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *EventDispatcher) Run(ctx context.Context) {
	if len(d.Hooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *EventDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Hooks {
		if !hook.Active() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *EventDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.Store.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.Logger.Error("webhook: fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.Logger.Warn("webhook: delivery failed", "url", hook.URL, "event", evt.ID, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts new hooks at the current head so history is not replayed.
func (d *EventDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Store.LatestEventID(ctx)
	if err != nil {
		d.Logger.Error("webhook: init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *EventDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *EventDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	return post(ctx, d.client, delivery{
		url:     hook.URL,
		secret:  hook.Secret,
		event:   evt.Type,
		id:      fmt.Sprintf("%d", evt.ID),
		timeout: hook.Timeout,
	}, webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
