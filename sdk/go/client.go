package mentorsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Mentor HTTP API client. Every call acts on behalf of
// the conversation named by the token subject or ConversationID.
type Client struct {
	BaseURL        string
	BasePath       string
	BearerToken    string
	ConversationID string
	HTTPClient     *http.Client
	Timeout        time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Goal struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

type Task struct {
	ID     int64  `json:"id"`
	GoalID int64  `json:"goal_id"`
	Text   string `json:"text"`
	Status string `json:"status"`
}

type Today struct {
	Day   string `json:"day"`
	Tasks []Task `json:"tasks"`
	Text  string `json:"text"`
}

type StatusResult struct {
	Day     string `json:"day"`
	Applied bool   `json:"applied"`
	Status  string `json:"status,omitempty"`
	Task    *Task  `json:"task,omitempty"`
	Queue   []Task `json:"queue"`
	Message string `json:"message"`
}

type Extraction struct {
	Goal       string   `json:"goal"`
	HasGoal    bool     `json:"has_goal"`
	Tasks      []string `json:"tasks"`
	Proposable bool     `json:"proposable"`
}

type Proposal struct {
	ID    string   `json:"id"`
	Goal  string   `json:"goal"`
	Tasks []string `json:"tasks"`
}

type ChatReply struct {
	ConversationID string    `json:"conversation_id"`
	Route          string    `json:"route"`
	Messages       []string  `json:"messages"`
	Proposal       *Proposal `json:"proposal,omitempty"`
}

type Reminder struct {
	ID        int64  `json:"id"`
	Recipient string `json:"recipient"`
	Offset    string `json:"offset"`
	RemindAt  int64  `json:"remind_at"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Stats struct {
	Goals   int `json:"goals"`
	Pending int `json:"pending"`
	Done    int `json:"done"`
	Stuck   int `json:"stuck"`
	Blocked int `json:"blocked"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Goals(ctx context.Context) ([]Goal, error) {
	var resp struct {
		Items []Goal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "goals", nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateGoal(ctx context.Context, text string) (Goal, error) {
	var resp Goal
	err := c.do(ctx, http.MethodPost, "goals", map[string]any{"text": text}, &resp)
	return resp, err
}

func (c *Client) AddTask(ctx context.Context, goalID int64, text string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("goals/%d/tasks", goalID), map[string]any{"text": text}, &resp)
	return resp, err
}

// DeleteLatestGoal removes the newest goal and its tasks.
func (c *Client) DeleteLatestGoal(ctx context.Context) (Goal, error) {
	var resp Goal
	err := c.do(ctx, http.MethodDelete, "goals/latest", nil, &resp)
	return resp, err
}

// DeleteAllGoals wipes the backlog. The server refuses without confirmation.
func (c *Client) DeleteAllGoals(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "goals?confirm=true", nil, nil)
}

func (c *Client) Today(ctx context.Context) (Today, error) {
	var resp Today
	err := c.do(ctx, http.MethodGet, "today", nil, &resp)
	return resp, err
}

// ApplyStatus marks the head of today's queue done, stuck or blocked.
func (c *Client) ApplyStatus(ctx context.Context, status string) (StatusResult, error) {
	var resp StatusResult
	err := c.do(ctx, http.MethodPost, "today/status", map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) Extract(ctx context.Context, text string) (Extraction, error) {
	var resp Extraction
	err := c.do(ctx, http.MethodPost, "extract", map[string]any{"text": text}, &resp)
	return resp, err
}

// Chat sends one message as the authenticated conversation.
func (c *Client) Chat(ctx context.Context, text string) (ChatReply, error) {
	var resp ChatReply
	err := c.do(ctx, http.MethodPost, "chat", map[string]any{"text": text}, &resp)
	return resp, err
}

func (c *Client) Remind(ctx context.Context, offset string) (Reminder, error) {
	var resp Reminder
	err := c.do(ctx, http.MethodPost, "reminders", map[string]any{"offset": offset}, &resp)
	return resp, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns events after cursor, oldest first. An empty cursor
// returns the newest page instead.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DevLogin mints a token on servers started with dev_login enabled and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, conversationID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"conversation_id": conversationID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ConversationID != "":
		req.Header.Set("X-Conversation-Id", c.ConversationID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
