package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mentorline/internal/app"
	"mentorline/internal/chat"
	"mentorline/internal/config"
	"mentorline/internal/domain"
	"mentorline/internal/engine"
	"mentorline/internal/notify"
	"mentorline/internal/observability"
	mentorsdk "mentorline/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Hub    *notify.Hub
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, devLogin bool) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	st, err := app.OpenStore(context.Background(), cfg, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	metrics := observability.NewMetrics("mentor_test")
	e := engine.New(st, cfg)
	e.Metrics = metrics
	hub := notify.NewHub(metrics)
	orch := chat.New(e, chat.NewSessions(cfg.SessionTTL))
	handler, err := New(Config{
		Engine:       e,
		Orchestrator: orch,
		Hub:          hub,
		Metrics:      metrics,
		BasePath:     "/v0",
		Auth: AuthConfig{
			JWTSecret:         testSecret,
			AllowLegacyHeader: true,
			DevLogin:          devLogin,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Hub:    hub,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			st.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(t *testing.T, conv string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, conv, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/goals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if decodeError(t, data).Code != "unauthorized" {
		t.Fatalf("unexpected error body: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/goals", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Code != "invalid_credentials" {
		t.Fatalf("bad token: %d %s", res.StatusCode, string(data))
	}

	other, err := SignToken("other-secret", "chat-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/goals", nil, map[string]string{"Authorization": "Bearer " + other})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("foreign token accepted: %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/goals", nil, map[string]string{legacyHeader: "chat-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy header rejected: %d %s", res.StatusCode, string(data))
	}
}

func TestGoalTaskAndStatusFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	h := bearer(t, "chat-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/goals", map[string]any{"text": "Learn Go"}, h)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create goal %d: %s", res.StatusCode, string(data))
	}
	var goal domain.Goal
	if err := json.Unmarshal(data, &goal); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"tour", "effective go"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/goals/"+strconv.FormatInt(goal.ID, 10)+"/tasks", map[string]any{"text": text}, h)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("add task %d: %s", res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/goals/999/tasks", map[string]any{"text": "x"}, h)
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Code != "not_found" {
		t.Fatalf("unknown goal: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/today", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("today %d: %s", res.StatusCode, string(data))
	}
	var today TodayResponse
	if err := json.Unmarshal(data, &today); err != nil {
		t.Fatal(err)
	}
	if len(today.Tasks) != 2 || today.Tasks[0].Text != "tour" {
		t.Fatalf("today = %+v", today)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/today/status", map[string]any{"status": "done"}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var st StatusResponse
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatal(err)
	}
	if !st.Applied || st.Task == nil || st.Task.Text != "tour" || len(st.Queue) != 1 {
		t.Fatalf("status response = %+v", st)
	}
	if st.Message != "✅ Task marked as done" {
		t.Fatalf("message = %q", st.Message)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/today/status", map[string]any{"status": "pending"}, h)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("pending status accepted: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats %d: %s", res.StatusCode, string(data))
	}
	var stats StatsResponse
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Goals != 1 || stats.Done != 1 || stats.Pending != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestDeleteGoals(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	h := bearer(t, "chat-1")

	res, data := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/goals/latest", nil, h)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("delete latest on empty: %d %s", res.StatusCode, string(data))
	}
	for _, text := range []string{"one", "two"} {
		doJSON(t, client, http.MethodPost, srv.URL+"/v0/goals", map[string]any{"text": text}, h)
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/goals/latest", nil, h)
	var deleted domain.Goal
	if err := json.Unmarshal(data, &deleted); err != nil || res.StatusCode != http.StatusOK || deleted.Text != "two" {
		t.Fatalf("delete latest: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/goals", nil, h)
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Code != "confirmation_required" {
		t.Fatalf("delete all without confirm: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/goals?confirm=true", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete all: %d %s", res.StatusCode, string(data))
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/goals", nil, h)
	var list GoalList
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 0 {
		t.Fatalf("goals left: %+v", list.Items)
	}
}

func TestExtractPreviewDoesNotSave(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	h := bearer(t, "chat-1")

	plan := "Goal: Run a marathon\n1. Buy shoes\n2. Run 5k"
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/extract", map[string]any{"text": plan}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("extract %d: %s", res.StatusCode, string(data))
	}
	var out ExtractResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Proposable || len(out.Tasks) != 2 {
		t.Fatalf("extract = %+v", out)
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/goals", nil, h)
	var list GoalList
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 0 {
		t.Fatalf("extract saved goals: %+v", list.Items)
	}
}

func TestChatProposalIsPerConversation(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	alice := bearer(t, "alice")
	bob := bearer(t, "bob")

	plan := "Goal: Run a marathon\n1. Buy shoes\n2. Run 5k"
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/chat", map[string]any{"text": plan}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chat %d: %s", res.StatusCode, string(data))
	}
	var r ChatResponse
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatal(err)
	}
	if r.Route != chat.RouteExtract || r.Proposal == nil || r.ConversationID != "alice" {
		t.Fatalf("chat reply = %+v", r)
	}

	// bob's yes has no proposal to confirm
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/chat", map[string]any{"text": "yes"}, bob)
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatal(err)
	}
	if r.Route == chat.RouteProposal {
		t.Fatalf("bob confirmed alice's proposal")
	}

	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/chat", map[string]any{"text": "yes"}, alice)
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatal(err)
	}
	if r.Route != chat.RouteProposal || len(r.Messages) != 2 || r.Messages[0] != "✅ Goal & tasks saved" {
		t.Fatalf("confirm reply = %+v", r)
	}
}

func TestRemindersAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	h := bearer(t, "chat-7")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/reminders", map[string]any{"offset": "1h"}, h)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("reminder %d: %s", res.StatusCode, string(data))
	}
	var rem domain.Reminder
	if err := json.Unmarshal(data, &rem); err != nil {
		t.Fatal(err)
	}
	if rem.Recipient != "chat-7" || rem.Offset != "1h" {
		t.Fatalf("reminder = %+v", rem)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reminders", map[string]any{"offset": "2h"}, h)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad offset accepted: %d", res.StatusCode)
	}

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/goals", map[string]any{"text": "Learn Go"}, h)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=1", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, string(data))
	}
	var latest EventList
	if err := json.Unmarshal(data, &latest); err != nil {
		t.Fatal(err)
	}
	if len(latest.Items) != 1 || latest.Items[0].Type != "goal.created" {
		t.Fatalf("latest events = %+v", latest.Items)
	}

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=0&limit=1", nil, h)
	var page EventList
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].Type != "reminder.created" || page.NextCursor == "" {
		t.Fatalf("first page = %+v", page)
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=1&cursor="+page.NextCursor, nil, h)
	var last EventList
	if err := json.Unmarshal(data, &last); err != nil {
		t.Fatal(err)
	}
	if len(last.Items) != 1 || last.Items[0].Type != "goal.created" || last.NextCursor != "" {
		t.Fatalf("second page = %+v", last)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, h)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cursor: %d %s", res.StatusCode, string(data))
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	h := bearer(t, "chat-big")
	text := strings.Repeat("a", maxRequestBody+1024)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/goals", map[string]any{"text": text}, h)
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %.200s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "request_too_large" {
		t.Fatalf("code = %q", code)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/goals", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list goals %d: %s", res.StatusCode, string(data))
	}
	var goals GoalList
	if err := json.Unmarshal(data, &goals); err != nil {
		t.Fatal(err)
	}
	if len(goals.Items) != 0 {
		t.Fatalf("oversized goal was stored: %d items", len(goals.Items))
	}
}

func TestDevLogin(t *testing.T) {
	srv, cleanup := newTestServer(t, true)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"conversation_id": "chat-3"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login %d: %s", res.StatusCode, string(data))
	}
	var tok DevLoginResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		t.Fatal(err)
	}
	p, err := authenticateJWT(tok.Token, testSecret)
	if err != nil || p.ConversationID != "chat-3" {
		t.Fatalf("minted token: %+v %v", p, err)
	}

	disabled, cleanup2 := newTestServer(t, false)
	defer cleanup2()
	res, _ = doJSON(t, client, http.MethodPost, disabled.URL+"/v0/auth/dev/login", map[string]any{"conversation_id": "chat-3"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dev login reachable when disabled: %d", res.StatusCode)
	}
}

func TestOpenAPIAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi %d", res.StatusCode)
	}
	var oas map[string]any
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	paths, _ := oas["paths"].(map[string]any)
	for _, p := range []string{"/v0/goals", "/v0/today/status", "/v0/chat", "/v0/events"} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("openapi missing %s", p)
		}
	}

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/chat", map[string]any{"text": "/help"}, bearer(t, "chat-1"))
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "mentor_test_chat_messages_total") {
		t.Fatalf("metrics %d missing chat counter", res.StatusCode)
	}
}

func TestWebSocketChat(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	token, err := SignToken(testSecret, "ws-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/ws?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() notify.Frame {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f notify.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		return f
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("/tasks")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := read()
	if f.Type != notify.FrameReply || f.Route != chat.RouteCommand || f.Text != "🎉 No tasks today." {
		t.Fatalf("reply frame = %+v", f)
	}

	if err := conn.WriteJSON(map[string]string{"text": "/goals"}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if f := read(); f.Text != "No goals found." {
		t.Fatalf("goals frame = %+v", f)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub.Connected("ws-1") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := srv.Hub.Send(context.Background(), "ws-1", "🌅 Good morning!"); err != nil {
		t.Fatalf("hub send: %v", err)
	}
	if f := read(); f.Type != notify.FrameNotification || f.Text != "🌅 Good morning!" {
		t.Fatalf("notification frame = %+v", f)
	}
}

func TestWebSocketRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/ws"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v", res)
	}
}

func TestSDKAgainstServer(t *testing.T) {
	srv, cleanup := newTestServer(t, true)
	defer cleanup()
	ctx := context.Background()
	c := mentorsdk.New(srv.URL, "")
	if _, err := c.DevLogin(ctx, "sdk-1"); err != nil {
		t.Fatalf("dev login: %v", err)
	}
	goal, err := c.CreateGoal(ctx, "Write a CLI")
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	if _, err := c.AddTask(ctx, goal.ID, "sketch commands"); err != nil {
		t.Fatalf("add task: %v", err)
	}
	today, err := c.Today(ctx)
	if err != nil || len(today.Tasks) != 1 {
		t.Fatalf("today = %+v, %v", today, err)
	}
	res, err := c.ApplyStatus(ctx, "stuck")
	if err != nil || !res.Applied || res.Status != "stuck" {
		t.Fatalf("apply status = %+v, %v", res, err)
	}
	reply, err := c.Chat(ctx, "done")
	if err != nil || reply.Messages[0] != "🎉 No tasks left today." {
		t.Fatalf("chat = %+v, %v", reply, err)
	}
	_, err = c.AddTask(ctx, 404, "nope")
	var apiErr *mentorsdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("add task to missing goal: %v", err)
	}
}
