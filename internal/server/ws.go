package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"mentorline/internal/chat"
	"mentorline/internal/notify"
)

const (
	socketReadLimit    = 64 << 10
	socketReadTimeout  = 120 * time.Second
	socketWriteTimeout = 10 * time.Second
	socketPingInterval = 45 * time.Second
	socketBuffer       = 64
)

// inboundFrame is a client chat message. Plain text frames are accepted too.
type inboundFrame struct {
	Text string `json:"text"`
}

type socketHandler struct {
	orchestrator *chat.Orchestrator
	hub          *notify.Hub
	logger       *slog.Logger
	upgrader     websocket.Upgrader
}

func newSocketHandler(cfg Config) *socketHandler {
	hub := cfg.Hub
	if hub == nil {
		hub = notify.NewHub(cfg.Metrics)
	}
	return &socketHandler{
		orchestrator: cfg.Orchestrator,
		hub:          hub,
		logger:       cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func registerSocket(r chi.Router, basePath string, h *socketHandler) {
	r.Get(path.Join("/", basePath, "ws"), h.serve)
}

func (h *socketHandler) serve(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok || p.ConversationID == "" {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conv := p.ConversationID
	client := h.hub.Register(conv, socketBuffer)
	h.logger.Info("chat socket connected", "conversation", conv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(socketPingInterval)
		defer ping.Stop()
		for {
			select {
			case f, ok := <-client.Outbound():
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
				if err := conn.WriteJSON(f); err != nil {
					h.logger.Warn("chat socket write failed", "conversation", conv, "err", err)
					cancel()
					conn.Close()
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(socketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		text := parseInbound(data)
		if strings.TrimSpace(text) == "" {
			client.Push(notify.Frame{Type: notify.FrameError, Text: "empty message"})
			continue
		}
		reply, err := h.orchestrator.Handle(ctx, conv, text)
		if err != nil {
			client.Push(notify.Frame{Type: notify.FrameError, Text: "internal error"})
			continue
		}
		for _, msg := range reply.Messages {
			if !client.Push(notify.Frame{Type: notify.FrameReply, Text: msg, Route: reply.Route}) {
				h.logger.Warn("chat socket buffer full, dropping reply", "conversation", conv)
			}
		}
	}

	h.hub.Unregister(client)
	<-writerDone
	h.logger.Info("chat socket disconnected", "conversation", conv)
}

func parseInbound(data []byte) string {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err == nil {
			return f.Text
		}
	}
	return trimmed
}
