package notify

import (
	"context"
	"sync"

	"mentorline/internal/observability"
)

// Frame types pushed to chat connections.
const (
	FrameReply        = "reply"
	FrameNotification = "notification"
	FrameError        = "error"
)

// Frame is one server-to-client chat message.
type Frame struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Route string `json:"route,omitempty"`
}

// Client is one live connection of a recipient. The transport drains
// Outbound and writes each frame to the wire.
type Client struct {
	recipient string
	out       chan Frame
	once      sync.Once
}

func (c *Client) Recipient() string { return c.recipient }

func (c *Client) Outbound() <-chan Frame { return c.out }

// Push queues f without blocking and reports false when the buffer is full.
func (c *Client) Push(f Frame) bool {
	select {
	case c.out <- f:
		return true
	default:
		return false
	}
}

// Hub tracks live chat connections per recipient.
type Hub struct {
	Metrics *observability.Metrics

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub(metrics *observability.Metrics) *Hub {
	return &Hub{Metrics: metrics, clients: make(map[string]map[*Client]struct{})}
}

func (h *Hub) Register(recipient string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 32
	}
	c := &Client{recipient: recipient, out: make(chan Frame, buffer)}
	h.mu.Lock()
	if h.clients == nil {
		h.clients = make(map[string]map[*Client]struct{})
	}
	set, ok := h.clients[recipient]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[recipient] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	h.Metrics.SocketOpened()
	return c
}

// Unregister removes c and closes its outbound channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	c.once.Do(func() {
		h.mu.Lock()
		if set, ok := h.clients[c.recipient]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, c.recipient)
			}
		}
		h.mu.Unlock()
		close(c.out)
		h.Metrics.SocketClosed()
	})
}

func (h *Hub) Connected(recipient string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[recipient])
}

// Send pushes text to every live connection of recipient.
func (h *Hub) Send(_ context.Context, recipient, text string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.clients[recipient]
	if len(set) == 0 {
		return ErrNoConnection
	}
	delivered := false
	for c := range set {
		if c.Push(Frame{Type: FrameNotification, Text: text}) {
			delivered = true
		}
	}
	if !delivered {
		return ErrNoConnection
	}
	return nil
}
