// Package loghub fans log lines out to management clients: a bounded ring
// buffer serves tail requests, and connected websocket clients receive
// every line live. The hub plugs into slog as a handler so components only
// ever see a *slog.Logger.
package loghub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultCapacity is the ring buffer size used by New when zero is given.
const DefaultCapacity = 500

// Hub buffers recent log lines and broadcasts new ones to websocket
// clients.
type Hub struct {
	mu      sync.Mutex
	ring    []string
	next    int
	filled  bool
	clients map[*websocket.Conn]bool

	upgrader websocket.Upgrader
}

// New creates a Hub with the given ring capacity.
func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		ring:    make([]string, capacity),
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Append stores a line in the ring and broadcasts it to connected clients.
// Clients whose write fails are dropped.
func (h *Hub) Append(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = line
	h.next++
	if h.next == len(h.ring) {
		h.next = 0
		h.filled = true
	}

	for c := range h.clients {
		if err := c.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			c.Close()
			delete(h.clients, c)
		}
	}
}

// Tail returns up to n of the most recent lines, oldest first. n <= 0
// returns everything buffered.
func (h *Hub) Tail(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var lines []string
	if h.filled {
		lines = append(lines, h.ring[h.next:]...)
	}
	lines = append(lines, h.ring[:h.next]...)

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

// ServeWS upgrades the request to a websocket and registers the client for
// live log delivery. The buffered tail is replayed on connect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	var replay []string
	if h.filled {
		replay = append(replay, h.ring[h.next:]...)
	}
	replay = append(replay, h.ring[:h.next]...)
	for _, line := range replay {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			conn.Close()
			h.mu.Unlock()
			return
		}
	}
	h.clients[conn] = true
	h.mu.Unlock()

	// Drain (and discard) client frames so pings and closes are handled.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				if h.clients[conn] {
					conn.Close()
					delete(h.clients, conn)
				}
				h.mu.Unlock()
				return
			}
		}
	}()
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Handler is an slog.Handler that renders records to single lines and
// feeds them to the hub, in addition to delegating to an inner handler.
type Handler struct {
	inner slog.Handler
	hub   *Hub
	attrs []slog.Attr
	group string
}

// NewHandler wraps inner so every record also lands in the hub.
func NewHandler(inner slog.Handler, hub *Hub) *Handler {
	return &Handler{inner: inner, hub: hub}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s",
		rec.Time.Format(time.TimeOnly), rec.Level.String(), rec.Message)
	for _, attr := range h.attrs {
		writeAttr(&b, h.group, attr)
	}
	rec.Attrs(func(attr slog.Attr) bool {
		writeAttr(&b, h.group, attr)
		return true
	})
	h.hub.Append(b.String())

	return h.inner.Handle(ctx, rec)
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		inner: h.inner.WithAttrs(attrs),
		hub:   h.hub,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
		group: h.group,
	}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	prefix := name
	if h.group != "" {
		prefix = h.group + "." + name
	}
	return &Handler{
		inner: h.inner.WithGroup(name),
		hub:   h.hub,
		attrs: h.attrs,
		group: prefix,
	}
}

func writeAttr(b *strings.Builder, group string, attr slog.Attr) {
	key := attr.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, attr.Value.Any())
}
