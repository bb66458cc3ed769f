package ws

import (
	"context"
	"sync"

	"github.com/claudedeck/claudedeck/agent"
	"github.com/claudedeck/claudedeck/log"
	"github.com/claudedeck/claudedeck/notify"
	"github.com/claudedeck/claudedeck/session"
)

// Hub tracks connected clients, per-session viewer counts, and fan-out of
// shared events (session list updates, notifications).
type Hub struct {
	registry *session.Registry
	queue    *notify.Queue
	runner   agent.Runner

	mu      sync.Mutex
	conns   map[string]*Conn
	viewers map[string]map[string]bool
}

// NewHub creates a hub and hooks it into the notification queue so stored
// notifications are also pushed to their connected owner.
func NewHub(registry *session.Registry, queue *notify.Queue, runner agent.Runner) *Hub {
	h := &Hub{
		registry: registry,
		queue:    queue,
		runner:   runner,
		conns:    make(map[string]*Conn),
		viewers:  make(map[string]map[string]bool),
	}
	queue.SetListener(h.pushNotification)
	return h
}

// Run fans a session-list refresh out to every client whenever the
// projects directory changes.
func (h *Hub) Run(ctx context.Context, changed <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			h.BroadcastSessions()
		}
	}
}

// BroadcastSessions pushes the current merged session list to all clients.
func (h *Hub) BroadcastSessions() {
	sessions := h.registry.All()
	h.broadcast("sessions:update", map[string]any{"sessions": sessions})
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	count := len(h.conns)
	h.mu.Unlock()
	log.Info().Str("client_id", c.id).Int("clients", count).Msg("client connected")
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	var emptied []string
	for sessionID, members := range h.viewers {
		if members[c.id] {
			delete(members, c.id)
			emptied = append(emptied, sessionID)
		}
	}
	count := len(h.conns)
	h.mu.Unlock()

	for _, sessionID := range emptied {
		h.emitViewerCount(sessionID)
	}
	log.Info().Str("client_id", c.id).Int("clients", count).Msg("client disconnected")
}

// Join subscribes a connection to a session's viewer group, leaving any
// session it was viewing before.
func (h *Hub) Join(c *Conn, sessionID string) {
	h.mu.Lock()
	previous := c.viewing
	if previous != "" && h.viewers[previous] != nil {
		delete(h.viewers[previous], c.id)
	}
	if h.viewers[sessionID] == nil {
		h.viewers[sessionID] = make(map[string]bool)
	}
	h.viewers[sessionID][c.id] = true
	c.viewing = sessionID
	h.mu.Unlock()

	if previous != "" && previous != sessionID {
		h.emitViewerCount(previous)
	}
	h.emitViewerCount(sessionID)
}

// Leave unsubscribes a connection from a session's viewer group.
func (h *Hub) Leave(c *Conn, sessionID string) {
	h.mu.Lock()
	if h.viewers[sessionID] != nil {
		delete(h.viewers[sessionID], c.id)
	}
	if c.viewing == sessionID {
		c.viewing = ""
	}
	h.mu.Unlock()

	h.emitViewerCount(sessionID)
}

// ViewerCount returns how many connections are viewing a session.
func (h *Hub) ViewerCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers[sessionID])
}

func (h *Hub) emitViewerCount(sessionID string) {
	h.mu.Lock()
	count := len(h.viewers[sessionID])
	members := make([]*Conn, 0, count)
	for id := range h.viewers[sessionID] {
		if c, ok := h.conns[id]; ok {
			members = append(members, c)
		}
	}
	h.mu.Unlock()

	for _, c := range members {
		c.Emit("viewers:update", map[string]any{
			"sessionId": sessionID,
			"count":     count,
		})
	}
}

func (h *Hub) broadcast(event string, payload any) {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.Emit(event, payload)
	}
}

func (h *Hub) pushNotification(clientID string, n notify.Notification) {
	h.mu.Lock()
	c, ok := h.conns[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	c.Emit("notification:new", n)
}
