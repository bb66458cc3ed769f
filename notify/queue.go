// Package notify holds per-client mailboxes of transient notifications,
// consumed by polling or pushed on arrival.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kinds of notification.
const (
	KindToolApproval = "tool-approval"
	KindTaskComplete = "task-complete"
	KindError        = "error"
	KindStatusChange = "status-change"
)

// maxPerClient caps each mailbox; oldest entries are dropped first.
const maxPerClient = 100

// Notification is one mailbox entry. Owned by exactly one client.
type Notification struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId,omitempty"`
	Kind      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Timestamp time.Time      `json:"timestamp"`
	Read      bool           `json:"read"`
	Data      map[string]any `json:"data,omitempty"`
}

// Queue manages mailboxes for currently connected clients.
type Queue struct {
	mu        sync.Mutex
	mailboxes map[string][]*Notification
	listener  func(clientID string, n Notification)
}

// SetListener installs a callback invoked after each stored notification,
// outside the queue lock. Used to push entries to connected clients.
func (q *Queue) SetListener(fn func(clientID string, n Notification)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listener = fn
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{mailboxes: make(map[string][]*Notification)}
}

// Register creates an empty mailbox for a client. Registering an existing
// client is a no-op; the mailbox survives.
func (q *Queue) Register(clientID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.mailboxes[clientID]; !ok {
		q.mailboxes[clientID] = nil
	}
}

// Unregister drops a client's mailbox.
func (q *Queue) Unregister(clientID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.mailboxes, clientID)
}

// Add appends a notification to one client's mailbox, stamping id,
// timestamp and the unread flag. Returns the stored copy. Adding to an
// unregistered client is dropped silently.
func (q *Queue) Add(clientID string, n Notification) *Notification {
	q.mu.Lock()
	if _, ok := q.mailboxes[clientID]; !ok {
		q.mu.Unlock()
		return nil
	}
	stored := q.appendLocked(clientID, n)
	listener := q.listener
	q.mu.Unlock()

	if listener != nil {
		listener(clientID, *stored)
	}
	return stored
}

// Broadcast appends a copy of the notification to every registered mailbox
// except the named one. Pass an empty exclusion to reach everyone.
func (q *Queue) Broadcast(exceptClientID string, n Notification) {
	q.mu.Lock()
	var delivered []struct {
		clientID string
		n        Notification
	}
	for clientID := range q.mailboxes {
		if clientID == exceptClientID {
			continue
		}
		stored := q.appendLocked(clientID, n)
		delivered = append(delivered, struct {
			clientID string
			n        Notification
		}{clientID, *stored})
	}
	listener := q.listener
	q.mu.Unlock()

	if listener != nil {
		for _, d := range delivered {
			listener(d.clientID, d.n)
		}
	}
}

func (q *Queue) appendLocked(clientID string, n Notification) *Notification {
	stored := n
	stored.ID = uuid.NewString()
	stored.Timestamp = time.Now()
	stored.Read = false

	box := append(q.mailboxes[clientID], &stored)
	if len(box) > maxPerClient {
		box = box[len(box)-maxPerClient:]
	}
	q.mailboxes[clientID] = box
	return &stored
}

// Unread returns the unread entries of a mailbox in insertion order,
// without removing them.
func (q *Queue) Unread(clientID string) []*Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	var unread []*Notification
	for _, n := range q.mailboxes[clientID] {
		if !n.Read {
			copied := *n
			unread = append(unread, &copied)
		}
	}
	return unread
}

// MarkRead flips the read flag for the given notification ids only.
func (q *Queue) MarkRead(clientID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range q.mailboxes[clientID] {
		if wanted[n.ID] {
			n.Read = true
		}
	}
}

// Clients returns the ids of all registered mailboxes.
func (q *Queue) Clients() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.mailboxes))
	for id := range q.mailboxes {
		ids = append(ids, id)
	}
	return ids
}
