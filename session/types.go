package session

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Info is the merged durable+live view of one agent conversation.
//
// IsActive and PID are derived from the process scan at read time and are
// never trusted from a stale log.
type Info struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ProjectPath    string    `json:"projectPath"`
	StartTime      time.Time `json:"startTime"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`
	IsActive       bool      `json:"isActive"`
	PID            int       `json:"pid,omitempty"`
	MessageCount   int       `json:"messageCount"`
	ToolCalls      int       `json:"toolCalls"`
	CurrentBranch  string    `json:"currentBranch,omitempty"`
}

// Message is one reconstructed conversation message.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"` // "user", "assistant" or "system"
	Content   string    `json:"content"`
	ToolUses  []string  `json:"toolUses,omitempty"` // names of embedded tool-use requests
}

// History is the ordered replay of one session's log. It is recomputed from
// disk on every request; there is no caching layer to go stale.
type History struct {
	SessionID      string    `json:"sessionId"`
	Messages       []Message `json:"messages"`
	ProjectPath    string    `json:"projectPath"`
	StartTime      time.Time `json:"startTime"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`
}

// Metadata is the optional session.json record inside a session directory.
// Free-form: any field may be missing.
type Metadata struct {
	SessionID   string `json:"sessionId"`
	ProjectPath string `json:"projectPath"`
	StartTime   string `json:"startTime"`
	PID         int    `json:"pid"`
}

// Update is a partial session update. Nil fields are left untouched.
// MessageCount and ToolCalls are deltas: they are added to the existing
// counters, not assigned.
type Update struct {
	Name          *string
	ProjectPath   *string
	IsActive      *bool
	PID           *int
	MessageCount  *int
	ToolCalls     *int
	CurrentBranch *string
}
