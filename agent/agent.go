// Package agent drives the external conversational agent as an opaque
// turn-producing service. A turn is requested with a prompt and options and
// consumed as an ordered stream of typed messages.
package agent

import (
	"context"
	"encoding/json"
)

// Message is one streamed event from an agent turn. The payload shape
// depends on Type: user/assistant carry Message, result carries the usage
// and cost fields, system carries Subtype metadata.
type Message struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Usage      json.RawMessage `json:"usage,omitempty"`
	TotalCost  float64         `json:"total_cost_usd,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// Options configure one turn.
type Options struct {
	// SessionID resumes an existing session when set.
	SessionID string
	// WorkingDir is the directory the agent runs in.
	WorkingDir string
	// PermissionMode is passed through to the agent ("default", "bypass", ...).
	PermissionMode string
	// AllowedTools are auto-approved without prompting.
	AllowedTools []string
}

// Runner starts agent turns.
type Runner interface {
	Run(ctx context.Context, prompt string, opts Options) (TurnStream, error)
}

// TurnStream is one in-flight turn as consumed by callers.
type TurnStream interface {
	// Events returns the ordered turn events; closed when the turn ends.
	Events() <-chan Message
	// Err reports how the stream ended; valid only after Events closes.
	Err() error
	// Cancel aborts the turn.
	Cancel()
}

// Stream is the subprocess-backed TurnStream.
type Stream struct {
	events chan Message
	cancel context.CancelFunc
	err    error
}

// Events returns the ordered turn events.
func (s *Stream) Events() <-chan Message {
	return s.events
}

// Err reports how the stream ended. Nil means clean exhaustion. Only valid
// after Events has been closed.
func (s *Stream) Err() error {
	return s.err
}

// Cancel aborts the turn. Safe to call at any time, including after the
// stream has ended.
func (s *Stream) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}
