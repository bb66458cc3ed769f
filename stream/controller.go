package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/claudedeck/claudedeck/agent"
	"github.com/claudedeck/claudedeck/log"
	"github.com/claudedeck/claudedeck/notify"
	"github.com/claudedeck/claudedeck/session"
)

// State of the in-flight turn.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateAwaitingApproval
)

// Emitter delivers protocol events to the owning client connection.
type Emitter interface {
	Emit(event string, payload any)
}

// Options configure one Execute call.
type Options struct {
	SessionID      string
	WorkingDir     string
	PermissionMode string
	AllowedTools   []string
}

// Controller drives turns for one client connection. A connection runs at
// most one turn at a time; a second Execute while one is in flight is
// refused. The approval channel is a single handle: entering the approval
// wait replaces any previous one, and resolving it consumes it.
type Controller struct {
	runner   agent.Runner
	registry *session.Registry
	queue    *notify.Queue
	emit     Emitter
	clientID string

	mu       sync.Mutex
	state    State
	current  agent.TurnStream
	cancel   context.CancelFunc
	approval chan bool
}

// NewController creates a controller for one connection.
func NewController(runner agent.Runner, registry *session.Registry, queue *notify.Queue, emit Emitter, clientID string) *Controller {
	return &Controller{
		runner:   runner,
		registry: registry,
		queue:    queue,
		emit:     emit,
		clientID: clientID,
	}
}

// Execute runs one turn: open the agent stream, relay its events, pause on
// tool-use for approval, and finalize. Blocks until the turn ends. Events
// use the execution:* / message:* vocabulary.
func (c *Controller) Execute(ctx context.Context, prompt string, opts Options) {
	c.runTurn(ctx, prompt, opts, turnEvents{
		start:     "execution:start",
		complete:  "execution:complete",
		errored:   "execution:error",
		cancelled: "execution:cancelled",
	})
}

// SendComment delivers a follow-up comment to an already running session.
// The session must be known and have a backing process; one fresh re-scan
// is attempted before failing. The resumed turn runs in the session's
// project directory. Events use the comment:* vocabulary.
func (c *Controller) SendComment(ctx context.Context, comment, sessionID string, allowedTools []string) {
	now := time.Now()

	info, err := c.registry.Get(sessionID)
	if err != nil {
		c.emit.Emit("comment:error", map[string]any{
			"error":     "Session not found.",
			"sessionId": sessionID,
			"comment":   comment,
			"timestamp": now,
		})
		return
	}

	backed := c.registry.IsProcessBacked(sessionID)
	if !backed {
		time.Sleep(500 * time.Millisecond)
		backed = c.registry.IsProcessBacked(sessionID)
	}
	if !backed {
		c.emit.Emit("comment:error", map[string]any{
			"error":     "Session is not active. Start it before commenting.",
			"sessionId": sessionID,
			"comment":   comment,
			"timestamp": now,
		})
		return
	}

	c.emit.Emit("comment:sent", map[string]any{
		"sessionId": sessionID,
		"comment":   comment,
		"timestamp": now,
	})

	c.runTurn(ctx, comment, Options{
		SessionID:    sessionID,
		WorkingDir:   info.ProjectPath,
		AllowedTools: allowedTools,
	}, turnEvents{
		complete:  "comment:complete",
		errored:   "comment:error",
		cancelled: "execution:cancelled",
		comment:   comment,
	})
}

// turnEvents names the protocol events a turn variant emits.
type turnEvents struct {
	start     string
	complete  string
	errored   string
	cancelled string
	comment   string
}

func (c *Controller) runTurn(ctx context.Context, prompt string, opts Options, events turnEvents) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		c.emit.Emit(events.errored, map[string]any{
			"error":     "A turn is already in progress on this connection.",
			"sessionId": opts.SessionID,
			"timestamp": time.Now(),
		})
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	c.state = StateStreaming
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.state = StateIdle
		c.current = nil
		c.cancel = nil
		c.approval = nil
		c.mu.Unlock()
	}()

	if events.start != "" {
		c.emit.Emit(events.start, map[string]any{
			"sessionId": opts.SessionID,
			"timestamp": time.Now(),
		})
	}

	turn, err := c.runner.Run(turnCtx, prompt, agent.Options{
		SessionID:      opts.SessionID,
		WorkingDir:     opts.WorkingDir,
		PermissionMode: opts.PermissionMode,
		AllowedTools:   opts.AllowedTools,
	})
	if err != nil {
		c.emitTurnError(events, opts.SessionID, err)
		return
	}

	c.mu.Lock()
	c.current = turn
	c.mu.Unlock()

	sessionID := opts.SessionID
	sessionKnown := sessionID != ""
	rejected := false

	for msg := range turn.Events() {
		if msg.SessionID != "" {
			sessionID = msg.SessionID
		}

		switch msg.Type {
		case "user":
			c.emit.Emit("message:user", map[string]any{
				"content":   msg.Message,
				"sessionId": sessionID,
				"timestamp": time.Now(),
			})
			c.bumpCounters(sessionID, 1, 0)

		case "assistant":
			calls := ExtractToolCalls(msg.Message)
			if len(calls) > 0 && !bypassesApproval(opts.PermissionMode) {
				if !c.requestApproval(turnCtx, sessionID, calls) {
					turn.Cancel()
					rejected = true
					break
				}
			}
			c.emit.Emit("message:assistant", map[string]any{
				"content":   AssistantText(msg.Message),
				"sessionId": sessionID,
				"timestamp": time.Now(),
			})
			c.bumpCounters(sessionID, 1, len(calls))

		case "system":
			c.emit.Emit("message:system", map[string]any{
				"content":   msg.Subtype,
				"sessionId": sessionID,
				"timestamp": time.Now(),
			})
			if sessionID != "" {
				if sessionKnown {
					c.markActive(sessionID)
				} else {
					// First sighting of the session id; the pid is
					// discovered later by the process scan
					c.registry.Register(&session.Info{
						ID:       sessionID,
						IsActive: true,
					})
					sessionKnown = true
				}
			}

		case "result":
			c.emit.Emit("message:result", map[string]any{
				"usage":     msg.Usage,
				"totalCost": msg.TotalCost,
				"numTurns":  msg.NumTurns,
				"duration":  msg.DurationMS,
				"timestamp": time.Now(),
			})
		}

		if rejected {
			break
		}
	}

	if rejected {
		c.drain(turn)
		c.emit.Emit(events.cancelled, map[string]any{"reason": "rejected"})
		return
	}

	if err := turn.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			c.emit.Emit(events.cancelled, map[string]any{"reason": "cancelled"})
			return
		}
		c.emitTurnError(events, sessionID, err)
		return
	}

	payload := map[string]any{
		"sessionId": sessionID,
		"timestamp": time.Now(),
	}
	if events.comment != "" {
		payload["comment"] = events.comment
	}
	c.emit.Emit(events.complete, payload)

	c.queue.Broadcast("", notify.Notification{
		SessionID: sessionID,
		Kind:      notify.KindTaskComplete,
		Title:     "Turn complete",
		Body:      "The agent finished its turn.",
	})
}

// requestApproval suspends the turn on a tool-use request until the client
// decides or the turn is cancelled. Cancellation counts as rejection.
func (c *Controller) requestApproval(ctx context.Context, sessionID string, calls []ToolCall) bool {
	ch := make(chan bool, 1)
	c.mu.Lock()
	c.state = StateAwaitingApproval
	c.approval = ch
	c.mu.Unlock()

	c.emit.Emit("tool:approval", map[string]any{
		"tools":     calls,
		"sessionId": sessionID,
		"timestamp": time.Now(),
	})

	names := make([]string, len(calls))
	for i, call := range calls {
		names[i] = call.Name
	}
	n := notify.Notification{
		SessionID: sessionID,
		Kind:      notify.KindToolApproval,
		Title:     "Tool approval requested",
		Body:      "Waiting for approval: " + joinNames(names),
		Data:      map[string]any{"tools": names},
	}
	c.queue.Add(c.clientID, n)
	c.queue.Broadcast(c.clientID, n)

	var approved bool
	select {
	case approved = <-ch:
	case <-ctx.Done():
		approved = false
	}

	c.mu.Lock()
	c.state = StateStreaming
	c.approval = nil
	c.mu.Unlock()

	log.Debug().
		Bool("approved", approved).
		Str("session_id", sessionID).
		Msg("tool approval resolved")
	return approved
}

// Resolve delivers the client's approval decision. A decision with no
// pending approval is dropped.
func (c *Controller) Resolve(approved bool) {
	c.mu.Lock()
	ch := c.approval
	c.approval = nil
	c.mu.Unlock()

	if ch != nil {
		ch <- approved
	}
}

// Cancel aborts the in-flight turn, valid both while streaming and while
// awaiting approval. No-op when idle.
func (c *Controller) Cancel() {
	c.mu.Lock()
	turn := c.current
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if turn != nil {
		turn.Cancel()
	}
}

// Close handles connection teardown: any pending approval resolves as
// rejected and the turn is cancelled, so nothing is left suspended.
func (c *Controller) Close() {
	c.Resolve(false)
	c.Cancel()
}

// State returns the current turn state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) emitTurnError(events turnEvents, sessionID string, err error) {
	message := ClassifyStreamError(err)
	log.Warn().Err(err).Str("session_id", sessionID).Msg("turn failed")

	payload := map[string]any{
		"error":     message,
		"sessionId": sessionID,
		"timestamp": time.Now(),
	}
	if events.comment != "" {
		payload["comment"] = events.comment
		payload["details"] = err.Error()
	}
	c.emit.Emit(events.errored, payload)

	c.queue.Add(c.clientID, notify.Notification{
		SessionID: sessionID,
		Kind:      notify.KindError,
		Title:     "Turn failed",
		Body:      message,
	})
}

func (c *Controller) bumpCounters(sessionID string, messages, toolCalls int) {
	if sessionID == "" {
		return
	}
	upd := session.Update{}
	if messages != 0 {
		upd.MessageCount = &messages
	}
	if toolCalls != 0 {
		upd.ToolCalls = &toolCalls
	}
	c.registry.Update(sessionID, upd)
}

func (c *Controller) markActive(sessionID string) {
	active := true
	c.registry.Update(sessionID, session.Update{IsActive: &active})
}

// drain discards remaining events after a rejection so the producer
// goroutine can exit.
func (c *Controller) drain(turn agent.TurnStream) {
	for range turn.Events() {
	}
}

func bypassesApproval(mode string) bool {
	return mode == "bypass" || mode == "bypassPermissions"
}

func joinNames(names []string) string {
	out := ""
	for i, name := range names {
		if i > 0 {
			out += ", "
		}
		out += name
	}
	return out
}
