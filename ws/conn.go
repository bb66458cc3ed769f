package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/claudedeck/claudedeck/db"
	"github.com/claudedeck/claudedeck/log"
	"github.com/claudedeck/claudedeck/stream"
)

// Conn is one connected client: a websocket, its outbound queue, and the
// execution controller that owns its in-flight turn.
type Conn struct {
	id      string
	sock    *websocket.Conn
	send    chan []byte
	ctrl    *stream.Controller
	viewing string // guarded by the hub mutex
}

// HandleConn services one accepted websocket until it closes. Registers
// the client's mailbox and controller, pumps writes and pings, and
// dispatches inbound events. Cleanup resolves any pending approval as
// rejected and cancels the in-flight turn.
func (h *Hub) HandleConn(ctx context.Context, sock *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &Conn{
		id:   uuid.NewString(),
		sock: sock,
		send: make(chan []byte, 256),
	}
	c.ctrl = stream.NewController(h.runner, h.registry, h.queue, c, c.id)

	h.queue.Register(c.id)
	h.add(c)
	defer func() {
		c.ctrl.Close()
		h.remove(c)
		h.queue.Unregister(c.id)
	}()

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-c.send:
				if !ok {
					return
				}
				if err := sock.Write(ctx, websocket.MessageText, data); err != nil {
					if ctx.Err() == nil {
						log.Error().Err(err).Str("client_id", c.id).Msg("websocket write failed")
					}
					return
				}
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				if err := sock.Ping(ctx); err != nil {
					log.Debug().Err(err).Msg("websocket ping failed")
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := sock.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusGoingAway ||
				closeStatus == websocket.StatusNormalClosure ||
				closeStatus == websocket.StatusNoStatusRcvd {
				log.Debug().Str("client_id", c.id).Int("closeStatus", int(closeStatus)).Msg("websocket closed normally")
			} else {
				log.Info().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			cancel()
			break
		}
		if msgType != websocket.MessageText {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debug().Err(err).Str("client_id", c.id).Msg("unparsable client frame")
			continue
		}
		h.dispatch(ctx, c, env)
	}

	<-sendDone
	<-pingDone
}

// Emit queues a server event for this connection. A client too slow to
// drain its queue loses the frame rather than stalling the turn.
func (c *Conn) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to marshal event payload")
		return
	}
	frame, err := json.Marshal(Envelope{Event: event, Payload: data})
	if err != nil {
		return
	}

	select {
	case c.send <- frame:
	default:
		log.Warn().Str("client_id", c.id).Str("event", event).Msg("dropping event, client send queue full")
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Conn, env Envelope) {
	switch env.Event {
	case "sessions:list":
		c.Emit("sessions:update", map[string]any{"sessions": h.registry.All()})

	case "session:join":
		var p joinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
			return
		}
		h.Join(c, p.SessionID)
		c.Emit("session:joined", map[string]any{"sessionId": p.SessionID})

	case "session:leave":
		var p joinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
			return
		}
		h.Leave(c, p.SessionID)
		c.Emit("session:left", map[string]any{"sessionId": p.SessionID})

	case "execute":
		var p executePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Prompt == "" {
			return
		}
		opts := stream.Options{
			SessionID:      p.SessionID,
			WorkingDir:     p.Options.WorkingDir,
			PermissionMode: p.Options.PermissionMode,
			AllowedTools:   p.Options.AllowedTools,
		}
		applyStoredPreferences(&opts)
		go c.ctrl.Execute(ctx, p.Prompt, opts)

	case "comment:send":
		var p commentPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
			return
		}
		if len(p.AllowedTools) > 0 {
			savePreferences(p.SessionID, p.AllowedTools)
		}
		go c.ctrl.SendComment(ctx, p.Comment, p.SessionID, p.AllowedTools)

	case "tool:approve":
		var p approvePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		c.ctrl.Resolve(p.Approved)

	case "execution:cancel":
		c.ctrl.Cancel()

	default:
		log.Debug().Str("event", env.Event).Msg("unknown client event")
	}
}

// applyStoredPreferences fills in permission mode and allowed tools saved
// for this session in earlier connections. Explicit options win.
func applyStoredPreferences(opts *stream.Options) {
	if opts.SessionID == "" {
		return
	}
	prefs, err := db.GetSessionPreferences(opts.SessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", opts.SessionID).Msg("failed to load session preferences")
		return
	}
	if prefs == nil {
		return
	}
	if opts.PermissionMode == "" {
		opts.PermissionMode = prefs.PermissionMode
	}
	opts.AllowedTools = mergeTools(prefs.AllowedTools, opts.AllowedTools)
}

func savePreferences(sessionID string, allowedTools []string) {
	existing, err := db.GetSessionPreferences(sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to load session preferences")
		return
	}
	prefs := &db.SessionPreferences{SessionID: sessionID}
	if existing != nil {
		prefs.PermissionMode = existing.PermissionMode
		prefs.AllowedTools = existing.AllowedTools
	}
	prefs.AllowedTools = mergeTools(prefs.AllowedTools, allowedTools)
	if err := db.SaveSessionPreferences(prefs); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to save session preferences")
	}
}

func mergeTools(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	var merged []string
	for _, t := range append(append([]string{}, base...), extra...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		merged = append(merged, t)
	}
	return merged
}
