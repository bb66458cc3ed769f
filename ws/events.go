// Package ws carries the bidirectional client protocol over websockets.
// Every frame is a JSON envelope naming an event and its payload.
package ws

import "encoding/json"

// Envelope frames one protocol message in either direction.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client to server payloads.

type joinPayload struct {
	SessionID string `json:"sessionId"`
}

type commentPayload struct {
	Comment      string   `json:"comment"`
	SessionID    string   `json:"sessionId"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

type approvePayload struct {
	Approved bool `json:"approved"`
}

type executePayload struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"sessionId,omitempty"`
	Options   struct {
		PermissionMode string   `json:"permissionMode,omitempty"`
		AllowedTools   []string `json:"allowedTools,omitempty"`
		WorkingDir     string   `json:"workingDir,omitempty"`
	} `json:"options"`
}
