package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SessionPreferences holds per-session execution preferences that survive
// server restarts: the permission mode and the tools the user has allowed
// without prompting.
type SessionPreferences struct {
	SessionID      string   `json:"sessionId"`
	PermissionMode string   `json:"permissionMode"`
	AllowedTools   []string `json:"allowedTools"`
}

// GetSessionPreferences returns the stored preferences for a session,
// or nil when none have been saved.
func GetSessionPreferences(sessionID string) (*SessionPreferences, error) {
	row := GetDB().QueryRow(
		`SELECT permission_mode, allowed_tools FROM session_prefs WHERE session_id = ?`,
		sessionID,
	)

	var prefs SessionPreferences
	var toolsJSON string
	if err := row.Scan(&prefs.PermissionMode, &toolsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session preferences: %w", err)
	}

	prefs.SessionID = sessionID
	if err := json.Unmarshal([]byte(toolsJSON), &prefs.AllowedTools); err != nil {
		// Corrupt row: treat as no allowed tools rather than failing the turn
		prefs.AllowedTools = nil
	}
	return &prefs, nil
}

// SaveSessionPreferences upserts preferences for a session.
func SaveSessionPreferences(prefs *SessionPreferences) error {
	toolsJSON, err := json.Marshal(prefs.AllowedTools)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed tools: %w", err)
	}

	_, err = GetDB().Exec(
		`INSERT INTO session_prefs (session_id, permission_mode, allowed_tools, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   permission_mode = excluded.permission_mode,
		   allowed_tools = excluded.allowed_tools,
		   updated_at = excluded.updated_at`,
		prefs.SessionID, prefs.PermissionMode, string(toolsJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save session preferences: %w", err)
	}
	return nil
}
