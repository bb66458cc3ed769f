package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/claudedeck/claudedeck/log"
	"github.com/claudedeck/claudedeck/session"
)

// ListSessions handles GET /api/sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	RespondList(c, h.registry.All())
}

// GetActiveSession handles GET /api/sessions/active
func (h *Handlers) GetActiveSession(c *gin.Context) {
	info, ok := h.registry.ActiveSession()
	if !ok {
		RespondNotFound(c, "No active session")
		return
	}
	RespondData(c, info)
}

// GetSession handles GET /api/sessions/:id
func (h *Handlers) GetSession(c *gin.Context) {
	info, err := h.registry.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			RespondNotFound(c, "Session not found")
			return
		}
		log.Error().Err(err).Str("session_id", c.Param("id")).Msg("failed to load session")
		RespondInternalError(c, "Failed to load session")
		return
	}
	RespondData(c, info)
}

// GetHistory handles GET /api/sessions/:id/history
func (h *Handlers) GetHistory(c *gin.Context) {
	hist, err := h.registry.History(c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			RespondNotFound(c, "Session history not found")
			return
		}
		log.Error().Err(err).Str("session_id", c.Param("id")).Msg("failed to load history")
		RespondInternalError(c, "Failed to load history")
		return
	}
	RespondData(c, hist)
}
