package api

import (
	"github.com/gin-gonic/gin"
)

// UnreadNotifications handles GET /api/notifications/poll/:clientId
func (h *Handlers) UnreadNotifications(c *gin.Context) {
	RespondList(c, h.queue.Unread(c.Param("clientId")))
}

// MarkNotificationsRead handles POST /api/notifications/mark-read/:clientId
func (h *Handlers) MarkNotificationsRead(c *gin.Context) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	h.queue.MarkRead(c.Param("clientId"), body.IDs)
	RespondNoContent(c)
}
