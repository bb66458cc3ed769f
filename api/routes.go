package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/claudedeck/claudedeck/notify"
	"github.com/claudedeck/claudedeck/session"
	"github.com/claudedeck/claudedeck/ws"
)

// Handlers bundles the shared services the HTTP layer serves from.
type Handlers struct {
	registry *session.Registry
	queue    *notify.Queue
	hub      *ws.Hub
}

// NewHandlers creates the handler set.
func NewHandlers(registry *session.Registry, queue *notify.Queue, hub *ws.Hub) *Handlers {
	return &Handlers{registry: registry, queue: queue, hub: hub}
}

// SetupRoutes registers all API routes on the router.
func SetupRoutes(r *gin.Engine, h *Handlers) {
	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/active", h.GetActiveSession)
		api.GET("/sessions/:id", h.GetSession)
		api.GET("/sessions/:id/history", h.GetHistory)

		api.GET("/notifications/poll/:clientId", h.UnreadNotifications)
		api.POST("/notifications/mark-read/:clientId", h.MarkNotificationsRead)
	}

	r.GET("/ws", h.Socket)
}
