package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/claudedeck/claudedeck/log"
)

// Socket handles GET /ws, upgrading to the bidirectional client protocol.
// The connection is owned by the hub from here on.
func (h *Handlers) Socket(c *gin.Context) {
	// Gin wraps the response writer to track state, but the upgrade needs
	// the raw writer for hijacking
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	// Mark before upgrading so middleware never writes headers on the
	// hijacked connection
	log.MarkHijacked(c)

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin checks are handled at a higher layer
		CompressionMode:    websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.Abort()

	h.hub.HandleConn(c.Request.Context(), conn)
}
