package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/telecall-signaling/internal/hub"
	"github.com/pion/logging"
)

// NewUpgrader returns a websocket upgrader that applies the same origin
// policy as OriginFilter
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := requestOrigin(r)
			return origin == "" || originAllowed(origin, allowedOrigins)
		},
	}
}

// HandleSignaling upgrades the request to a websocket and hands the channel
// to the hub. Authentication happens over the channel with an auth message.
func HandleSignaling(h *hub.Hub, upgrader *websocket.Upgrader, loggerFactory logging.LoggerFactory) gin.HandlerFunc {
	log := loggerFactory.NewLogger("handlers")

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written an HTTP error response
			log.Warnf("failed to upgrade connection from %s: %v", c.ClientIP(), err)
			return
		}

		log.Debugf("channel opened from %s", c.ClientIP())
		h.Serve(conn)
	}
}
