package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telecall-signaling/internal/hub"
)

// GetPresence lists online participants (requires authentication)
func GetPresence(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Presence())
	}
}

// GetParticipant returns one online participant (requires authentication)
func GetParticipant(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, ok := h.Participant(c.Param("userId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not online"})
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

// GetRoom returns an active call room. Only its participants may read it.
func GetRoom(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		room, ok := h.Rooms().Get(c.Param("roomId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if !room.Has(userID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only room participants may view the room"})
			return
		}
		c.JSON(http.StatusOK, room.Info())
	}
}
