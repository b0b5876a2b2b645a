package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telecall-signaling/internal/hub"
	"github.com/mossy-p/telecall-signaling/internal/middleware"
	"github.com/pion/logging"
)

// RouterConfig configures NewRouter
type RouterConfig struct {
	AllowedOrigins []string
	JWTSecret      string
	LoggerFactory  logging.LoggerFactory
}

// NewRouter wires the HTTP surface of the signaling server
func NewRouter(cfg RouterConfig, h *hub.Hub) *gin.Engine {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": h.Registry().Len(),
			"rooms":       h.Rooms().Len(),
		})
	})

	// Presence API (authenticated)
	apiGroup := router.Group("/api", middleware.JWTAuth(cfg.JWTSecret))
	{
		apiGroup.GET("/presence", GetPresence(h))
		apiGroup.GET("/presence/:userId", GetParticipant(h))
		apiGroup.GET("/rooms/:roomId", GetRoom(h))
	}

	// WebSocket signaling endpoint; auth happens in-band
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", HandleSignaling(h, NewUpgrader(cfg.AllowedOrigins), cfg.LoggerFactory))
	}

	return router
}
