package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telecall-signaling/config"
	"github.com/mossy-p/telecall-signaling/internal/handlers"
	"github.com/mossy-p/telecall-signaling/internal/hub"
	"github.com/mossy-p/telecall-signaling/internal/identity"
	"github.com/mossy-p/telecall-signaling/internal/middleware"
	"github.com/mossy-p/telecall-signaling/internal/redis"
	"github.com/pion/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()

	// Log levels come from PION_LOG_<LEVEL>=<scopes>
	loggerFactory := logging.NewDefaultLoggerFactory()
	logger := loggerFactory.NewLogger("signaling")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		directory identity.Directory
		observer  hub.Observer
	)

	if cfg.UsesRedis() {
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		logger.Info("Redis connection established")

		if cfg.Identity.Backend == "redis" {
			directory = redis.NewDirectory(rdb)
		}
		if cfg.Redis.MirrorPresence {
			mirror := redis.NewPresenceMirror(rdb, cfg.Hub.PresenceTTL, loggerFactory)
			go func() { _ = mirror.Run(ctx) }()
			observer = mirror
		}
	}

	switch cfg.Identity.Backend {
	case "redis":
	case "memory":
		profiles, err := identity.ParseProfiles(cfg.Identity.DemoUsers)
		if err != nil {
			log.Fatalf("Invalid DEMO_USERS: %v", err)
		}
		directory = identity.NewMemoryDirectory(profiles...)
		logger.Infof("using in-memory directory with %d users", len(profiles))
	default:
		log.Fatalf("Unknown IDENTITY_BACKEND %q", cfg.Identity.Backend)
	}

	h := hub.New(hub.Config{
		Directory:         directory,
		Tokens:            middleware.TokenVerifier{Secret: cfg.JWTSecret},
		RequireToken:      cfg.RequireToken,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Hub.HeartbeatTimeout,
		SendBuffer:        cfg.Hub.SendBuffer,
		Observer:          observer,
		LoggerFactory:     loggerFactory,
	})
	go func() { _ = h.Run(ctx) }()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		LoggerFactory:  loggerFactory,
	}, h)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server
	go func() {
		logger.Infof("Starting call signaling server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Hijacked websocket connections are not tracked by the HTTP server
	h.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown: %v", err)
	}
}
