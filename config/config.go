package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	RequireToken   bool
	Redis          RedisConfig
	Identity       IdentityConfig
	Hub            HubConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int

	// MirrorPresence copies hub presence and rooms into Redis
	MirrorPresence bool
}

// IdentityConfig selects where participant profiles are looked up
type IdentityConfig struct {
	Backend   string // "memory" or "redis"
	DemoUsers string // id:name:role, comma-separated; memory backend only
}

// HubConfig holds the hub's timing contracts
type HubConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendBuffer        int
	PresenceTTL       time.Duration
}

// ClientConfig configures the headless call client
type ClientConfig struct {
	HubURL            string
	UserID            string
	AuthToken         string
	CallPeer          string
	AutoAccept        bool
	HeartbeatInterval time.Duration
	MaxICERestarts    int
	ICERestartBackoff time.Duration
	ICERestartTimeout time.Duration
	QualityInterval   time.Duration
	RingTimeout       time.Duration
	STUNURLs          []string
}

// UsesRedis reports whether the server needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.Identity.Backend == "redis" || c.Redis.MirrorPresence
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		RequireToken:   getBool("REQUIRE_TOKEN", false),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),

			MirrorPresence: getBool("REDIS_PRESENCE_MIRROR", false),
		},
		Identity: IdentityConfig{
			Backend:   getEnv("IDENTITY_BACKEND", "memory"),
			DemoUsers: getEnv("DEMO_USERS", "doctor-1:Dr. Ada Lovelace:doctor,patient-1:Alan Turing:patient"),
		},
		Hub: HubConfig{
			HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			HeartbeatTimeout:  getDuration("HEARTBEAT_TIMEOUT", 60*time.Second),
			SendBuffer:        getInt("SEND_BUFFER", 256),
			PresenceTTL:       getDuration("PRESENCE_TTL", 2*time.Hour),
		},
	}
}

// LoadClient reads the call client configuration from the environment
func LoadClient() *ClientConfig {
	return &ClientConfig{
		HubURL:            getEnv("HUB_URL", "ws://localhost:8080/ws/signal"),
		UserID:            getEnv("USER_ID", ""),
		AuthToken:         getEnv("AUTH_TOKEN", ""),
		CallPeer:          getEnv("CALL_PEER", ""),
		AutoAccept:        getBool("AUTO_ACCEPT", true),
		HeartbeatInterval: getDuration("CLIENT_HEARTBEAT_INTERVAL", 25*time.Second),
		MaxICERestarts:    getInt("ICE_MAX_RESTARTS", 3),
		ICERestartBackoff: getDuration("ICE_RESTART_BACKOFF", 2*time.Second),
		ICERestartTimeout: getDuration("ICE_RESTART_TIMEOUT", 15*time.Second),
		QualityInterval:   getDuration("QUALITY_INTERVAL", 2*time.Second),
		RingTimeout:       getDuration("RING_TIMEOUT", 0),
		STUNURLs:          strings.Split(getEnv("STUN_URLS", "stun:stun.l.google.com:19302"), ","),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
