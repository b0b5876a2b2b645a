package redis

import (
	"context"
	"fmt"

	"github.com/mossy-p/telecall-signaling/config"
	"github.com/redis/go-redis/v9"
)

// Connect opens a Redis client and verifies the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func userKey(userID string) string {
	return "user:" + userID
}

func presenceUserKey(userID string) string {
	return "presence:user:" + userID
}

func roomKey(roomID string) string {
	return "call:room:" + roomID
}

const onlineSetKey = "presence:online"
