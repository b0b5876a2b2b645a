package redis

import (
	"context"
	"fmt"

	"github.com/mossy-p/telecall-signaling/internal/identity"
	"github.com/mossy-p/telecall-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

// Directory resolves participant profiles from the platform's user hashes.
// A user is stored as HSET user:<id> name <display name> role <role>.
type Directory struct {
	rdb redis.Cmdable
}

// NewDirectory returns a Directory backed by rdb
func NewDirectory(rdb redis.Cmdable) *Directory {
	return &Directory{rdb: rdb}
}

// Lookup implements identity.Directory
func (d *Directory) Lookup(ctx context.Context, userID string) (models.Profile, error) {
	fields, err := d.rdb.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return models.Profile{}, fmt.Errorf("lookup %s: %w", userID, err)
	}
	return profileFromHash(userID, fields)
}

func profileFromHash(userID string, fields map[string]string) (models.Profile, error) {
	if len(fields) == 0 {
		return models.Profile{}, identity.ErrUnknownUser
	}
	role := models.Role(fields["role"])
	if !role.Valid() {
		return models.Profile{}, fmt.Errorf("user %s has unknown role %q", userID, role)
	}
	name := fields["name"]
	if name == "" {
		name = userID
	}
	return models.Profile{UserID: userID, Name: name, Role: role}, nil
}
