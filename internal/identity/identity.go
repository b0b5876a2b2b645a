// Package identity defines the identity lookup the hub consults during auth.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mossy-p/telecall-signaling/internal/models"
)

// ErrUnknownUser is returned when a user id has no profile
var ErrUnknownUser = errors.New("user not found")

// Directory resolves a user id to its public profile
type Directory interface {
	Lookup(ctx context.Context, userID string) (models.Profile, error)
}

// MemoryDirectory is an in-process Directory
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]models.Profile
}

// NewMemoryDirectory creates a directory holding the given profiles
func NewMemoryDirectory(profiles ...models.Profile) *MemoryDirectory {
	d := &MemoryDirectory{profiles: make(map[string]models.Profile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.UserID] = p
	}
	return d
}

// Put adds or replaces a profile
func (d *MemoryDirectory) Put(p models.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.UserID] = p
}

func (d *MemoryDirectory) Lookup(_ context.Context, userID string) (models.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.profiles[userID]
	if !ok {
		return models.Profile{}, ErrUnknownUser
	}
	return p, nil
}

// ParseProfiles parses "id:name:role" entries separated by commas
func ParseProfiles(list string) ([]models.Profile, error) {
	var profiles []models.Profile
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid profile entry %q: want id:name:role", entry)
		}
		role := models.Role(parts[2])
		if !role.Valid() {
			return nil, fmt.Errorf("invalid role %q for user %s", parts[2], parts[0])
		}
		profiles = append(profiles, models.Profile{UserID: parts[0], Name: parts[1], Role: role})
	}
	return profiles, nil
}
