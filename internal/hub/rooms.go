package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/telecall-signaling/internal/models"
)

// Room pairs exactly two participants for one call attempt
type Room struct {
	ID           string
	Participants [2]string
	CreatedAt    time.Time
}

// Has reports whether userID is one of the room's participants
func (r *Room) Has(userID string) bool {
	return r.Participants[0] == userID || r.Participants[1] == userID
}

// Other returns the participant that is not userID
func (r *Room) Other(userID string) string {
	if r.Participants[0] == userID {
		return r.Participants[1]
	}
	return r.Participants[0]
}

// Info returns the room's wire representation
func (r *Room) Info() models.RoomInfo {
	return models.RoomInfo{ID: r.ID, Participants: r.Participants, CreatedAt: r.CreatedAt}
}

// RoomManager maps rooms to their participants and participants to their room
type RoomManager struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	byUser map[string]string
	now    func() time.Time
}

// NewRoomManager creates an empty room manager
func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:  make(map[string]*Room),
		byUser: make(map[string]string),
		now:    time.Now,
	}
}

// Create pairs caller and callee in a new room. Neither may already be in one.
func (rm *RoomManager) Create(caller, callee string) (*Room, error) {
	if caller == callee {
		return nil, ErrSameParticipant
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, busy := rm.byUser[caller]; busy {
		return nil, ErrParticipantBusy
	}
	if _, busy := rm.byUser[callee]; busy {
		return nil, ErrParticipantBusy
	}

	room := &Room{
		ID:           uuid.New().String(),
		Participants: [2]string{caller, callee},
		CreatedAt:    rm.now(),
	}
	rm.rooms[room.ID] = room
	rm.byUser[caller] = room.ID
	rm.byUser[callee] = room.ID
	return room, nil
}

// Get returns the room with the given id
func (rm *RoomManager) Get(roomID string) (*Room, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	room, ok := rm.rooms[roomID]
	return room, ok
}

// ForUser returns the room userID currently belongs to
func (rm *RoomManager) ForUser(userID string) (*Room, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	room, ok := rm.rooms[rm.byUser[userID]]
	return room, ok
}

// Shared returns the room a and b are both in, if any
func (rm *RoomManager) Shared(a, b string) (*Room, bool) {
	room, ok := rm.ForUser(a)
	if !ok || !room.Has(b) || a == b {
		return nil, false
	}
	return room, true
}

// Destroy removes the room. Destroying an unknown room is a no-op that
// reports false.
func (rm *RoomManager) Destroy(roomID string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.destroyLocked(roomID) != nil
}

// DestroyForUser removes the room userID belongs to and returns it
func (rm *RoomManager) DestroyForUser(userID string) (*Room, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	room := rm.destroyLocked(rm.byUser[userID])
	return room, room != nil
}

func (rm *RoomManager) destroyLocked(roomID string) *Room {
	room, ok := rm.rooms[roomID]
	if !ok {
		return nil
	}
	delete(rm.rooms, roomID)
	for _, p := range room.Participants {
		if rm.byUser[p] == roomID {
			delete(rm.byUser, p)
		}
	}
	return room
}

// Len returns the number of active rooms
func (rm *RoomManager) Len() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.rooms)
}
