package hub

import "github.com/mossy-p/telecall-signaling/internal/models"

// Presence lists the authenticated participants and the active room count
func (h *Hub) Presence() models.PresenceResponse {
	clients := h.registry.Snapshot()
	resp := models.PresenceResponse{
		Participants: make([]models.PresenceEntry, 0, len(clients)),
		ActiveRooms:  h.rooms.Len(),
	}
	for _, c := range clients {
		resp.Participants = append(resp.Participants, h.presenceEntry(c))
	}
	return resp
}

// Participant returns the presence entry of one online user
func (h *Hub) Participant(userID string) (models.PresenceEntry, bool) {
	c, ok := h.registry.Get(userID)
	if !ok {
		return models.PresenceEntry{}, false
	}
	return h.presenceEntry(c), true
}

func (h *Hub) presenceEntry(c *Client) models.PresenceEntry {
	entry := models.PresenceEntry{
		Profile:       c.Profile(),
		LastHeartbeat: c.LastHeartbeat(),
	}
	if room, ok := h.rooms.ForUser(entry.UserID); ok {
		entry.RoomID = room.ID
	}
	return entry
}
