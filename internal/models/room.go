package models

import "time"

// Role is the participant's role on the platform
type Role string

const (
	RoleDoctor     Role = "doctor"
	RolePatient    Role = "patient"
	RolePharmacist Role = "pharmacist"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RolePatient, RolePharmacist:
		return true
	}
	return false
}

// Profile is the public profile of a participant
type Profile struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// RoomInfo describes an active call room
type RoomInfo struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PresenceEntry is one online participant as reported by the presence API
type PresenceEntry struct {
	Profile
	RoomID        string    `json:"roomId,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// PresenceResponse is the response body of the presence listing
type PresenceResponse struct {
	Participants []PresenceEntry `json:"participants"`
	ActiveRooms  int             `json:"activeRooms"`
}
