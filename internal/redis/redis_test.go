package redis

import (
	"errors"
	"testing"
	"time"

	"github.com/mossy-p/telecall-signaling/internal/identity"
	"github.com/mossy-p/telecall-signaling/internal/models"
)

func TestProfileFromHash(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]string
		want    models.Profile
		wantErr error
	}{
		{
			name:   "doctor",
			fields: map[string]string{"name": "Dr. Who", "role": "doctor"},
			want:   models.Profile{UserID: "u1", Name: "Dr. Who", Role: models.RoleDoctor},
		},
		{
			name:   "missing name falls back to id",
			fields: map[string]string{"role": "patient"},
			want:   models.Profile{UserID: "u1", Name: "u1", Role: models.RolePatient},
		},
		{
			name:    "missing hash",
			fields:  map[string]string{},
			wantErr: identity.ErrUnknownUser,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := profileFromHash("u1", tt.fields)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("profileFromHash() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("profileFromHash() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := profileFromHash("u1", map[string]string{"role": "nurse"}); err == nil {
		t.Error("unknown role accepted")
	}
}

func TestKeys(t *testing.T) {
	if got := userKey("doctor-1"); got != "user:doctor-1" {
		t.Errorf("userKey = %q", got)
	}
	if got := presenceUserKey("doctor-1"); got != "presence:user:doctor-1" {
		t.Errorf("presenceUserKey = %q", got)
	}
	if got := roomKey("abc"); got != "call:room:abc" {
		t.Errorf("roomKey = %q", got)
	}
}

func TestRoomFields(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	fields := roomFields(models.RoomInfo{
		ID:           "room-1",
		Participants: [2]string{"doctor-1", "patient-1"},
		CreatedAt:    created,
	})
	if fields["participants"] != "doctor-1,patient-1" {
		t.Errorf("participants = %v", fields["participants"])
	}
	if fields["createdAt"] != "2026-03-01T09:30:00Z" {
		t.Errorf("createdAt = %v", fields["createdAt"])
	}
}

func TestPresenceMirror_DropsWhenQueueFull(t *testing.T) {
	m := NewPresenceMirror(nil, 0, nil)
	if m.ttl != DefaultPresenceTTL {
		t.Errorf("ttl = %v, want %v", m.ttl, DefaultPresenceTTL)
	}

	for i := 0; i < mirrorQueueSize; i++ {
		m.ConnectionRemoved("u")
	}
	if len(m.ops) != mirrorQueueSize {
		t.Fatalf("queued %d ops, want %d", len(m.ops), mirrorQueueSize)
	}
	// The next update is dropped instead of blocking the caller.
	if m.enqueue(nil) {
		t.Error("enqueue succeeded on a full queue")
	}
}
