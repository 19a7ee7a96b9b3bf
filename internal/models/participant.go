package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant is one live connection. Transient, never persisted.
type Participant struct {
	ConnectionID string    `json:"connection_id"`
	Role         Role      `json:"role"`
	IdentityID   uuid.UUID `json:"identity_id"`
	Name         string    `json:"name"`
	PollID       uuid.UUID `json:"poll_id"` // uuid.Nil until joined
	JoinedAt     time.Time `json:"joined_at"`
}
