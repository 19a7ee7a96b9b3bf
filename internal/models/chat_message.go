package models

import (
	"time"

	"github.com/google/uuid"
)

// TeacherSenderName is the sender label used for messages posted by the poll's teacher.
const TeacherSenderName = "Teacher"

// ChatMessage is an append-only message in a poll's room.
type ChatMessage struct {
	ID        uuid.UUID `json:"id"`
	PollID    uuid.UUID `json:"poll_id"`
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
