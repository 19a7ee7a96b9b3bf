package models

import (
	"time"

	"github.com/google/uuid"
)

// Vote is one student's choice for one poll. (PollID, StudentID) is unique.
type Vote struct {
	ID        uuid.UUID `json:"id"`
	PollID    uuid.UUID `json:"poll_id"`
	StudentID uuid.UUID `json:"student_id"`
	OptionID  uuid.UUID `json:"option_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OptionResult is the tally for one option.
type OptionResult struct {
	OptionID   uuid.UUID `json:"option_id"`
	Text       string    `json:"text"`
	Count      int       `json:"count"`
	Percentage float64   `json:"percentage"`
}

// Results is an aggregated snapshot of a poll's votes.
// CorrectOptionIDs is only populated once the poll is CLOSED or for the owning teacher.
type Results struct {
	PollID           uuid.UUID      `json:"poll_id"`
	Status           PollStatus     `json:"status"`
	Options          []OptionResult `json:"options"`
	TotalVotes       int            `json:"total_votes"`
	CorrectOptionIDs []uuid.UUID    `json:"correct_option_ids,omitempty"`
	ComputedAt       time.Time      `json:"computed_at"`
}
