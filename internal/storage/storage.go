// Package storage defines the persistence gateway for teachers, students, sessions, polls,
// options, votes and chat messages. Implementations live in the postgres and sqlite
// subpackages; both enforce the same constraints at the storage layer:
//
//   - votes are unique per (poll_id, student_id)
//   - option text is unique per poll
//   - at most one ACTIVE poll per teacher (partial unique index)
//   - status transitions are compare-and-set updates
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aura-classroom/backend/internal/apperr"
	"github.com/aura-classroom/backend/internal/models"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert or update violates a unique constraint.
	ErrDuplicate = errors.New("unique constraint violated")
	// ErrConflict is returned when a conditional status update matched no row.
	ErrConflict = errors.New("status precondition failed")
)

// Gateway is the single writer of truth for durable records.
type Gateway interface {
	CreateTeacher(ctx context.Context, t *models.Teacher) error
	GetTeacher(ctx context.Context, id uuid.UUID) (*models.Teacher, error)
	CreateStudent(ctx context.Context, s *models.Student) error
	GetStudent(ctx context.Context, id uuid.UUID) (*models.Student, error)
	CreateSession(ctx context.Context, s *models.Session) error

	// CreatePoll inserts the poll and its options atomically.
	CreatePoll(ctx context.Context, p *models.Poll, options []models.PollOption) error
	// GetPoll returns the poll with its options ordered by position.
	GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error)
	// ListActivePolls returns ACTIVE polls, for one teacher or for all teachers when teacherID is nil.
	ListActivePolls(ctx context.Context, teacherID *uuid.UUID) ([]models.Poll, error)
	// StartPoll sets PENDING -> ACTIVE only if the poll is PENDING and its teacher has no
	// ACTIVE poll. Returns ErrConflict when no row matched and ErrDuplicate when the
	// one-active-poll index rejected a racing start.
	StartPoll(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	// ClosePoll sets ACTIVE -> CLOSED. Returns ErrConflict when the poll was not ACTIVE.
	ClosePoll(ctx context.Context, id uuid.UUID, endedAt time.Time) error

	// InsertVote returns ErrDuplicate if the student already voted on the poll and
	// ErrConflict if the poll is not ACTIVE or its deadline is not after v.CreatedAt.
	InsertVote(ctx context.Context, v *models.Vote) error
	HasVoted(ctx context.Context, pollID, studentID uuid.UUID) (bool, error)
	// CountVotes returns vote counts keyed by option id. Options without votes are absent.
	CountVotes(ctx context.Context, pollID uuid.UUID) (map[uuid.UUID]int, error)

	CreateChatMessage(ctx context.Context, m *models.ChatMessage) error
	// ListChatMessages returns the latest limit messages, oldest first.
	ListChatMessages(ctx context.Context, pollID uuid.UUID, limit int) ([]models.ChatMessage, error)

	Close() error
}

// AppError converts a gateway read failure to a typed error. what names the record, e.g. "poll".
// Callers attach the ids they know with WithPoll and WithStudent.
func AppError(err error, what string) *apperr.Error {
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound("%s not found", what)
	}
	return apperr.Internal(err, "load %s", what)
}
