package models

import (
	"time"

	"github.com/google/uuid"
)

// PollStatus is the lifecycle state of a poll: PENDING -> ACTIVE -> CLOSED.
type PollStatus string

const (
	PollPending PollStatus = "PENDING"
	PollActive  PollStatus = "ACTIVE"
	PollClosed  PollStatus = "CLOSED"
)

// Valid reports whether s is a known status.
func (s PollStatus) Valid() bool {
	switch s {
	case PollPending, PollActive, PollClosed:
		return true
	}
	return false
}

// EndReason records why a poll was closed.
type EndReason string

const (
	EndManual       EndReason = "MANUAL"
	EndTimeout      EndReason = "TIMEOUT"
	EndTeacherClose EndReason = "TEACHER_CLOSE_ALL"
)

// Poll is a single timed multiple-choice question owned by one teacher.
type Poll struct {
	ID               uuid.UUID    `json:"id"`
	TeacherID        uuid.UUID    `json:"teacher_id"`
	Question         string       `json:"question"`
	Status           PollStatus   `json:"status"`
	TimeLimitSeconds int          `json:"time_limit_seconds"`
	CreatedAt        time.Time    `json:"created_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
	Options          []PollOption `json:"-"`
}

// Deadline returns startedAt + time limit. ok is false until the poll has started.
func (p *Poll) Deadline() (deadline time.Time, ok bool) {
	if p.StartedAt == nil {
		return time.Time{}, false
	}
	return p.StartedAt.Add(time.Duration(p.TimeLimitSeconds) * time.Second), true
}

// AcceptsVotesAt reports whether the poll is ACTIVE and now is strictly before the deadline.
func (p *Poll) AcceptsVotesAt(now time.Time) bool {
	if p.Status != PollActive {
		return false
	}
	deadline, ok := p.Deadline()
	return ok && now.Before(deadline)
}

// PollOption is one answer choice. Immutable after the poll is created.
type PollOption struct {
	ID       uuid.UUID `json:"id"`
	PollID   uuid.UUID `json:"poll_id"`
	Text     string    `json:"text"`
	Correct  bool      `json:"correct"`
	Position int       `json:"position"`
}

// OptionView is a PollOption as shown to a viewer; Correct is nil while answers are hidden.
type OptionView struct {
	ID      uuid.UUID `json:"id"`
	Text    string    `json:"text"`
	Correct *bool     `json:"correct,omitempty"`
}

// PollView is the read model returned to clients. Time fields come from the server clock
// so clients only display a countdown derived from DeadlineAt and ServerTime.
type PollView struct {
	ID               uuid.UUID    `json:"id"`
	TeacherID        uuid.UUID    `json:"teacher_id"`
	Question         string       `json:"question"`
	Status           PollStatus   `json:"status"`
	TimeLimitSeconds int          `json:"time_limit_seconds"`
	Options          []OptionView `json:"options"`
	CreatedAt        time.Time    `json:"created_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
	DeadlineAt       *time.Time   `json:"deadline_at,omitempty"`
	RemainingSeconds int          `json:"remaining_seconds"`
	ServerTime       time.Time    `json:"server_time"`
}

// NewPollView builds the client view of p at now. Correct flags are included only when reveal is set.
func NewPollView(p *Poll, now time.Time, reveal bool) PollView {
	v := PollView{
		ID:               p.ID,
		TeacherID:        p.TeacherID,
		Question:         p.Question,
		Status:           p.Status,
		TimeLimitSeconds: p.TimeLimitSeconds,
		Options:          make([]OptionView, 0, len(p.Options)),
		CreatedAt:        p.CreatedAt,
		StartedAt:        p.StartedAt,
		EndedAt:          p.EndedAt,
		ServerTime:       now,
	}
	for _, o := range p.Options {
		ov := OptionView{ID: o.ID, Text: o.Text}
		if reveal {
			correct := o.Correct
			ov.Correct = &correct
		}
		v.Options = append(v.Options, ov)
	}
	if deadline, ok := p.Deadline(); ok {
		v.DeadlineAt = &deadline
		if p.Status == PollActive && now.Before(deadline) {
			// round up so a client never shows 0 while votes are still accepted
			v.RemainingSeconds = int((deadline.Sub(now) + time.Second - 1) / time.Second)
		}
	}
	return v
}

// NewOption is the input for one option at poll creation.
type NewOption struct {
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}
