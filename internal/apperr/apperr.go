// Package apperr defines the typed errors returned by the poll, vote and chat services
// and their mapping to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind classifies an error for callers and transport boundaries.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindNotFound      Kind = "NOT_FOUND"
	KindForbidden     Kind = "FORBIDDEN"
	KindConflict      Kind = "CONFLICT"
	KindDuplicateVote Kind = "DUPLICATE_VOTE"
	KindPollNotActive Kind = "POLL_NOT_ACTIVE"
	KindInternal      Kind = "INTERNAL"
)

// Error carries a kind, a human-readable message and the ids the failure relates to.
type Error struct {
	Kind      Kind
	Message   string
	PollID    uuid.UUID
	StudentID uuid.UUID
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.PollID != uuid.Nil {
		msg += " (poll " + e.PollID.String()
		if e.StudentID != uuid.Nil {
			msg += ", student " + e.StudentID.String()
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindConflict}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// WithPoll returns e annotated with a poll id.
func (e *Error) WithPoll(pollID uuid.UUID) *Error {
	e.PollID = pollID
	return e
}

// WithStudent returns e annotated with a student id.
func (e *Error) WithStudent(studentID uuid.UUID) *Error {
	e.StudentID = studentID
	return e
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation reports malformed or out-of-range input.
func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }

// NotFound reports a referenced record that does not exist.
func NotFound(format string, args ...any) *Error { return newf(KindNotFound, format, args...) }

// Forbidden reports an authenticated caller acting on something it does not own.
func Forbidden(format string, args ...any) *Error { return newf(KindForbidden, format, args...) }

// Conflict reports an illegal state transition.
func Conflict(format string, args ...any) *Error { return newf(KindConflict, format, args...) }

// DuplicateVote reports a second vote by the same student on the same poll.
func DuplicateVote(pollID, studentID uuid.UUID) *Error {
	return &Error{Kind: KindDuplicateVote, Message: "student has already voted on this poll", PollID: pollID, StudentID: studentID}
}

// PollNotActive reports a vote outside the poll's ACTIVE window.
func PollNotActive(pollID uuid.UUID, reason string) *Error {
	return &Error{Kind: KindPollNotActive, Message: reason, PollID: pollID}
}

// Internal wraps a storage or other unexpected failure.
func Internal(err error, format string, args ...any) *Error {
	e := newf(KindInternal, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of err, KindInternal for untyped errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Message returns the client-safe message for err. Internal details are never exposed.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict, KindDuplicateVote, KindPollNotActive:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
