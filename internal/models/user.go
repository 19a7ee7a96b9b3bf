package models

import (
	"time"

	"github.com/google/uuid"
)

// Role represents the role of an identity in a classroom.
type Role string

const (
	RoleTeacher Role = "TEACHER"
	RoleStudent Role = "STUDENT"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}

// Teacher owns polls.
type Teacher struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Student casts votes.
type Student struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session records an issued identity token. Exactly one of StudentID and TeacherID is set.
type Session struct {
	ID        uuid.UUID  `json:"id"`
	StudentID *uuid.UUID `json:"student_id,omitempty"`
	TeacherID *uuid.UUID `json:"teacher_id,omitempty"`
	Role      Role       `json:"role"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IdentityID returns the teacher or student id the session belongs to.
func (s *Session) IdentityID() uuid.UUID {
	if s.TeacherID != nil {
		return *s.TeacherID
	}
	if s.StudentID != nil {
		return *s.StudentID
	}
	return uuid.Nil
}

// Identity is the authenticated caller of an operation.
type Identity struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
	Name string    `json:"name"`
}

// IsTeacher reports whether the identity is the given teacher.
func (i Identity) IsTeacher(teacherID uuid.UUID) bool {
	return i.Role == RoleTeacher && i.ID == teacherID
}
