// Package sqlite implements storage.Gateway on an embedded SQLite database.
// It backs local development and the service tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/storage"
)

// Store handles persistence in SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Gateway = (*Store)(nil)

// New creates a SQLite store on an open database and ensures the schema exists.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := CreateSchema(ctx, db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func mapErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %v: %w", op, err, storage.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CreateTeacher inserts a teacher.
func (s *Store) CreateTeacher(ctx context.Context, t *models.Teacher) error {
	const q = `INSERT INTO teachers (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, t.ID, t.Name, nanos(t.CreatedAt), nanos(t.UpdatedAt)); err != nil {
		return mapErr("storage.sqlite.CreateTeacher", err)
	}
	return nil
}

// GetTeacher returns a teacher by ID.
func (s *Store) GetTeacher(ctx context.Context, id uuid.UUID) (*models.Teacher, error) {
	const q = `SELECT id, name, created_at, updated_at FROM teachers WHERE id = ?`
	var t models.Teacher
	var created, updated int64
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&t.ID, &t.Name, &created, &updated); err != nil {
		return nil, mapErr("storage.sqlite.GetTeacher", err)
	}
	t.CreatedAt, t.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &t, nil
}

// CreateStudent inserts a student.
func (s *Store) CreateStudent(ctx context.Context, st *models.Student) error {
	const q = `INSERT INTO students (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, st.ID, st.Name, nanos(st.CreatedAt), nanos(st.UpdatedAt)); err != nil {
		return mapErr("storage.sqlite.CreateStudent", err)
	}
	return nil
}

// GetStudent returns a student by ID.
func (s *Store) GetStudent(ctx context.Context, id uuid.UUID) (*models.Student, error) {
	const q = `SELECT id, name, created_at, updated_at FROM students WHERE id = ?`
	var st models.Student
	var created, updated int64
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&st.ID, &st.Name, &created, &updated); err != nil {
		return nil, mapErr("storage.sqlite.GetStudent", err)
	}
	st.CreatedAt, st.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &st, nil
}

// CreateSession inserts an identity session row.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	const q = `INSERT INTO sessions (id, student_id, teacher_id, role, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, sess.ID, sess.StudentID, sess.TeacherID, string(sess.Role), sess.Name,
		nanos(sess.CreatedAt), nanos(sess.UpdatedAt))
	if err != nil {
		return mapErr("storage.sqlite.CreateSession", err)
	}
	return nil
}

// CreatePoll inserts the poll and its options in one transaction.
func (s *Store) CreatePoll(ctx context.Context, p *models.Poll, options []models.PollOption) error {
	const op = "storage.sqlite.CreatePoll"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(op, err)
	}
	defer tx.Rollback()

	const pollQ = `INSERT INTO polls (id, question, teacher_id, status, time_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, pollQ, p.ID, p.Question, p.TeacherID, string(p.Status), p.TimeLimitSeconds,
		nanos(p.CreatedAt), nanos(p.UpdatedAt)); err != nil {
		return mapErr(op, err)
	}
	const optQ = `INSERT INTO poll_options (id, poll_id, text, correct, position) VALUES (?, ?, ?, ?, ?)`
	for _, o := range options {
		if _, err := tx.ExecContext(ctx, optQ, o.ID, o.PollID, o.Text, o.Correct, o.Position); err != nil {
			return mapErr(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return mapErr(op, err)
	}
	return nil
}

const pollColumns = `id, question, teacher_id, status, time_limit, created_at, started_at, ended_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoll(row rowScanner) (*models.Poll, error) {
	var p models.Poll
	var status string
	var created, updated int64
	var started, ended sql.NullInt64
	if err := row.Scan(&p.ID, &p.Question, &p.TeacherID, &status, &p.TimeLimitSeconds, &created, &started, &ended, &updated); err != nil {
		return nil, err
	}
	p.Status = models.PollStatus(status)
	p.CreatedAt, p.UpdatedAt = fromNanos(created), fromNanos(updated)
	p.StartedAt, p.EndedAt = nullNanos(started), nullNanos(ended)
	return &p, nil
}

// GetPoll returns a poll with its options.
func (s *Store) GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error) {
	const op = "storage.sqlite.GetPoll"
	p, err := scanPoll(s.db.QueryRowContext(ctx, `SELECT `+pollColumns+` FROM polls WHERE id = ?`, id))
	if err != nil {
		return nil, mapErr(op, err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, poll_id, text, correct, position FROM poll_options WHERE poll_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var o models.PollOption
		if err := rows.Scan(&o.ID, &o.PollID, &o.Text, &o.Correct, &o.Position); err != nil {
			return nil, mapErr(op, err)
		}
		p.Options = append(p.Options, o)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return p, nil
}

// ListActivePolls returns ACTIVE polls for a teacher, or all of them when teacherID is nil.
func (s *Store) ListActivePolls(ctx context.Context, teacherID *uuid.UUID) ([]models.Poll, error) {
	const op = "storage.sqlite.ListActivePolls"
	q := `SELECT ` + pollColumns + ` FROM polls WHERE status = 'ACTIVE'`
	var args []any
	if teacherID != nil {
		q += ` AND teacher_id = ?`
		args = append(args, *teacherID)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY started_at`, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	var list []models.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		list = append(list, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return list, nil
}

// StartPoll transitions PENDING -> ACTIVE if the teacher has no other ACTIVE poll.
func (s *Store) StartPoll(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	const q = `UPDATE polls SET status = 'ACTIVE', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'
		AND NOT EXISTS (SELECT 1 FROM polls other WHERE other.teacher_id = polls.teacher_id AND other.status = 'ACTIVE')`
	res, err := s.db.ExecContext(ctx, q, nanos(startedAt), nanos(startedAt), id)
	if err != nil {
		return mapErr("storage.sqlite.StartPoll", err)
	}
	return requireOneRow("storage.sqlite.StartPoll", res)
}

// ClosePoll transitions ACTIVE -> CLOSED.
func (s *Store) ClosePoll(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	const q = `UPDATE polls SET status = 'CLOSED', ended_at = ?, updated_at = ? WHERE id = ? AND status = 'ACTIVE'`
	res, err := s.db.ExecContext(ctx, q, nanos(endedAt), nanos(endedAt), id)
	if err != nil {
		return mapErr("storage.sqlite.ClosePoll", err)
	}
	return requireOneRow("storage.sqlite.ClosePoll", res)
}

func requireOneRow(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrConflict)
	}
	return nil
}

// InsertVote records a vote only while the poll is ACTIVE and v.CreatedAt is before its deadline.
// The status check and the insert run as one statement.
// UNIQUE (poll_id, student_id) rejects a second vote.
func (s *Store) InsertVote(ctx context.Context, v *models.Vote) error {
	const q = `INSERT INTO votes (id, poll_id, student_id, option_id, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (
			SELECT 1 FROM polls
			WHERE id = ? AND status = 'ACTIVE' AND started_at IS NOT NULL
				AND started_at + time_limit * 1000000000 > ?
		)`
	const op = "storage.sqlite.InsertVote"
	at := nanos(v.CreatedAt)
	res, err := s.db.ExecContext(ctx, q, v.ID, v.PollID, v.StudentID, v.OptionID, at, nanos(v.UpdatedAt), v.PollID, at)
	if err != nil {
		return mapErr(op, err)
	}
	return requireOneRow(op, res)
}

// HasVoted reports whether the student has a vote on the poll.
func (s *Store) HasVoted(ctx context.Context, pollID, studentID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM votes WHERE poll_id = ? AND student_id = ?)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, q, pollID, studentID).Scan(&exists); err != nil {
		return false, mapErr("storage.sqlite.HasVoted", err)
	}
	return exists, nil
}

// CountVotes returns per-option vote counts for a poll.
func (s *Store) CountVotes(ctx context.Context, pollID uuid.UUID) (map[uuid.UUID]int, error) {
	const op = "storage.sqlite.CountVotes"
	rows, err := s.db.QueryContext(ctx, `SELECT option_id, COUNT(*) FROM votes WHERE poll_id = ? GROUP BY option_id`, pollID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var optionID uuid.UUID
		var n int
		if err := rows.Scan(&optionID, &n); err != nil {
			return nil, mapErr(op, err)
		}
		counts[optionID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return counts, nil
}

// CreateChatMessage appends a chat message.
func (s *Store) CreateChatMessage(ctx context.Context, m *models.ChatMessage) error {
	const q = `INSERT INTO chat_messages (id, poll_id, sender, message, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, m.ID, m.PollID, m.Sender, m.Message, nanos(m.CreatedAt)); err != nil {
		return mapErr("storage.sqlite.CreateChatMessage", err)
	}
	return nil
}

// ListChatMessages returns the latest limit messages for a poll, oldest first.
func (s *Store) ListChatMessages(ctx context.Context, pollID uuid.UUID, limit int) ([]models.ChatMessage, error) {
	const op = "storage.sqlite.ListChatMessages"
	const q = `SELECT id, poll_id, sender, message, created_at FROM (
		SELECT seq, id, poll_id, sender, message, created_at FROM chat_messages
		WHERE poll_id = ? ORDER BY seq DESC LIMIT ?
	) ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, q, pollID, limit)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	list := make([]models.ChatMessage, 0, limit)
	for rows.Next() {
		var m models.ChatMessage
		var created int64
		if err := rows.Scan(&m.ID, &m.PollID, &m.Sender, &m.Message, &created); err != nil {
			return nil, mapErr(op, err)
		}
		m.CreatedAt = fromNanos(created)
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return list, nil
}
