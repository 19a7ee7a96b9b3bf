// Package postgres implements storage.Gateway on a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/storage"
)

const uniqueViolation = "23505"

// Store handles poll, vote and chat persistence in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Gateway = (*Store)(nil)

// New creates a Postgres store on an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func mapErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, storage.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CreateTeacher inserts a teacher.
func (s *Store) CreateTeacher(ctx context.Context, t *models.Teacher) error {
	const q = `INSERT INTO teachers (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, t.ID, t.Name, t.CreatedAt, t.UpdatedAt); err != nil {
		return mapErr("storage.postgres.CreateTeacher", err)
	}
	return nil
}

// GetTeacher returns a teacher by ID.
func (s *Store) GetTeacher(ctx context.Context, id uuid.UUID) (*models.Teacher, error) {
	const q = `SELECT id, name, created_at, updated_at FROM teachers WHERE id = $1`
	var t models.Teacher
	if err := s.pool.QueryRow(ctx, q, id).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, mapErr("storage.postgres.GetTeacher", err)
	}
	return &t, nil
}

// CreateStudent inserts a student.
func (s *Store) CreateStudent(ctx context.Context, st *models.Student) error {
	const q = `INSERT INTO students (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, st.ID, st.Name, st.CreatedAt, st.UpdatedAt); err != nil {
		return mapErr("storage.postgres.CreateStudent", err)
	}
	return nil
}

// GetStudent returns a student by ID.
func (s *Store) GetStudent(ctx context.Context, id uuid.UUID) (*models.Student, error) {
	const q = `SELECT id, name, created_at, updated_at FROM students WHERE id = $1`
	var st models.Student
	if err := s.pool.QueryRow(ctx, q, id).Scan(&st.ID, &st.Name, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, mapErr("storage.postgres.GetStudent", err)
	}
	return &st, nil
}

// CreateSession inserts an identity session row.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	const q = `INSERT INTO sessions (id, student_id, teacher_id, role, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q, sess.ID, sess.StudentID, sess.TeacherID, string(sess.Role), sess.Name, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return mapErr("storage.postgres.CreateSession", err)
	}
	return nil
}

// CreatePoll inserts the poll and its options in one transaction.
func (s *Store) CreatePoll(ctx context.Context, p *models.Poll, options []models.PollOption) error {
	const op = "storage.postgres.CreatePoll"
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr(op, err)
	}
	defer tx.Rollback(ctx)

	const pollQ = `INSERT INTO polls (id, question, teacher_id, status, time_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.Exec(ctx, pollQ, p.ID, p.Question, p.TeacherID, string(p.Status), p.TimeLimitSeconds, p.CreatedAt, p.UpdatedAt); err != nil {
		return mapErr(op, err)
	}
	const optQ = `INSERT INTO poll_options (id, poll_id, text, correct, position) VALUES ($1, $2, $3, $4, $5)`
	for _, o := range options {
		if _, err := tx.Exec(ctx, optQ, o.ID, o.PollID, o.Text, o.Correct, o.Position); err != nil {
			return mapErr(op, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(op, err)
	}
	return nil
}

const pollColumns = `id, question, teacher_id, status, time_limit, created_at, started_at, ended_at, updated_at`

func scanPoll(row pgx.Row) (*models.Poll, error) {
	var p models.Poll
	err := row.Scan(&p.ID, &p.Question, &p.TeacherID, &p.Status, &p.TimeLimitSeconds, &p.CreatedAt, &p.StartedAt, &p.EndedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPoll returns a poll with its options.
func (s *Store) GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error) {
	const op = "storage.postgres.GetPoll"
	p, err := scanPoll(s.pool.QueryRow(ctx, `SELECT `+pollColumns+` FROM polls WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(op, err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, poll_id, text, correct, position FROM poll_options WHERE poll_id = $1 ORDER BY position`, id)
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
	const op = "storage.postgres.ListActivePolls"
	q := `SELECT ` + pollColumns + ` FROM polls WHERE status = 'ACTIVE'`
	var args []interface{}
	if teacherID != nil {
		q += ` AND teacher_id = $1`
		args = append(args, *teacherID)
	}
	rows, err := s.pool.Query(ctx, q+` ORDER BY started_at`, args...)
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
// The partial unique index on (teacher_id) WHERE status = 'ACTIVE' rejects a racing start
// for a different poll of the same teacher that slips past the NOT EXISTS check.
func (s *Store) StartPoll(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	const q = `UPDATE polls SET status = 'ACTIVE', started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'PENDING'
		AND NOT EXISTS (SELECT 1 FROM polls other WHERE other.teacher_id = polls.teacher_id AND other.status = 'ACTIVE')`
	tag, err := s.pool.Exec(ctx, q, id, startedAt)
	if err != nil {
		return mapErr("storage.postgres.StartPoll", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage.postgres.StartPoll: %w", storage.ErrConflict)
	}
	return nil
}

// ClosePoll transitions ACTIVE -> CLOSED.
func (s *Store) ClosePoll(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	const q = `UPDATE polls SET status = 'CLOSED', ended_at = $2, updated_at = $2 WHERE id = $1 AND status = 'ACTIVE'`
	tag, err := s.pool.Exec(ctx, q, id, endedAt)
	if err != nil {
		return mapErr("storage.postgres.ClosePoll", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage.postgres.ClosePoll: %w", storage.ErrConflict)
	}
	return nil
}

// InsertVote records a vote only while the poll is ACTIVE and v.CreatedAt is before its deadline.
// The poll row is held FOR SHARE until commit, so ClosePoll waits for in-flight inserts.
// UNIQUE (poll_id, student_id) rejects a second vote.
func (s *Store) InsertVote(ctx context.Context, v *models.Vote) error {
	const op = "storage.postgres.InsertVote"
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr(op, err)
	}
	defer tx.Rollback(ctx)

	const lock = `SELECT 1 FROM polls
		WHERE id = $1 AND status = 'ACTIVE' AND started_at IS NOT NULL
			AND started_at + make_interval(secs => time_limit) > $2
		FOR SHARE`
	var one int
	if err := tx.QueryRow(ctx, lock, v.PollID, v.CreatedAt).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s: %w", op, storage.ErrConflict)
		}
		return mapErr(op, err)
	}

	const q = `INSERT INTO votes (id, poll_id, student_id, option_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, q, v.ID, v.PollID, v.StudentID, v.OptionID, v.CreatedAt, v.UpdatedAt); err != nil {
		return mapErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(op, err)
	}
	return nil
}

// HasVoted reports whether the student has a vote on the poll.
func (s *Store) HasVoted(ctx context.Context, pollID, studentID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM votes WHERE poll_id = $1 AND student_id = $2)`
	var exists bool
	if err := s.pool.QueryRow(ctx, q, pollID, studentID).Scan(&exists); err != nil {
		return false, mapErr("storage.postgres.HasVoted", err)
	}
	return exists, nil
}

// CountVotes returns per-option vote counts for a poll.
func (s *Store) CountVotes(ctx context.Context, pollID uuid.UUID) (map[uuid.UUID]int, error) {
	const op = "storage.postgres.CountVotes"
	rows, err := s.pool.Query(ctx, `SELECT option_id, COUNT(*) FROM votes WHERE poll_id = $1 GROUP BY option_id`, pollID)
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
	const q = `INSERT INTO chat_messages (id, poll_id, sender, message, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, q, m.ID, m.PollID, m.Sender, m.Message, m.CreatedAt); err != nil {
		return mapErr("storage.postgres.CreateChatMessage", err)
	}
	return nil
}

// ListChatMessages returns the latest limit messages for a poll, oldest first.
func (s *Store) ListChatMessages(ctx context.Context, pollID uuid.UUID, limit int) ([]models.ChatMessage, error) {
	const op = "storage.postgres.ListChatMessages"
	const q = `SELECT id, poll_id, sender, message, created_at FROM (
		SELECT id, poll_id, sender, message, created_at, seq FROM chat_messages
		WHERE poll_id = $1 ORDER BY seq DESC LIMIT $2
	) latest ORDER BY seq ASC`
	rows, err := s.pool.Query(ctx, q, pollID, limit)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	list := make([]models.ChatMessage, 0, limit)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.PollID, &m.Sender, &m.Message, &m.CreatedAt); err != nil {
			return nil, mapErr(op, err)
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return list, nil
}
