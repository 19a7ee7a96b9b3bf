// Package testutil provides a real SQLite-backed store, fixtures and recording fakes for package tests.
package testutil

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/storage"
	"github.com/aura-classroom/backend/internal/storage/sqlite"
	"github.com/aura-classroom/backend/pkg/database"
)

// NewStore opens a fresh SQLite store in a per-test temp dir with the full schema.
func NewStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	db, err := database.NewSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	store, err := sqlite.New(ctx, db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// CreateTeacher inserts a teacher fixture.
func CreateTeacher(t *testing.T, store storage.Gateway, name string) *models.Teacher {
	t.Helper()
	now := time.Now().UTC()
	teacher := &models.Teacher{ID: uuid.New(), Name: name, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateTeacher(context.Background(), teacher))
	return teacher
}

// CreateStudent inserts a student fixture.
func CreateStudent(t *testing.T, store storage.Gateway, name string) *models.Student {
	t.Helper()
	now := time.Now().UTC()
	student := &models.Student{ID: uuid.New(), Name: name, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateStudent(context.Background(), student))
	return student
}

// CreateTestPoll inserts a PENDING poll directly through the store. The first option is correct.
func CreateTestPoll(t *testing.T, store storage.Gateway, teacherID uuid.UUID, question string, timeLimit int, options ...string) *models.Poll {
	t.Helper()
	now := time.Now().UTC()
	p := &models.Poll{
		ID:               uuid.New(),
		TeacherID:        teacherID,
		Question:         question,
		Status:           models.PollPending,
		TimeLimitSeconds: timeLimit,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	opts := make([]models.PollOption, 0, len(options))
	for i, text := range options {
		opts = append(opts, models.PollOption{ID: uuid.New(), PollID: p.ID, Text: text, Correct: i == 0, Position: i})
	}
	require.NoError(t, store.CreatePoll(context.Background(), p, opts))
	p.Options = opts
	return p
}

// Event is one recorded publish.
type Event struct {
	PollID  uuid.UUID
	Name    string
	Payload interface{}
}

// Recorder is a Broadcaster that records every publish.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records the event.
func (r *Recorder) Publish(pollID uuid.UUID, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{PollID: pollID, Name: event, Payload: payload})
}

// Events returns all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns recorded events with the given name, in publish order.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name string) int {
	return len(r.Named(name))
}

// DecodePayload round-trips a payload through JSON into out, the way a client would see it.
func DecodePayload(t *testing.T, payload interface{}, out interface{}) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, out))
}
