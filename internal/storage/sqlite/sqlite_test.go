package sqlite_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/storage"
	"github.com/aura-classroom/backend/internal/testutil"
)

func TestPollRoundTrip(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	teacher := testutil.CreateTeacher(t, store, "Ms. Rivera")
	p := testutil.CreateTestPoll(t, store, teacher.ID, "Capital of France?", 60, "Paris", "London", "Rome")

	got, err := store.GetPoll(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PollPending, got.Status)
	assert.Equal(t, 60, got.TimeLimitSeconds)
	assert.Nil(t, got.StartedAt)
	require.Len(t, got.Options, 3)
	assert.Equal(t, "Paris", got.Options[0].Text)
	assert.True(t, got.Options[0].Correct)
	assert.False(t, got.Options[1].Correct)
	assert.Equal(t, p.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())

	_, err = store.GetPoll(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDuplicateOptionTextRollsBack(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	teacher := testutil.CreateTeacher(t, store, "T")
	now := time.Now()
	p := &models.Poll{ID: uuid.New(), TeacherID: teacher.ID, Question: "Pick one", Status: models.PollPending,
		TimeLimitSeconds: 30, CreatedAt: now, UpdatedAt: now}
	opts := []models.PollOption{
		{ID: uuid.New(), PollID: p.ID, Text: "A", Position: 0},
		{ID: uuid.New(), PollID: p.ID, Text: "A", Position: 1},
	}
	err := store.CreatePoll(ctx, p, opts)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = store.GetPoll(ctx, p.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStartAndCloseAreCompareAndSet(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	teacher := testutil.CreateTeacher(t, store, "T")
	p1 := testutil.CreateTestPoll(t, store, teacher.ID, "First?", 30, "a", "b")
	p2 := testutil.CreateTestPoll(t, store, teacher.ID, "Second?", 30, "a", "b")
	now := time.Now()

	require.NoError(t, store.StartPoll(ctx, p1.ID, now))
	assert.ErrorIs(t, store.StartPoll(ctx, p1.ID, now), storage.ErrConflict)
	// teacher already has an ACTIVE poll
	assert.ErrorIs(t, store.StartPoll(ctx, p2.ID, now), storage.ErrConflict)

	active, err := store.ListActivePolls(ctx, &teacher.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, p1.ID, active[0].ID)
	require.NotNil(t, active[0].StartedAt)
	assert.Equal(t, now.UnixNano(), active[0].StartedAt.UnixNano())

	require.NoError(t, store.ClosePoll(ctx, p1.ID, now.Add(time.Second)))
	assert.ErrorIs(t, store.ClosePoll(ctx, p1.ID, now), storage.ErrConflict)
	assert.ErrorIs(t, store.ClosePoll(ctx, p2.ID, now), storage.ErrConflict)

	require.NoError(t, store.StartPoll(ctx, p2.ID, now))
	all, err := store.ListActivePolls(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, p2.ID, all[0].ID)
}

func TestConcurrentStartsHaveOneWinner(t *testing.T) {
	store := testutil.NewStore(t)
	teacher := testutil.CreateTeacher(t, store, "T")
	polls := make([]*models.Poll, 8)
	for i := range polls {
		polls[i] = testutil.CreateTestPoll(t, store, teacher.ID, fmt.Sprintf("Question %d?", i), 30, "a", "b")
	}

	var wins int32
	var wg sync.WaitGroup
	for _, p := range polls {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if store.StartPoll(context.Background(), id, time.Now()) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(p.ID)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestVoteUniqueness(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	teacher := testutil.CreateTeacher(t, store, "T")
	student := testutil.CreateStudent(t, store, "Ana")
	p := testutil.CreateTestPoll(t, store, teacher.ID, "Pick?", 30, "a", "b")
	now := time.Now()
	require.NoError(t, store.StartPoll(ctx, p.ID, now))

	v := &models.Vote{ID: uuid.New(), PollID: p.ID, StudentID: student.ID, OptionID: p.Options[0].ID, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.InsertVote(ctx, v))

	again := *v
	again.ID = uuid.New()
	again.OptionID = p.Options[1].ID
	assert.ErrorIs(t, store.InsertVote(ctx, &again), storage.ErrDuplicate)

	voted, err := store.HasVoted(ctx, p.ID, student.ID)
	require.NoError(t, err)
	assert.True(t, voted)
	voted, err = store.HasVoted(ctx, p.ID, uuid.New())
	require.NoError(t, err)
	assert.False(t, voted)

	counts, err := store.CountVotes(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int{p.Options[0].ID: 1}, counts)
}

func TestChatHistoryReturnsLatestOldestFirst(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	teacher := testutil.CreateTeacher(t, store, "T")
	p := testutil.CreateTestPoll(t, store, teacher.ID, "Pick?", 30, "a", "b")
	base := time.Now()

	for i := 0; i < 5; i++ {
		m := &models.ChatMessage{ID: uuid.New(), PollID: p.ID, Sender: "Ana", Message: fmt.Sprintf("m%d", i), CreatedAt: base}
		require.NoError(t, store.CreateChatMessage(ctx, m))
	}

	list, err := store.ListChatMessages(ctx, p.ID, 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "m2", list[0].Message)
	assert.Equal(t, "m4", list[2].Message)
}

func TestVoteRequiresOpenPoll(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	teacher := testutil.CreateTeacher(t, store, "T")
	student := testutil.CreateStudent(t, store, "Ana")
	p := testutil.CreateTestPoll(t, store, teacher.ID, "Pick?", 30, "a", "b")
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	vote := func(at time.Time) *models.Vote {
		return &models.Vote{ID: uuid.New(), PollID: p.ID, StudentID: student.ID, OptionID: p.Options[0].ID, CreatedAt: at, UpdatedAt: at}
	}

	assert.ErrorIs(t, store.InsertVote(ctx, vote(start)), storage.ErrConflict, "pending poll")

	require.NoError(t, store.StartPoll(ctx, p.ID, start))
	assert.ErrorIs(t, store.InsertVote(ctx, vote(start.Add(30*time.Second))), storage.ErrConflict, "at the deadline")
	assert.ErrorIs(t, store.InsertVote(ctx, vote(start.Add(time.Minute))), storage.ErrConflict, "past the deadline")

	require.NoError(t, store.ClosePoll(ctx, p.ID, start.Add(time.Second)))
	assert.ErrorIs(t, store.InsertVote(ctx, vote(start.Add(2*time.Second))), storage.ErrConflict, "closed poll")

	voted, err := store.HasVoted(ctx, p.ID, student.ID)
	require.NoError(t, err)
	assert.False(t, voted)
}

func TestVoteJustBeforeDeadline(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	teacher := testutil.CreateTeacher(t, store, "T")
	student := testutil.CreateStudent(t, store, "Ana")
	p := testutil.CreateTestPoll(t, store, teacher.ID, "Pick?", 30, "a", "b")
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.StartPoll(ctx, p.ID, start))

	at := start.Add(30*time.Second - time.Millisecond)
	v := &models.Vote{ID: uuid.New(), PollID: p.ID, StudentID: student.ID, OptionID: p.Options[1].ID, CreatedAt: at, UpdatedAt: at}
	require.NoError(t, store.InsertVote(ctx, v))
}
